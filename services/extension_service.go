package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"advisor/config"

	"github.com/go-resty/resty/v2"
)

// ExtensionService は Azure OpenAI の on-your-data (data_sources 付き) 補完を REST で呼び出します
type ExtensionService struct {
	client      *resty.Client
	endpoint    string
	apiKey      string
	apiVersion  string
	model       string
	temperature float32
	topP        float32
	maxTokens   int
	stop        []string
	debug       bool
}

func NewExtensionService(cfg *config.Config) *ExtensionService {
	return &ExtensionService{
		client:      resty.New(),
		endpoint:    cfg.OpenAIBaseURL(),
		apiKey:      cfg.OpenAIKey,
		apiVersion:  cfg.OpenAIPreviewAPIVersion,
		model:       cfg.OpenAIModel,
		temperature: cfg.OpenAITemperature,
		topP:        cfg.OpenAITopP,
		maxTokens:   cfg.OpenAIMaxTokens,
		stop:        cfg.StopSequences(),
		debug:       cfg.Debug,
	}
}

func (e *ExtensionService) completionsURL() string {
	return fmt.Sprintf("%sopenai/deployments/%s/chat/completions?api-version=%s", e.endpoint, e.model, e.apiVersion)
}

func (e *ExtensionService) requestBody(req ChatRequest, stream bool) map[string]interface{} {
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, map[string]string{"role": msg.Role, "content": msg.Content})
	}

	body := map[string]interface{}{
		"messages":    messages,
		"temperature": e.temperature,
		"max_tokens":  e.maxTokens,
		"top_p":       e.topP,
		"stream":      stream,
		"model":       e.model,
	}
	if len(e.stop) > 0 {
		body["stop"] = e.stop
	}
	if req.User != "" {
		body["user"] = req.User
	}
	if len(req.DataSources) > 0 {
		body["data_sources"] = req.DataSources
	}

	if e.debug {
		masked := make([]map[string]interface{}, 0, len(req.DataSources))
		for _, ds := range req.DataSources {
			masked = append(masked, MaskSecrets(ds))
		}
		logged, _ := json.Marshal(map[string]interface{}{"model": e.model, "messages": len(messages), "data_sources": masked})
		log.Printf("REQUEST BODY: %s", logged)
	}
	return body
}

func (e *ExtensionService) newRequest(ctx context.Context) *resty.Request {
	return e.client.R().
		SetContext(ctx).
		SetHeader("api-key", e.apiKey).
		SetHeader("Content-Type", "application/json")
}

// Stream はストリーミング補完を開始し、SSE 本文をチャンク列として返します
func (e *ExtensionService) Stream(ctx context.Context, req ChatRequest) (ChunkStream, error) {
	resp, err := e.newRequest(ctx).
		SetHeader("Accept", "text/event-stream").
		SetDoNotParseResponse(true).
		SetBody(e.requestBody(req, true)).
		Post(e.completionsURL())
	if err != nil {
		return nil, &UpstreamError{Service: "Azure OpenAI", Err: err}
	}

	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		defer body.Close()
		data, _ := io.ReadAll(body)
		return nil, &UpstreamError{Service: "Azure OpenAI", StatusCode: resp.StatusCode(), Body: strings.TrimSpace(string(data))}
	}

	return &sseChunkStream{
		body:      body,
		events:    newSSEReader(body),
		requestID: resp.Header().Get("apim-request-id"),
	}, nil
}

// Complete は非ストリーミング補完を行います
func (e *ExtensionService) Complete(ctx context.Context, req ChatRequest) (UpstreamChunk, string, error) {
	resp, err := e.newRequest(ctx).
		SetBody(e.requestBody(req, false)).
		Post(e.completionsURL())
	if err != nil {
		return UpstreamChunk{}, "", &UpstreamError{Service: "Azure OpenAI", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return UpstreamChunk{}, "", &UpstreamError{Service: "Azure OpenAI", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	var completion UpstreamChunk
	if err := json.Unmarshal(resp.Body(), &completion); err != nil {
		return UpstreamChunk{}, "", fmt.Errorf("failed to parse completion: %w", err)
	}
	return completion, resp.Header().Get("apim-request-id"), nil
}

// AskWithData は 1 つの質問を指定のデータソースに対して問い合わせ、本文を返します
func (e *ExtensionService) AskWithData(ctx context.Context, systemPrompt, question string, dataSource map[string]interface{}) (string, error) {
	body := map[string]interface{}{
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": question},
		},
		"seed":         42,
		"temperature":  0,
		"top_p":        1,
		"n":            1,
		"max_tokens":   800,
		"data_sources": []map[string]interface{}{dataSource},
	}

	resp, err := e.newRequest(ctx).SetBody(body).Post(e.completionsURL())
	if err != nil {
		return "", &UpstreamError{Service: "Azure OpenAI", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &UpstreamError{Service: "Azure OpenAI", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	var completion UpstreamChunk
	if err := json.Unmarshal(resp.Body(), &completion); err != nil {
		return "", fmt.Errorf("failed to parse completion: %w", err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message == nil || completion.Choices[0].Message.Content == nil {
		return "", nil
	}
	return *completion.Choices[0].Message.Content, nil
}

// sseChunkStream は SSE の data 行を 1 つずつチャンクにデコードします
type sseChunkStream struct {
	body      io.ReadCloser
	events    *sseReader
	requestID string
}

func (s *sseChunkStream) Recv() (Chunk, error) {
	for {
		ev, err := s.events.Next()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, &UpstreamError{Service: "Azure OpenAI", Err: err}
		}

		data := strings.TrimSpace(ev.Data)
		if data == "" {
			continue
		}
		if data == DoneSentinel {
			return nil, io.EOF
		}
		return DecodeChunk([]byte(data))
	}
}

func (s *sseChunkStream) RequestID() string {
	return s.requestID
}

func (s *sseChunkStream) Close() error {
	return s.body.Close()
}
