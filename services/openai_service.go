package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"advisor/config"
	"advisor/models"

	"github.com/sashabaranov/go-openai"
)

const titlePrompt = `Summarize the conversation so far into a 4-word or less title. Do not use any quotation marks or punctuation. Respond with a json object in the format {"title": string}. Do not include any other commentary or description.`

// OpenAIService は Azure OpenAI のチャット補完を go-openai で呼び出します
type OpenAIService struct {
	client      *openai.Client
	model       string
	temperature float32
	topP        float32
	maxTokens   int
	stop        []string
}

func NewOpenAIService(cfg *config.Config) (*OpenAIService, error) {
	baseURL := cfg.OpenAIBaseURL()
	if baseURL == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_ENDPOINT or AZURE_OPENAI_RESOURCE is required")
	}
	if cfg.OpenAIModel == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_MODEL is required")
	}

	clientConfig := openai.DefaultAzureConfig(cfg.OpenAIKey, baseURL)
	clientConfig.APIVersion = cfg.OpenAIPreviewAPIVersion

	return &OpenAIService{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.OpenAIModel,
		temperature: cfg.OpenAITemperature,
		topP:        cfg.OpenAITopP,
		maxTokens:   cfg.OpenAIMaxTokens,
		stop:        cfg.StopSequences(),
	}, nil
}

func (s *OpenAIService) chatRequest(req ChatRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       s.model,
		Messages:    messages,
		Temperature: s.temperature,
		TopP:        s.topP,
		MaxTokens:   s.maxTokens,
		Stop:        s.stop,
		User:        req.User,
	}
}

// Stream はストリーミング補完を開始します
func (s *OpenAIService) Stream(ctx context.Context, req ChatRequest) (ChunkStream, error) {
	stream, err := s.client.CreateChatCompletionStream(ctx, s.chatRequest(req))
	if err != nil {
		return nil, upstreamError("Azure OpenAI", err)
	}
	return &openAIChunkStream{stream: stream}, nil
}

// Complete は非ストリーミング補完を行い、apim-request-id とともに返します
func (s *OpenAIService) Complete(ctx context.Context, req ChatRequest) (UpstreamChunk, string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, s.chatRequest(req))
	if err != nil {
		return UpstreamChunk{}, "", upstreamError("Azure OpenAI", err)
	}

	completion := UpstreamChunk{
		ID:      resp.ID,
		Model:   resp.Model,
		Created: resp.Created,
		Object:  resp.Object,
	}
	for _, choice := range resp.Choices {
		content := choice.Message.Content
		completion.Choices = append(completion.Choices, UpstreamChoice{
			Message: &UpstreamMessage{Role: choice.Message.Role, Content: &content},
		})
	}
	return completion, resp.Header().Get("apim-request-id"), nil
}

// GenerateTitle は会話から 4 語以内のタイトルを作ります
func (s *OpenAIService) GenerateTitle(ctx context.Context, messages []models.InputMessage) (string, error) {
	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	for _, msg := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	chatMessages = append(chatMessages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: titlePrompt})

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Messages:    chatMessages,
		Temperature: 1,
		MaxTokens:   64,
	})
	if err != nil {
		return "", upstreamError("Azure OpenAI", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("title generation returned no choices")
	}

	var title struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &title); err != nil {
		return "", fmt.Errorf("failed to parse title: %w", err)
	}
	return title.Title, nil
}

// Ask はシステムプロンプトと質問 1 つで補完し、本文を返します
func (s *OpenAIService) Ask(ctx context.Context, systemPrompt, question string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: question},
		},
		Temperature: 0,
		TopP:        1,
		N:           1,
	})
	if err != nil {
		return "", upstreamError("Azure OpenAI", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type openAIChunkStream struct {
	stream *openai.ChatCompletionStream
}

func (o *openAIChunkStream) Recv() (Chunk, error) {
	resp, err := o.stream.Recv()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		// 壊れた行だけを捨てる。次の Recv は続きの行を読む
		return nil, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	if err != nil {
		return nil, upstreamError("Azure OpenAI", err)
	}

	chunk := UpstreamChunk{
		ID:      resp.ID,
		Model:   resp.Model,
		Created: resp.Created,
		Object:  resp.Object,
	}
	for _, choice := range resp.Choices {
		upstream := UpstreamChoice{Delta: UpstreamMessage{Role: choice.Delta.Role}}
		if choice.Delta.Content != "" {
			content := choice.Delta.Content
			upstream.Delta.Content = &content
		}
		if choice.FinishReason != "" {
			reason := string(choice.FinishReason)
			upstream.FinishReason = &reason
		}
		chunk.Choices = append(chunk.Choices, upstream)
	}
	return chunk.Chunk(), nil
}

func (o *openAIChunkStream) RequestID() string {
	return o.stream.Header().Get("apim-request-id")
}

func (o *openAIChunkStream) Close() error {
	return o.stream.Close()
}

// upstreamError は go-openai のエラーを UpstreamError に包みます
func upstreamError(service string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Service: service, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &UpstreamError{Service: service, StatusCode: reqErr.HTTPStatusCode, Body: strings.TrimSpace(string(reqErr.Body)), Err: reqErr.Err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	log.Printf("%s transport error: %v", service, err)
	return &UpstreamError{Service: service, Err: err}
}
