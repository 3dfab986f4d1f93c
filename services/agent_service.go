package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"advisor/config"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	agentName         = "WealthAdvisor"
	agentInstructions = "You are a helpful assistant to a Wealth Advisor."
	agentChunkObject  = "extensions.chat.completion.chunk"
)

const defaultStreamInstructions = "The currently selected client's name is '{SelectedClientName}'. Treat any case-insensitive or partial mention as referring to this client." +
	"If the user mentions no name, assume they are asking about '{SelectedClientName}'." +
	"If the user references a name that clearly differs from '{SelectedClientName}' or comparing with other clients, respond only with: 'Please only ask questions about the selected client or select another client.' Otherwise, provide thorough answers for every question using only data from SQL or call transcripts." +
	"If no data is found, respond with 'No data found for that client.' Remove any client identifiers from the final response." +
	"Always send clientId as '{client_id}'."

var errAgentNotFound = errors.New("agent not found")

// AgentAPI はエージェントサービスの REST 操作
type AgentAPI interface {
	CreateAgent(ctx context.Context, model, name, instructions string, tools []map[string]interface{}) (string, error)
	DeleteAgent(ctx context.Context, agentID string) error
	CreateThread(ctx context.Context, userMessage string) (string, error)
	DeleteThread(ctx context.Context, threadID string) error
	StreamRun(ctx context.Context, threadID, agentID, additionalInstructions string) (io.ReadCloser, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (io.ReadCloser, error)
}

type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// RESTAgentClient は Azure AI Agent Service の REST API を resty で呼び出します
type RESTAgentClient struct {
	client     *resty.Client
	endpoint   string
	apiVersion string
}

func NewRESTAgentClient(cfg *config.Config) *RESTAgentClient {
	client := resty.New().
		SetAuthToken(cfg.AgentAPIKey).
		SetHeader("Content-Type", "application/json")
	return &RESTAgentClient{
		client:     client,
		endpoint:   strings.TrimRight(cfg.AgentEndpoint, "/"),
		apiVersion: cfg.AgentAPIVersion,
	}
}

func (a *RESTAgentClient) url(path string) string {
	return fmt.Sprintf("%s%s?api-version=%s", a.endpoint, path, a.apiVersion)
}

func (a *RESTAgentClient) postJSON(ctx context.Context, path string, body interface{}) (string, error) {
	resp, err := a.client.R().SetContext(ctx).SetBody(body).Post(a.url(path))
	if err != nil {
		return "", &UpstreamError{Service: "Agent", Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", errAgentNotFound
	}
	if resp.IsError() {
		return "", &UpstreamError{Service: "Agent", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body(), &created); err != nil {
		return "", fmt.Errorf("failed to parse agent response: %w", err)
	}
	return created.ID, nil
}

func (a *RESTAgentClient) delete(ctx context.Context, path string) error {
	resp, err := a.client.R().SetContext(ctx).Delete(a.url(path))
	if err != nil {
		return &UpstreamError{Service: "Agent", Err: err}
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return &UpstreamError{Service: "Agent", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

func (a *RESTAgentClient) stream(ctx context.Context, path string, body interface{}) (io.ReadCloser, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetDoNotParseResponse(true).
		SetBody(body).
		Post(a.url(path))
	if err != nil {
		return nil, &UpstreamError{Service: "Agent", Err: err}
	}

	raw := resp.RawBody()
	if resp.StatusCode() == http.StatusNotFound {
		raw.Close()
		return nil, errAgentNotFound
	}
	if resp.StatusCode() != http.StatusOK {
		defer raw.Close()
		data, _ := io.ReadAll(raw)
		return nil, &UpstreamError{Service: "Agent", StatusCode: resp.StatusCode(), Body: strings.TrimSpace(string(data))}
	}
	return raw, nil
}

func (a *RESTAgentClient) CreateAgent(ctx context.Context, model, name, instructions string, tools []map[string]interface{}) (string, error) {
	return a.postJSON(ctx, "/assistants", map[string]interface{}{
		"model":        model,
		"name":         name,
		"instructions": instructions,
		"tools":        tools,
	})
}

func (a *RESTAgentClient) DeleteAgent(ctx context.Context, agentID string) error {
	return a.delete(ctx, "/assistants/"+agentID)
}

func (a *RESTAgentClient) CreateThread(ctx context.Context, userMessage string) (string, error) {
	return a.postJSON(ctx, "/threads", map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": userMessage}},
	})
}

func (a *RESTAgentClient) DeleteThread(ctx context.Context, threadID string) error {
	return a.delete(ctx, "/threads/"+threadID)
}

func (a *RESTAgentClient) StreamRun(ctx context.Context, threadID, agentID, additionalInstructions string) (io.ReadCloser, error) {
	return a.stream(ctx, "/threads/"+threadID+"/runs", map[string]interface{}{
		"assistant_id":            agentID,
		"additional_instructions": additionalInstructions,
		"stream":                  true,
	})
}

func (a *RESTAgentClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (io.ReadCloser, error) {
	return a.stream(ctx, "/threads/"+threadID+"/runs/"+runID+"/submit_tool_outputs", map[string]interface{}{
		"tool_outputs": outputs,
		"stream":       true,
	})
}

// AgentHandle はサーバー側に作成済みのエージェント
type AgentHandle struct {
	ID string
}

// AgentCache はプロセスで 1 つのエージェントを遅延作成して使い回します
type AgentCache struct {
	mu     sync.Mutex
	client AgentAPI
	model  string
	tools  []map[string]interface{}
	handle *AgentHandle
}

func NewAgentCache(client AgentAPI, model string, tools []map[string]interface{}) *AgentCache {
	return &AgentCache{client: client, model: model, tools: tools}
}

// GetOrCreate は作成済みのハンドルを返し、無ければ作成します
func (c *AgentCache) GetOrCreate(ctx context.Context) (*AgentHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		return c.handle, nil
	}

	id, err := c.client.CreateAgent(ctx, c.model, agentName, agentInstructions, c.tools)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	c.handle = &AgentHandle{ID: id}
	log.Printf("Agent created: %s", id)
	return c.handle, nil
}

// Invalidate はハンドルを破棄し、サーバー側のエージェントも削除します
func (c *AgentCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil {
		return nil
	}
	id := c.handle.ID
	c.handle = nil
	if err := c.client.DeleteAgent(ctx, id); err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	return nil
}

// ClientNamer はクライアント ID から表示名を引きます
type ClientNamer interface {
	ClientName(ctx context.Context, clientID string) (string, error)
}

// ToolExecutor はエージェントから呼ばれたツールを実行します
type ToolExecutor interface {
	Execute(ctx context.Context, name, arguments string) string
}

// AgentRunner は選択中のクライアントについてエージェントに質問し、応答を流します
type AgentRunner struct {
	cache        *AgentCache
	client       AgentAPI
	clients      ClientNamer
	tools        ToolExecutor
	model        string
	instructions string
	events       *EventTracker
}

func NewAgentRunner(cfg *config.Config, cache *AgentCache, client AgentAPI, clients ClientNamer, tools ToolExecutor, events *EventTracker) *AgentRunner {
	instructions := cfg.StreamTextSystemPrompt
	if instructions == "" {
		instructions = defaultStreamInstructions
	}
	return &AgentRunner{
		cache:        cache,
		client:       client,
		clients:      clients,
		tools:        tools,
		model:        cfg.OpenAIModel,
		instructions: instructions,
		events:       events,
	}
}

// StreamAgent はスレッドを作成して実行を開始します。
// エージェントがサーバー側で消えていた場合はハンドルを作り直して 1 回だけやり直す
func (r *AgentRunner) StreamAgent(ctx context.Context, query, clientID string) (ChunkStream, error) {
	clientName, err := r.clients.ClientName(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client name: %w", err)
	}
	instructions := strings.ReplaceAll(r.instructions, "{SelectedClientName}", clientName)
	instructions = strings.ReplaceAll(instructions, "{client_id}", clientID)

	threadID, err := r.client.CreateThread(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	body, err := r.startRun(ctx, threadID, instructions)
	if errors.Is(err, errAgentNotFound) {
		log.Printf("Agent not found, recreating")
		if invErr := r.cache.Invalidate(ctx); invErr != nil {
			log.Printf("Error invalidating agent: %v", invErr)
		}
		body, err = r.startRun(ctx, threadID, instructions)
	}
	if err != nil {
		r.deleteThread(threadID)
		return nil, err
	}

	r.events.Track("agent_run_started", map[string]interface{}{"client_id": clientID})
	return &agentChunkStream{
		ctx:      ctx,
		runner:   r,
		threadID: threadID,
		body:     body,
		events:   newSSEReader(body),
		meta: ChunkMeta{
			ID:      uuid.New().String(),
			Model:   r.model,
			Created: time.Now().Unix(),
			Object:  agentChunkObject,
		},
	}, nil
}

func (r *AgentRunner) startRun(ctx context.Context, threadID, instructions string) (io.ReadCloser, error) {
	handle, err := r.cache.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	return r.client.StreamRun(ctx, threadID, handle.ID, instructions)
}

func (r *AgentRunner) deleteThread(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.client.DeleteThread(ctx, threadID); err != nil {
		log.Printf("Error deleting thread %s: %v", threadID, err)
	}
}

type agentMessageDelta struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

type agentRun struct {
	ID             string `json:"id"`
	RequiredAction *struct {
		SubmitToolOutputs struct {
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

// agentChunkStream は実行イベントを読み、本文の差分を ContentChunk にします。
// ツール呼び出しを要求されたら実行結果を送信し、続きのイベントを読む
type agentChunkStream struct {
	ctx      context.Context
	runner   *AgentRunner
	threadID string
	body     io.ReadCloser
	events   *sseReader
	meta     ChunkMeta
	closed   bool
}

func (s *agentChunkStream) Recv() (Chunk, error) {
	for {
		ev, err := s.events.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, &UpstreamError{Service: "Agent", Err: err}
		}

		switch ev.Event {
		case "thread.message.delta":
			var delta agentMessageDelta
			if err := json.Unmarshal([]byte(ev.Data), &delta); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
			}
			var text strings.Builder
			for _, part := range delta.Delta.Content {
				text.WriteString(part.Text.Value)
			}
			if text.Len() == 0 {
				continue
			}
			return ContentChunk{ChunkMeta: s.meta, Content: text.String()}, nil

		case "thread.run.requires_action":
			var run agentRun
			if err := json.Unmarshal([]byte(ev.Data), &run); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
			}
			if err := s.submitToolOutputs(run); err != nil {
				return nil, err
			}

		case "thread.run.failed":
			var run agentRun
			if err := json.Unmarshal([]byte(ev.Data), &run); err != nil {
				log.Printf("Error decoding failed run: %v", err)
			}
			message := "agent run failed"
			if run.LastError != nil && run.LastError.Message != "" {
				message = run.LastError.Message
			}
			return nil, &UpstreamError{Service: "Agent", Err: errors.New(message)}

		case "done":
			return nil, io.EOF
		}
	}
}

func (s *agentChunkStream) submitToolOutputs(run agentRun) error {
	if run.RequiredAction == nil {
		return nil
	}

	var outputs []ToolOutput
	for _, call := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
		output := s.runner.tools.Execute(s.ctx, call.Function.Name, call.Function.Arguments)
		outputs = append(outputs, ToolOutput{ToolCallID: call.ID, Output: output})
	}
	s.runner.events.Track("agent_tool_outputs_submitted", map[string]interface{}{"count": len(outputs)})

	body, err := s.runner.client.SubmitToolOutputs(s.ctx, s.threadID, run.ID, outputs)
	if err != nil {
		return err
	}
	s.body.Close()
	s.body = body
	s.events = newSSEReader(body)
	return nil
}

func (s *agentChunkStream) RequestID() string {
	return ""
}

// Close は本文を閉じ、スレッドを削除します
func (s *agentChunkStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.body.Close()
	s.runner.deleteThread(s.threadID)
	return err
}
