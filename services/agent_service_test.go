package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"advisor/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgentAPI struct {
	mu             sync.Mutex
	created        int
	deletedAgents  []string
	deletedThreads []string
	runAgents      []string
	instructions   []string
	missing        map[string]bool
	runBody        string
	submitBody     string
	submittedRun   string
	submitted      []ToolOutput
}

func (f *fakeAgentAPI) CreateAgent(ctx context.Context, model, name, instructions string, tools []map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("agent-%d", f.created), nil
}

func (f *fakeAgentAPI) DeleteAgent(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedAgents = append(f.deletedAgents, agentID)
	return nil
}

func (f *fakeAgentAPI) CreateThread(ctx context.Context, userMessage string) (string, error) {
	return "thread-1", nil
}

func (f *fakeAgentAPI) DeleteThread(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedThreads = append(f.deletedThreads, threadID)
	return nil
}

func (f *fakeAgentAPI) StreamRun(ctx context.Context, threadID, agentID, additionalInstructions string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runAgents = append(f.runAgents, agentID)
	if f.missing[agentID] {
		return nil, errAgentNotFound
	}
	f.instructions = append(f.instructions, additionalInstructions)
	return io.NopCloser(strings.NewReader(f.runBody)), nil
}

func (f *fakeAgentAPI) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submittedRun = runID
	f.submitted = append(f.submitted, outputs...)
	return io.NopCloser(strings.NewReader(f.submitBody)), nil
}

type stubClientNamer struct {
	name string
}

func (s stubClientNamer) ClientName(ctx context.Context, clientID string) (string, error) {
	return s.name, nil
}

type stubToolExecutor struct {
	calls []string
}

func (s *stubToolExecutor) Execute(ctx context.Context, name, arguments string) string {
	s.calls = append(s.calls, name+" "+arguments)
	return "client: Karen Berg, investment: 1000"
}

func sseFrame(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

func messageDelta(text string) string {
	return fmt.Sprintf(`{"delta":{"content":[{"type":"text","text":{"value":%q}}]}}`, text)
}

func newTestAgentRunner(api *fakeAgentAPI, tools ToolExecutor) *AgentRunner {
	cfg := &config.Config{OpenAIModel: "gpt-4o"}
	cache := NewAgentCache(api, "gpt-4o", nil)
	return NewAgentRunner(cfg, cache, api, stubClientNamer{name: "Karen Berg"}, tools, nil)
}

func TestAgentCache_GetOrCreateAndInvalidate(t *testing.T) {
	api := &fakeAgentAPI{}
	cache := NewAgentCache(api, "gpt-4o", nil)
	ctx := context.Background()

	first, err := cache.GetOrCreate(ctx)
	require.NoError(t, err)
	second, err := cache.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, api.created)

	require.NoError(t, cache.Invalidate(ctx))
	assert.Equal(t, []string{"agent-1"}, api.deletedAgents)
	require.NoError(t, cache.Invalidate(ctx))
	assert.Len(t, api.deletedAgents, 1)

	third, err := cache.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "agent-2", third.ID)
}

func TestAgentCache_ConcurrentFirstCallersShareOneAgent(t *testing.T) {
	api := &fakeAgentAPI{}
	cache := NewAgentCache(api, "gpt-4o", nil)

	const callers = 16
	handles := make([]*AgentHandle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := cache.GetOrCreate(context.Background())
			assert.NoError(t, err)
			handles[i] = handle
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, api.created)
	for _, handle := range handles {
		assert.Same(t, handles[0], handle)
	}
}

func TestAgentRunner_StreamsDeltasAndSubmitsToolOutputs(t *testing.T) {
	api := &fakeAgentAPI{
		runBody: sseFrame("thread.run.created", `{"id":"run_1"}`) +
			sseFrame("thread.message.delta", messageDelta("Looking up ")) +
			sseFrame("thread.run.requires_action", `{"id":"run_1","required_action":{"submit_tool_outputs":{"tool_calls":[{"id":"call_1","function":{"name":"ChatWithSQLDatabase","arguments":"{\"input\":\"assets\",\"ClientId\":\"10005\"}"}}]}}}`),
		submitBody: sseFrame("thread.message.delta", messageDelta("Karen has 1000 invested.")) +
			sseFrame("done", "[DONE]"),
	}
	tools := &stubToolExecutor{}
	runner := newTestAgentRunner(api, tools)

	stream, err := runner.StreamAgent(context.Background(), "What are her assets?", "10005")
	require.NoError(t, err)

	chunks, errs := drain(t, stream)
	require.Empty(t, errs)
	require.Len(t, chunks, 2)

	first := chunks[0].(ContentChunk)
	second := chunks[1].(ContentChunk)
	assert.Equal(t, "Looking up ", first.Content)
	assert.Equal(t, "Karen has 1000 invested.", second.Content)
	assert.Equal(t, agentChunkObject, first.Object)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, []string{`ChatWithSQLDatabase {"input":"assets","ClientId":"10005"}`}, tools.calls)
	assert.Equal(t, "run_1", api.submittedRun)
	assert.Equal(t, []ToolOutput{{ToolCallID: "call_1", Output: "client: Karen Berg, investment: 1000"}}, api.submitted)

	require.Len(t, api.instructions, 1)
	assert.Contains(t, api.instructions[0], "The currently selected client's name is 'Karen Berg'")
	assert.Contains(t, api.instructions[0], "Always send clientId as '10005'")

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.Equal(t, []string{"thread-1"}, api.deletedThreads)
}

func TestAgentRunner_RecreatesMissingAgentOnce(t *testing.T) {
	api := &fakeAgentAPI{
		missing: map[string]bool{"agent-1": true},
		runBody: sseFrame("done", "[DONE]"),
	}
	runner := newTestAgentRunner(api, &stubToolExecutor{})

	stream, err := runner.StreamAgent(context.Background(), "hello", "10005")
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, []string{"agent-1", "agent-2"}, api.runAgents)
	assert.Equal(t, []string{"agent-1"}, api.deletedAgents)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAgentRunner_MissingTwiceDeletesThread(t *testing.T) {
	api := &fakeAgentAPI{missing: map[string]bool{"agent-1": true, "agent-2": true}}
	runner := newTestAgentRunner(api, &stubToolExecutor{})

	_, err := runner.StreamAgent(context.Background(), "hello", "10005")
	assert.ErrorIs(t, err, errAgentNotFound)
	assert.Equal(t, []string{"thread-1"}, api.deletedThreads)
}

func TestAgentRunner_RunFailed(t *testing.T) {
	api := &fakeAgentAPI{
		runBody: sseFrame("thread.run.failed", `{"id":"run_1","last_error":{"code":"rate_limit_exceeded","message":"Rate limit is exceeded."}}`),
	}
	runner := newTestAgentRunner(api, &stubToolExecutor{})

	stream, err := runner.StreamAgent(context.Background(), "hello", "10005")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "Agent request failed: Rate limit is exceeded.", upstream.Error())
	assert.Zero(t, upstream.StatusCode)
}

func TestAgentRunner_RunFailedWithUnreadableBody(t *testing.T) {
	api := &fakeAgentAPI{runBody: sseFrame("thread.run.failed", "{broken")}
	runner := newTestAgentRunner(api, &stubToolExecutor{})

	stream, err := runner.StreamAgent(context.Background(), "hello", "10005")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	assert.EqualError(t, err, "Agent request failed: agent run failed")
}

func TestAgentRunner_MalformedDelta(t *testing.T) {
	api := &fakeAgentAPI{
		runBody: sseFrame("thread.message.delta", "{broken") +
			sseFrame("thread.message.delta", messageDelta("ok")),
	}
	runner := newTestAgentRunner(api, &stubToolExecutor{})

	stream, err := runner.StreamAgent(context.Background(), "hello", "10005")
	require.NoError(t, err)
	defer stream.Close()

	chunks, errs := drain(t, stream)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrMalformedChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, "ok", chunks[0].(ContentChunk).Content)
}

func TestRESTAgentClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer agent-key", r.Header.Get("Authorization"))
		assert.Equal(t, "v1", r.URL.Query().Get("api-version"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/assistants":
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, agentName, body["name"])
			assert.Equal(t, "gpt-4o", body["model"])
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"asst_1"}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/assistants/asst_gone":
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/threads/t-missing/runs":
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/threads/t-ok/runs":
			assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, sseFrame("done", "[DONE]"))
		case r.URL.Path == "/threads/t-bad/runs":
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"bad run"}`)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer server.Close()

	client := NewRESTAgentClient(&config.Config{AgentEndpoint: server.URL + "/", AgentAPIKey: "agent-key", AgentAPIVersion: "v1"})
	ctx := context.Background()

	id, err := client.CreateAgent(ctx, "gpt-4o", agentName, agentInstructions, nil)
	require.NoError(t, err)
	assert.Equal(t, "asst_1", id)

	assert.NoError(t, client.DeleteAgent(ctx, "asst_gone"))

	_, err = client.StreamRun(ctx, "t-missing", "asst_1", "")
	assert.ErrorIs(t, err, errAgentNotFound)

	_, err = client.StreamRun(ctx, "t-bad", "asst_1", "")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadRequest, upstream.StatusCode)
	assert.Contains(t, upstream.Body, "bad run")

	body, err := client.StreamRun(ctx, "t-ok", "asst_1", "")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "event: done")
}
