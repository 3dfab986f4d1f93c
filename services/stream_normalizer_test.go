package services

import (
	"encoding/json"
	"errors"
	"testing"

	"advisor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalizeLine(t *testing.T, line string) models.WireRecord {
	t.Helper()
	chunk, err := DecodeChunk([]byte(line))
	require.NoError(t, err)
	record, ok := Normalize(chunk, map[string]interface{}{"conversation_id": "c1"}, "req-1")
	require.True(t, ok)
	return record
}

// marshalMessages はレコードの先頭 choice のメッセージを JSON にします
func marshalMessages(t *testing.T, record models.WireRecord) string {
	t.Helper()
	rec, ok := record.(models.StreamRecord)
	require.True(t, ok)
	require.Len(t, rec.Messages(), 1)
	data, err := json.Marshal(rec.Messages()[0])
	require.NoError(t, err)
	return string(data)
}

func TestNormalize_ContextChunkBecomesToolDelta(t *testing.T) {
	record := normalizeLine(t, `{"choices":[{"delta":{"context":{"messages":[{"content":"Source: doc1"}]}}}]}`)
	assert.JSONEq(t, `{"delta":{"role":"tool","content":"Source: doc1"}}`, marshalMessages(t, record))
}

func TestNormalize_ContextWithoutMessagesIsSerialized(t *testing.T) {
	record := normalizeLine(t, `{"choices":[{"delta":{"context":{"citations":[{"title":"a"}], "intent":"x"}}}]}`)
	rec := record.(models.StreamRecord)
	msg := rec.Messages()[0]
	require.NotNil(t, msg.Delta)
	assert.Equal(t, models.RoleTool, msg.Delta.Role)
	assert.JSONEq(t, `{"citations":[{"title":"a"}],"intent":"x"}`, *msg.Delta.Content)
}

func TestNormalize_RoleChunkOmitsContent(t *testing.T) {
	record := normalizeLine(t, `{"id":"x","choices":[{"delta":{"role":"assistant"}}]}`)
	out := marshalMessages(t, record)
	assert.JSONEq(t, `{"delta":{"role":"assistant"}}`, out)
	assert.NotContains(t, out, "content")
}

func TestNormalize_RoleWithEmptyContentIsRoleChunk(t *testing.T) {
	chunk, err := DecodeChunk([]byte(`{"choices":[{"delta":{"role":"assistant","content":""}}]}`))
	require.NoError(t, err)
	_, ok := chunk.(RoleChunk)
	assert.True(t, ok)
}

func TestNormalize_ContentChunk(t *testing.T) {
	record := normalizeLine(t, `{"choices":[{"delta":{"content":"Hello"}}]}`)
	assert.JSONEq(t, `{"delta":{"content":"Hello"}}`, marshalMessages(t, record))
}

func TestNormalize_DoneSentinel(t *testing.T) {
	record := normalizeLine(t, `{"choices":[{"delta":{"content":"[DONE]"},"end_turn":true}]}`)
	assert.JSONEq(t, `{"delta":{"content":"[DONE]"}}`, marshalMessages(t, record))
	assert.True(t, IsDoneRecord(record))
}

func TestNormalize_EndTurnWithoutContentIsDone(t *testing.T) {
	record := normalizeLine(t, `{"choices":[{"delta":{},"end_turn":true}]}`)
	assert.True(t, IsDoneRecord(record))
}

func TestNormalize_FinishReasonStopIsDone(t *testing.T) {
	record := normalizeLine(t, `{"choices":[{"delta":{},"finish_reason":"stop"}]}`)
	assert.True(t, IsDoneRecord(record))
}

func TestNormalize_ContentWithEndTurnKeepsContent(t *testing.T) {
	chunk, err := DecodeChunk([]byte(`{"choices":[{"delta":{"content":"bye"},"end_turn":true}]}`))
	require.NoError(t, err)
	content, ok := chunk.(ContentChunk)
	require.True(t, ok)
	assert.Equal(t, "bye", content.Content)
	assert.True(t, content.EndTurn)
}

func TestNormalize_ErrorShortCircuits(t *testing.T) {
	record := normalizeLine(t, `{"error":{"code":"429","message":"rate limited"},"choices":[{"delta":{"content":"ignored"}}]}`)
	errRecord, ok := record.(models.ErrorRecord)
	require.True(t, ok)
	data, err := json.Marshal(errRecord)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":"429","message":"rate limited"}}`, string(data))
}

func TestNormalize_CopiesMetadata(t *testing.T) {
	record := normalizeLine(t, `{"id":"chatcmpl-1","model":"gpt-4o","created":1700000000,"object":"chat.completion.chunk","choices":[{"delta":{"content":"a"}}]}`)
	rec := record.(models.StreamRecord)
	assert.Equal(t, "chatcmpl-1", rec.ID)
	assert.Equal(t, "gpt-4o", rec.Model)
	assert.Equal(t, int64(1700000000), rec.Created)
	assert.Equal(t, "chat.completion.chunk", rec.Object)
	assert.Equal(t, "req-1", rec.APIMRequestID)
	assert.Equal(t, map[string]interface{}{"conversation_id": "c1"}, rec.HistoryMetadata)
}

func TestNormalize_EmptyChunkIsDropped(t *testing.T) {
	for _, line := range []string{
		`{"choices":[]}`,
		`{"choices":[{"delta":{}}]}`,
		`{"id":"x","prompt_filter_results":[]}`,
	} {
		chunk, err := DecodeChunk([]byte(line))
		require.NoError(t, err)
		_, ok := Normalize(chunk, nil, "")
		assert.False(t, ok, line)
	}
}

func TestDecodeChunk_Malformed(t *testing.T) {
	_, err := DecodeChunk([]byte(`{"choices":[`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedChunk))
}

func TestNormalize_NilHistoryMetadataSerializesAsObject(t *testing.T) {
	chunk, err := DecodeChunk([]byte(`{"choices":[{"delta":{"content":"a"}}]}`))
	require.NoError(t, err)
	record, ok := Normalize(chunk, nil, "")
	require.True(t, ok)
	data, err := json.Marshal(record)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"history_metadata":{}`)
}

func TestNormalizeCompletion_ToolThenAssistant(t *testing.T) {
	var completion UpstreamChunk
	require.NoError(t, json.Unmarshal([]byte(`{
		"id":"c","model":"m","created":1,"object":"extensions.chat.completion",
		"choices":[{"message":{"role":"assistant","content":"The answer","context":{"messages":[{"role":"tool","content":"{\"citations\":[]}"}]}}}]
	}`), &completion))

	record := NormalizeCompletion(completion, nil, "req")
	rec, ok := record.(models.StreamRecord)
	require.True(t, ok)
	msgs := rec.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleTool, msgs[0].Role)
	assert.Equal(t, `{"citations":[]}`, *msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "The answer", *msgs[1].Content)
}

func TestNormalizeCompletion_WithoutContextStillEmitsTool(t *testing.T) {
	completion := UpstreamChunk{Choices: []UpstreamChoice{{Message: &UpstreamMessage{Role: "assistant", Content: stringPtr("hi")}}}}
	rec := NormalizeCompletion(completion, nil, "").(models.StreamRecord)
	msgs := rec.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleTool, msgs[0].Role)
	assert.Equal(t, "{}", *msgs[0].Content)
	assert.Equal(t, "hi", *msgs[1].Content)
}

func TestNormalizeCompletion_Error(t *testing.T) {
	var completion UpstreamChunk
	require.NoError(t, json.Unmarshal([]byte(`{"error":"boom"}`), &completion))
	record := NormalizeCompletion(completion, nil, "")
	assert.Equal(t, models.ErrorRecord{Error: "boom"}, record)
}
