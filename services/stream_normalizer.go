package services

import (
	"bytes"
	"encoding/json"
	"fmt"

	"advisor/models"
)

// DoneSentinel はアシスタントのターン終了を示す delta content
const DoneSentinel = "[DONE]"

// ChunkMeta は上流チャンクから出力レコードへそのまま写す値
type ChunkMeta struct {
	ID      string
	Model   string
	Created int64
	Object  string
}

func (m ChunkMeta) chunkMeta() ChunkMeta { return m }

// Chunk は上流チャンクを一度だけデコードした結果。
// ContextChunk, RoleChunk, ContentChunk, ErrorChunk, EmptyChunk のいずれか
type Chunk interface {
	chunkMeta() ChunkMeta
}

// ContextChunk は検索結果などのツールメッセージを運ぶチャンク
type ContextChunk struct {
	ChunkMeta
	Content string
}

// RoleChunk は content を持たないロール宣言
type RoleChunk struct {
	ChunkMeta
	Role string
}

// ContentChunk はアシスタント本文の断片。EndTurn はこの断片でターンが終わること
type ContentChunk struct {
	ChunkMeta
	Content string
	EndTurn bool
}

type ErrorChunk struct {
	ChunkMeta
	Error interface{}
}

// EmptyChunk は context, role, content のどれも持たないチャンク
type EmptyChunk struct {
	ChunkMeta
}

// UpstreamChunk は Azure OpenAI (on your data を含む) のチャンクおよび非ストリーミング応答
type UpstreamChunk struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Created int64            `json:"created"`
	Object  string           `json:"object"`
	Choices []UpstreamChoice `json:"choices"`
	Error   json.RawMessage  `json:"error,omitempty"`
}

type UpstreamChoice struct {
	Delta        UpstreamMessage  `json:"delta"`
	Message      *UpstreamMessage `json:"message,omitempty"`
	EndTurn      bool             `json:"end_turn"`
	FinishReason *string          `json:"finish_reason"`
}

type UpstreamMessage struct {
	Role    string          `json:"role,omitempty"`
	Content *string         `json:"content,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
}

// DecodeChunk は JSON 1 行をデコードします。壊れた行は ErrMalformedChunk
func DecodeChunk(data []byte) (Chunk, error) {
	var raw UpstreamChunk
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	return raw.Chunk(), nil
}

// Chunk はフィールドの有無からチャンクの種類を決めます。
// 優先順位は error, context, role (content なし), content, 終了理由の順
func (u UpstreamChunk) Chunk() Chunk {
	meta := ChunkMeta{ID: u.ID, Model: u.Model, Created: u.Created, Object: u.Object}

	if hasJSON(u.Error) {
		var payload interface{}
		if err := json.Unmarshal(u.Error, &payload); err != nil {
			payload = string(u.Error)
		}
		return ErrorChunk{ChunkMeta: meta, Error: payload}
	}
	if len(u.Choices) == 0 {
		return EmptyChunk{ChunkMeta: meta}
	}

	choice := u.Choices[0]
	delta := choice.Delta
	if content, ok := contextContent(delta.Context); ok {
		return ContextChunk{ChunkMeta: meta, Content: content}
	}

	hasContent := delta.Content != nil && *delta.Content != ""
	if delta.Role != "" && !hasContent {
		return RoleChunk{ChunkMeta: meta, Role: delta.Role}
	}

	endTurn := choice.EndTurn || (choice.FinishReason != nil && *choice.FinishReason == "stop")
	if hasContent {
		return ContentChunk{ChunkMeta: meta, Content: *delta.Content, EndTurn: endTurn}
	}
	if endTurn {
		return ContentChunk{ChunkMeta: meta, Content: DoneSentinel, EndTurn: true}
	}
	return EmptyChunk{ChunkMeta: meta}
}

// Normalize はチャンク 1 つを出力レコード 1 つに変換します。EmptyChunk は false
func Normalize(chunk Chunk, historyMetadata map[string]interface{}, apimRequestID string) (models.WireRecord, bool) {
	switch c := chunk.(type) {
	case ErrorChunk:
		return models.ErrorRecord{Error: c.Error}, true
	case ContextChunk:
		return newStreamRecord(c.ChunkMeta, historyMetadata, apimRequestID, models.WireMessage{
			Delta: &models.Delta{Role: models.RoleTool, Content: stringPtr(c.Content)},
		}), true
	case RoleChunk:
		return newStreamRecord(c.ChunkMeta, historyMetadata, apimRequestID, models.WireMessage{
			Delta: &models.Delta{Role: c.Role},
		}), true
	case ContentChunk:
		return newStreamRecord(c.ChunkMeta, historyMetadata, apimRequestID, models.WireMessage{
			Delta: &models.Delta{Content: stringPtr(c.Content)},
		}), true
	case EmptyChunk:
		return nil, false
	}
	return nil, false
}

// DoneRecord はターン終了の sentinel レコードを作ります
func DoneRecord(meta ChunkMeta, historyMetadata map[string]interface{}, apimRequestID string) models.StreamRecord {
	return newStreamRecord(meta, historyMetadata, apimRequestID, models.WireMessage{
		Delta: &models.Delta{Content: stringPtr(DoneSentinel)},
	})
}

// IsDoneRecord は sentinel レコードかどうか
func IsDoneRecord(record models.WireRecord) bool {
	rec, ok := record.(models.StreamRecord)
	if !ok {
		return false
	}
	for _, msg := range rec.Messages() {
		if msg.Delta != nil && msg.Delta.Content != nil && *msg.Delta.Content == DoneSentinel {
			return true
		}
	}
	return false
}

// NormalizeCompletion は非ストリーミング応答を tool, assistant の順の 2 メッセージにします
func NormalizeCompletion(completion UpstreamChunk, historyMetadata map[string]interface{}, apimRequestID string) models.WireRecord {
	if chunk, ok := completion.Chunk().(ErrorChunk); ok {
		return models.ErrorRecord{Error: chunk.Error}
	}

	toolContent := "{}"
	assistantContent := ""
	if len(completion.Choices) > 0 && completion.Choices[0].Message != nil {
		msg := completion.Choices[0].Message
		if content, ok := contextContent(msg.Context); ok {
			toolContent = content
		}
		if msg.Content != nil {
			assistantContent = *msg.Content
		}
	}

	meta := ChunkMeta{ID: completion.ID, Model: completion.Model, Created: completion.Created, Object: completion.Object}
	return newStreamRecord(meta, historyMetadata, apimRequestID,
		models.WireMessage{Role: models.RoleTool, Content: stringPtr(toolContent)},
		models.WireMessage{Role: models.RoleAssistant, Content: stringPtr(assistantContent)},
	)
}

func newStreamRecord(meta ChunkMeta, historyMetadata map[string]interface{}, apimRequestID string, messages ...models.WireMessage) models.StreamRecord {
	if historyMetadata == nil {
		historyMetadata = map[string]interface{}{}
	}
	return models.StreamRecord{
		ID:              meta.ID,
		Model:           meta.Model,
		Created:         meta.Created,
		Object:          meta.Object,
		Choices:         []models.StreamChoice{{Messages: messages}},
		APIMRequestID:   apimRequestID,
		HistoryMetadata: historyMetadata,
	}
}

// contextContent は context.messages[0].content を返し、無ければ context 全体の JSON を返します
func contextContent(raw json.RawMessage) (string, bool) {
	if !hasJSON(raw) {
		return "", false
	}

	var ctx struct {
		Messages []struct {
			Content *string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &ctx); err == nil && len(ctx.Messages) > 0 && ctx.Messages[0].Content != nil {
		return *ctx.Messages[0].Content, true
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw), true
	}
	return buf.String(), true
}

func hasJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func stringPtr(s string) *string {
	return &s
}
