package services

import (
	"context"
	"errors"
	"io"
	"log"

	"advisor/config"
	"advisor/models"
)

// ChatRequest は上流のチャット補完に渡すリクエスト
type ChatRequest struct {
	Messages    []models.InputMessage
	DataSources []map[string]interface{}
	User        string
}

// ChunkStream は上流から届くチャンク列。終端で io.EOF を返す
type ChunkStream interface {
	Recv() (Chunk, error)
	RequestID() string
	Close() error
}

// CompletionSource はチャット補完の上流 (Azure OpenAI または on-your-data 拡張)
type CompletionSource interface {
	Stream(ctx context.Context, req ChatRequest) (ChunkStream, error)
	Complete(ctx context.Context, req ChatRequest) (UpstreamChunk, string, error)
}

// AgentStreamer はクライアント単位のエージェント応答を流します
type AgentStreamer interface {
	StreamAgent(ctx context.Context, query, clientID string) (ChunkStream, error)
}

// DataSourceBuilder は検索データソースの設定を組み立てます
type DataSourceBuilder interface {
	DataSource(ctx context.Context, indexName, userToken string) (map[string]interface{}, error)
}

// EmitFunc は出力レコードを 1 件書き出します
type EmitFunc func(record models.WireRecord) error

// ChatRelay は上流の応答を正規化してクライアントへ中継します
type ChatRelay struct {
	cfg         *config.Config
	completions CompletionSource
	agent       AgentStreamer
	dataSources DataSourceBuilder
	events      *EventTracker
}

func NewChatRelay(cfg *config.Config, completions CompletionSource, agent AgentStreamer, dataSources DataSourceBuilder, events *EventTracker) *ChatRelay {
	return &ChatRelay{
		cfg:         cfg,
		completions: completions,
		agent:       agent,
		dataSources: dataSources,
		events:      events,
	}
}

// Streaming はストリーミングで応答するかどうか
func (r *ChatRelay) Streaming() bool {
	return r.cfg.ShouldStream || r.cfg.UseInternalStream
}

// Stream は応答をレコード単位で emit に流します。
// 返すエラーは最初の書き込み前の検証エラーと emit の失敗だけで、
// 上流の通信失敗は error レコード 1 件として書き出して終了する
func (r *ChatRelay) Stream(ctx context.Context, req models.ConversationRequest, userToken string, emit EmitFunc) error {
	r.events.Track("stream_chat_request_start", nil)
	messages := filterToolMessages(req.Messages)

	var (
		stream ChunkStream
		err    error
	)
	if r.cfg.UseInternalStream {
		if req.ClientID == "" {
			r.events.Track("client_id_missing", nil)
			return ErrMissingClientID
		}
		if len(messages) == 0 {
			return ErrNoUserMessage
		}
		if r.agent == nil {
			return ErrAgentNotConfigured
		}
		r.events.Track("stream_internal_selected", map[string]interface{}{"client_id": req.ClientID})
		stream, err = r.agent.StreamAgent(ctx, messages[len(messages)-1].Content, req.ClientID)
	} else {
		chatReq, buildErr := r.buildRequest(ctx, req, messages, userToken)
		if buildErr != nil {
			return buildErr
		}
		stream, err = r.completions.Stream(ctx, chatReq)
	}
	if err != nil {
		log.Printf("Error opening upstream stream: %v", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return emit(models.ErrorRecord{Error: err.Error()})
	}
	defer stream.Close()

	return r.pump(ctx, stream, req.HistoryMetadata, emit)
}

// pump はチャンクを読み切るまで正規化して書き出します。
// 終了 sentinel が来なかった場合は最後に 1 件補う
func (r *ChatRelay) pump(ctx context.Context, stream ChunkStream, historyMetadata map[string]interface{}, emit EmitFunc) error {
	apimRequestID := stream.RequestID()
	var last ChunkMeta
	done := false

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrMalformedChunk) {
			log.Printf("Skipping malformed chunk: %v", err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("Error reading upstream stream: %v", err)
			return emit(models.ErrorRecord{Error: err.Error()})
		}

		last = chunk.chunkMeta()
		record, ok := Normalize(chunk, historyMetadata, apimRequestID)
		if !ok {
			continue
		}
		if err := emit(record); err != nil {
			return err
		}

		switch c := chunk.(type) {
		case ErrorChunk:
			return nil
		case ContentChunk:
			if IsDoneRecord(record) {
				done = true
			} else if c.EndTurn && !done {
				if err := emit(DoneRecord(last, historyMetadata, apimRequestID)); err != nil {
					return err
				}
				done = true
			}
		}
	}

	if !done {
		return emit(DoneRecord(last, historyMetadata, apimRequestID))
	}
	r.events.Track("stream_chat_request_complete", nil)
	return nil
}

// Complete は非ストリーミングで 1 回だけ補完し、tool と assistant の 2 メッセージを返します
func (r *ChatRelay) Complete(ctx context.Context, req models.ConversationRequest, userToken string) (models.WireRecord, error) {
	r.events.Track("send_chat_request_start", nil)
	messages := filterToolMessages(req.Messages)

	chatReq, err := r.buildRequest(ctx, req, messages, userToken)
	if err != nil {
		return nil, err
	}

	completion, apimRequestID, err := r.completions.Complete(ctx, chatReq)
	if err != nil {
		log.Printf("Error in send_chat_request: %v", err)
		return nil, err
	}
	r.events.Track("send_chat_request_success", map[string]interface{}{"model": completion.Model})
	return NormalizeCompletion(completion, req.HistoryMetadata, apimRequestID), nil
}

func (r *ChatRelay) buildRequest(ctx context.Context, req models.ConversationRequest, messages []models.InputMessage, userToken string) (ChatRequest, error) {
	chatReq := ChatRequest{}
	if r.cfg.UseData() && r.dataSources != nil {
		dataSource, err := r.dataSources.DataSource(ctx, req.IndexName, userToken)
		if err != nil {
			return ChatRequest{}, err
		}
		chatReq.DataSources = []map[string]interface{}{dataSource}
	} else {
		chatReq.Messages = append(chatReq.Messages, models.InputMessage{Role: models.RoleSystem, Content: r.cfg.OpenAISystemMessage})
	}

	for _, msg := range messages {
		chatReq.Messages = append(chatReq.Messages, models.InputMessage{Role: msg.Role, Content: msg.Content})
	}
	return chatReq, nil
}

// filterToolMessages は上流に送らない tool メッセージを取り除きます
func filterToolMessages(messages []models.InputMessage) []models.InputMessage {
	filtered := make([]models.InputMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleTool {
			continue
		}
		filtered = append(filtered, msg)
	}
	return filtered
}
