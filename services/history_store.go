package services

import (
	"context"

	"advisor/models"
)

// HistoryStore は会話とメッセージのドキュメントストア。
// すべての操作はユーザー ID で区切られ、他ユーザーのデータは ErrNotFound と同じに見える
type HistoryStore interface {
	CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error)
	GetConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error)
	UpsertConversation(ctx context.Context, conversation *models.Conversation) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error
	// ListConversations は updatedAt の新しい順。limit が 0 以下なら全件
	ListConversations(ctx context.Context, userID string, offset, limit int) ([]models.Conversation, error)

	// CreateMessage は会話が無ければ ErrNotFound。書き込み後に会話の updatedAt を更新する
	CreateMessage(ctx context.Context, messageID, conversationID, userID string, input models.InputMessage) (*models.ChatMessage, error)
	GetMessages(ctx context.Context, userID, conversationID string) ([]models.ChatMessage, error)
	DeleteMessages(ctx context.Context, userID, conversationID string) error
	UpdateMessageFeedback(ctx context.Context, userID, messageID, feedback string) (*models.ChatMessage, error)

	Ensure(ctx context.Context) error
}
