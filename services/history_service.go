package services

import (
	"context"
	"errors"
	"log"
	"strings"

	"advisor/models"

	"github.com/google/uuid"
)

// 1 ページあたりの会話数
const conversationPageSize = 25

// TitleGenerator は最初のやり取りから会話タイトルを作ります
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, messages []models.InputMessage) (string, error)
}

// HistoryService は応答生成と会話履歴の書き込み順序を管理します
type HistoryService struct {
	store  HistoryStore
	titles TitleGenerator
	events *EventTracker
	newID  func() string
}

// store が nil の場合、全操作が ErrHistoryNotConfigured を返す
func NewHistoryService(store HistoryStore, titles TitleGenerator, events *EventTracker) *HistoryService {
	return &HistoryService{
		store:  store,
		titles: titles,
		events: events,
		newID:  func() string { return uuid.New().String() },
	}
}

func (h *HistoryService) Enabled() bool {
	return h.store != nil
}

// StartOrContinue は会話を作成または再開し、ユーザーメッセージを保存してから
// 応答生成に渡す history_metadata を返します
func (h *HistoryService) StartOrContinue(ctx context.Context, userID, conversationID string, messages []models.InputMessage) (map[string]interface{}, error) {
	h.events.Track("HistoryGenerate_Start", map[string]interface{}{"user_id": userID})
	if h.store == nil {
		return nil, ErrHistoryNotConfigured
	}
	if len(messages) == 0 || messages[len(messages)-1].Role != models.RoleUser {
		return nil, ErrNoUserMessage
	}

	metadata := map[string]interface{}{}
	if conversationID == "" {
		title := h.generateTitle(ctx, messages)
		conversation, err := h.store.CreateConversation(ctx, userID, title)
		if err != nil {
			return nil, err
		}
		conversationID = conversation.ID
		metadata["title"] = title
		metadata["date"] = formatTimestamp(conversation.CreatedAt)
		h.events.Track("ConversationCreated", map[string]interface{}{
			"user_id":         userID,
			"conversation_id": conversationID,
			"title":           title,
		})
	}

	// 応答生成の前にユーザーの質問を保存する
	last := messages[len(messages)-1]
	if _, err := h.store.CreateMessage(ctx, h.newID(), conversationID, userID, last); err != nil {
		return nil, err
	}
	h.events.Track("UserMessageAdded", map[string]interface{}{"user_id": userID, "conversation_id": conversationID})

	metadata["conversation_id"] = conversationID
	return metadata, nil
}

// CommitExchange は末尾の assistant メッセージと、その直前の tool メッセージを保存します。
// tool が先、assistant が後
func (h *HistoryService) CommitExchange(ctx context.Context, userID, conversationID string, messages []models.InputMessage) error {
	h.events.Track("UpdateConversation_Start", map[string]interface{}{"user_id": userID, "conversation_id": conversationID})
	if h.store == nil {
		return ErrHistoryNotConfigured
	}
	if conversationID == "" {
		return ErrMissingConversationID
	}
	if len(messages) == 0 || messages[len(messages)-1].Role != models.RoleAssistant {
		return ErrNoBotMessages
	}

	if len(messages) > 1 && messages[len(messages)-2].Role == models.RoleTool {
		if _, err := h.store.CreateMessage(ctx, h.newID(), conversationID, userID, messages[len(messages)-2]); err != nil {
			return err
		}
		h.events.Track("ToolMessageStored", map[string]interface{}{"user_id": userID, "conversation_id": conversationID})
	}

	assistant := messages[len(messages)-1]
	messageID := assistant.ID
	if messageID == "" {
		messageID = h.newID()
	}
	if _, err := h.store.CreateMessage(ctx, messageID, conversationID, userID, assistant); err != nil {
		return err
	}
	h.events.Track("AssistantMessageStored", map[string]interface{}{"user_id": userID, "conversation_id": conversationID})
	return nil
}

// ClearMessages はメッセージだけを削除し、会話は残します
func (h *HistoryService) ClearMessages(ctx context.Context, userID, conversationID string) error {
	h.events.Track("ClearConversationMessages_Start", map[string]interface{}{"user_id": userID, "conversation_id": conversationID})
	if h.store == nil {
		return ErrHistoryNotConfigured
	}
	if conversationID == "" {
		return ErrMissingConversationID
	}
	if err := h.store.DeleteMessages(ctx, userID, conversationID); err != nil {
		return err
	}
	h.events.Track("ClearConversationMessages_Success", map[string]interface{}{"user_id": userID, "conversation_id": conversationID})
	return nil
}

// DeleteConversation はメッセージ、会話の順に削除します
func (h *HistoryService) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	h.events.Track("DeleteConversation_Start", map[string]interface{}{"user_id": userID, "conversation_id": conversationID})
	if h.store == nil {
		return ErrHistoryNotConfigured
	}
	if conversationID == "" {
		return ErrMissingConversationID
	}
	if err := h.deleteConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	h.events.Track("DeleteConversation_Success", map[string]interface{}{"user_id": userID, "conversation_id": conversationID})
	return nil
}

// DeleteAll はユーザーの全会話を削除し、削除した件数を返します
func (h *HistoryService) DeleteAll(ctx context.Context, userID string) (int, error) {
	h.events.Track("DeleteAllConversations_Start", map[string]interface{}{"user_id": userID})
	if h.store == nil {
		return 0, ErrHistoryNotConfigured
	}

	conversations, err := h.store.ListConversations(ctx, userID, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(conversations) == 0 {
		h.events.Track("DeleteAllConversations_Empty", map[string]interface{}{"user_id": userID})
		return 0, ErrNotFound
	}

	for _, conversation := range conversations {
		if err := h.deleteConversation(ctx, userID, conversation.ID); err != nil {
			return 0, err
		}
	}
	h.events.Track("DeleteAllConversations_Success", map[string]interface{}{"user_id": userID, "conversation_count": len(conversations)})
	return len(conversations), nil
}

func (h *HistoryService) deleteConversation(ctx context.Context, userID, conversationID string) error {
	if err := h.store.DeleteMessages(ctx, userID, conversationID); err != nil {
		return err
	}
	return h.store.DeleteConversation(ctx, userID, conversationID)
}

func (h *HistoryService) Rename(ctx context.Context, userID, conversationID, title string) (*models.Conversation, error) {
	h.events.Track("RenameConversation_Start", map[string]interface{}{"user_id": userID, "conversation_id": conversationID})
	if h.store == nil {
		return nil, ErrHistoryNotConfigured
	}
	if conversationID == "" {
		return nil, ErrMissingConversationID
	}
	if strings.TrimSpace(title) == "" {
		return nil, ErrMissingTitle
	}

	conversation, err := h.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	conversation.Title = title
	updated, err := h.store.UpsertConversation(ctx, conversation)
	if err != nil {
		return nil, err
	}
	h.events.Track("RenameConversation_Success", map[string]interface{}{"user_id": userID, "conversation_id": conversationID})
	return updated, nil
}

func (h *HistoryService) List(ctx context.Context, userID string, offset int) ([]models.Conversation, error) {
	h.events.Track("ListConversations_Start", map[string]interface{}{"user_id": userID, "offset": offset})
	if h.store == nil {
		return nil, ErrHistoryNotConfigured
	}
	return h.store.ListConversations(ctx, userID, offset, conversationPageSize)
}

// Get は会話とそのメッセージを古い順で返します
func (h *HistoryService) Get(ctx context.Context, userID, conversationID string) (*models.Conversation, []models.ChatMessage, error) {
	h.events.Track("GetConversation_Start", map[string]interface{}{"user_id": userID, "conversation_id": conversationID})
	if h.store == nil {
		return nil, nil, ErrHistoryNotConfigured
	}
	if conversationID == "" {
		return nil, nil, ErrMissingConversationID
	}

	conversation, err := h.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := h.store.GetMessages(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conversation, messages, nil
}

func (h *HistoryService) UpdateFeedback(ctx context.Context, userID, messageID, feedback string) (*models.ChatMessage, error) {
	h.events.Track("MessageFeedback_Start", map[string]interface{}{"user_id": userID, "message_id": messageID})
	if messageID == "" {
		return nil, ErrMissingMessageID
	}
	if feedback == "" {
		return nil, ErrMissingFeedback
	}
	if h.store == nil {
		return nil, ErrHistoryNotConfigured
	}

	message, err := h.store.UpdateMessageFeedback(ctx, userID, messageID, feedback)
	if errors.Is(err, ErrNotFound) {
		h.events.Track("MessageFeedback_NotFound", map[string]interface{}{"user_id": userID, "message_id": messageID})
	}
	return message, err
}

// Ensure はストアが設定済みで応答するかを確認します
func (h *HistoryService) Ensure(ctx context.Context) error {
	if h.store == nil {
		h.events.Track("EnsureHistory_Failed", map[string]interface{}{"error": "not configured"})
		return ErrHistoryNotConfigured
	}
	return h.store.Ensure(ctx)
}

// generateTitle は要約に失敗した場合、最後の入力メッセージをそのままタイトルにします
func (h *HistoryService) generateTitle(ctx context.Context, messages []models.InputMessage) string {
	fallback := messages[len(messages)-1].Content
	if h.titles == nil {
		return fallback
	}

	title, err := h.titles.GenerateTitle(ctx, messages)
	if err != nil {
		log.Printf("Error generating title: %v", err)
		return fallback
	}
	if strings.TrimSpace(title) == "" {
		return fallback
	}
	return title
}
