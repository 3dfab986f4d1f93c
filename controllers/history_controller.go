package controllers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"advisor/middlewares"
	"advisor/models"
	"advisor/services"

	"github.com/gin-gonic/gin"
)

// History は会話履歴の操作
type History interface {
	StartOrContinue(ctx context.Context, userID, conversationID string, messages []models.InputMessage) (map[string]interface{}, error)
	CommitExchange(ctx context.Context, userID, conversationID string, messages []models.InputMessage) error
	ClearMessages(ctx context.Context, userID, conversationID string) error
	DeleteConversation(ctx context.Context, userID, conversationID string) error
	DeleteAll(ctx context.Context, userID string) (int, error)
	Rename(ctx context.Context, userID, conversationID, title string) (*models.Conversation, error)
	List(ctx context.Context, userID string, offset int) ([]models.Conversation, error)
	Get(ctx context.Context, userID, conversationID string) (*models.Conversation, []models.ChatMessage, error)
	UpdateFeedback(ctx context.Context, userID, messageID, feedback string) (*models.ChatMessage, error)
	Ensure(ctx context.Context) error
}

func bindJSON(c *gin.Context, request interface{}) bool {
	if err := c.ShouldBindJSON(request); err != nil {
		log.Printf("Error binding JSON: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "request must be json"})
		return false
	}
	return true
}

func conversationNotFound(conversationID string) string {
	return fmt.Sprintf("Conversation %s was not found. It either does not exist or the logged in user does not have access to it.", conversationID)
}

// HistoryGenerate は会話を作成または再開し、ユーザーメッセージを保存してから応答を流します
func HistoryGenerate(history History, relay ChatRelayer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request models.ConversationRequest
		if !bindJSON(c, &request) {
			return
		}
		userID := middlewares.CurrentUser(c).PrincipalID

		metadata, err := history.StartOrContinue(c.Request.Context(), userID, request.ConversationID, request.Messages)
		if err != nil {
			log.Printf("Error in /history/generate: %v", err)
			respondError(c, err)
			return
		}

		request.HistoryMetadata = metadata
		relayConversation(c, relay, request)
	}
}

// HistoryUpdate は応答が流れ終わった後に assistant (と tool) メッセージを保存します
func HistoryUpdate(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request models.ConversationRequest
		if !bindJSON(c, &request) {
			return
		}
		userID := middlewares.CurrentUser(c).PrincipalID

		if err := history.CommitExchange(c.Request.Context(), userID, request.ConversationID, request.Messages); err != nil {
			log.Printf("Error in /history/update: %v", err)
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func MessageFeedback(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request models.FeedbackRequest
		if !bindJSON(c, &request) {
			return
		}
		userID := middlewares.CurrentUser(c).PrincipalID

		_, err := history.UpdateFeedback(c.Request.Context(), userID, request.MessageID, request.MessageFeedback)
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": fmt.Sprintf("Unable to update message %s. It either does not exist or the user does not have access to it.", request.MessageID),
			})
			return
		}
		if err != nil {
			log.Printf("Error in /history/message_feedback: %v", err)
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":    fmt.Sprintf("Successfully updated message with feedback %s", request.MessageFeedback),
			"message_id": request.MessageID,
		})
	}
}

func DeleteConversation(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request models.ConversationIDRequest
		if !bindJSON(c, &request) {
			return
		}
		userID := middlewares.CurrentUser(c).PrincipalID

		if err := history.DeleteConversation(c.Request.Context(), userID, request.ConversationID); err != nil {
			log.Printf("Error in /history/delete: %v", err)
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":         "Successfully deleted conversation and messages",
			"conversation_id": request.ConversationID,
		})
	}
}

// ListConversations は更新の新しい順に 25 件ずつ返します
func ListConversations(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return
		}
		userID := middlewares.CurrentUser(c).PrincipalID

		conversations, err := history.List(c.Request.Context(), userID, offset)
		if err != nil {
			log.Printf("Error in /history/list: %v", err)
			respondError(c, err)
			return
		}
		if conversations == nil {
			conversations = []models.Conversation{}
		}

		c.JSON(http.StatusOK, conversations)
	}
}

func ReadConversation(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request models.ConversationIDRequest
		if !bindJSON(c, &request) {
			return
		}
		userID := middlewares.CurrentUser(c).PrincipalID

		_, messages, err := history.Get(c.Request.Context(), userID, request.ConversationID)
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": conversationNotFound(request.ConversationID)})
			return
		}
		if err != nil {
			log.Printf("Error in /history/read: %v", err)
			respondError(c, err)
			return
		}

		formatted := make([]gin.H, 0, len(messages))
		for _, msg := range messages {
			var feedback interface{}
			if msg.Feedback != "" {
				feedback = msg.Feedback
			}
			formatted = append(formatted, gin.H{
				"id":        msg.ID,
				"role":      msg.Role,
				"content":   msg.Content,
				"createdAt": msg.CreatedAt,
				"feedback":  feedback,
			})
		}

		c.JSON(http.StatusOK, gin.H{"conversation_id": request.ConversationID, "messages": formatted})
	}
}

func RenameConversation(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request models.RenameRequest
		if !bindJSON(c, &request) {
			return
		}
		userID := middlewares.CurrentUser(c).PrincipalID

		conversation, err := history.Rename(c.Request.Context(), userID, request.ConversationID, request.Title)
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": conversationNotFound(request.ConversationID)})
			return
		}
		if err != nil {
			log.Printf("Error in /history/rename: %v", err)
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, conversation)
	}
}

func DeleteAllConversations(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middlewares.CurrentUser(c).PrincipalID

		_, err := history.DeleteAll(c.Request.Context(), userID)
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("No conversations for %s were found", userID)})
			return
		}
		if err != nil {
			log.Printf("Error in /history/delete_all: %v", err)
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Successfully deleted conversation and messages for user %s", userID)})
	}
}

func ClearConversation(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request models.ConversationIDRequest
		if !bindJSON(c, &request) {
			return
		}
		userID := middlewares.CurrentUser(c).PrincipalID

		if err := history.ClearMessages(c.Request.Context(), userID, request.ConversationID); err != nil {
			log.Printf("Error in /history/clear: %v", err)
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":         "Successfully deleted messages in conversation",
			"conversation_id": request.ConversationID,
		})
	}
}

// EnsureHistory は履歴ストアの状態を返します
func EnsureHistory(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := history.Ensure(c.Request.Context())
		switch {
		case errors.Is(err, services.ErrHistoryNotConfigured):
			c.JSON(http.StatusNotFound, gin.H{"error": "History store is not configured"})
		case err != nil:
			log.Printf("Error in /history/ensure: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "History store is not working"})
		default:
			c.JSON(http.StatusOK, gin.H{"message": "History store is configured and working"})
		}
	}
}
