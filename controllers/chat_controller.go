package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"advisor/middlewares"
	"advisor/models"
	"advisor/services"

	"github.com/gin-gonic/gin"
)

const jsonLinesContentType = "application/json-lines"

// ChatRelayer は上流の応答をクライアントへ中継します
type ChatRelayer interface {
	Streaming() bool
	Stream(ctx context.Context, req models.ConversationRequest, userToken string, emit services.EmitFunc) error
	Complete(ctx context.Context, req models.ConversationRequest, userToken string) (models.WireRecord, error)
}

// HandleConversation は履歴を使わずに応答を返します
func HandleConversation(relay ChatRelayer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.ContentType() != "application/json" {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "request must be json"})
			return
		}

		var request models.ConversationRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			log.Printf("Error binding JSON: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "request must be json"})
			return
		}

		relayConversation(c, relay, request)
	}
}

func relayConversation(c *gin.Context, relay ChatRelayer, request models.ConversationRequest) {
	ctx := c.Request.Context()
	userToken := middlewares.UserAccessToken(c)

	if !relay.Streaming() {
		record, err := relay.Complete(ctx, request, userToken)
		if err != nil {
			log.Printf("Error in conversation: %v", err)
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
		return
	}

	streamJSONLines(c, func(emit services.EmitFunc) error {
		return relay.Stream(ctx, request, userToken, emit)
	})
}

// streamJSONLines は最初のレコードでヘッダーを書き、以降 1 レコード 1 行でフラッシュします。
// 何も書く前に失敗した場合は通常の JSON エラーを返す
func streamJSONLines(c *gin.Context, run func(emit services.EmitFunc) error) {
	started := false
	emit := func(record models.WireRecord) error {
		if !started {
			c.Header("Content-Type", jsonLinesContentType)
			c.Header("Cache-Control", "no-cache")
			c.Status(http.StatusOK)
			started = true
		}

		encoder := json.NewEncoder(c.Writer)
		encoder.SetEscapeHTML(false)
		if err := encoder.Encode(record); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	if err := run(emit); err != nil {
		if !started {
			log.Printf("Error in conversation: %v", err)
			respondError(c, err)
			return
		}
		log.Printf("Stream ended early: %v", err)
	}
}

// statusFor はサービスのエラーを HTTP ステータスに変換します
func statusFor(err error) int {
	var upstream *services.UpstreamError
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrNoUserMessage),
		errors.Is(err, services.ErrNoBotMessages),
		errors.Is(err, services.ErrMissingConversationID),
		errors.Is(err, services.ErrMissingTitle),
		errors.Is(err, services.ErrMissingMessageID),
		errors.Is(err, services.ErrMissingFeedback),
		errors.Is(err, services.ErrMissingClientID),
		errors.Is(err, services.ErrMissingUserToken):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	case errors.As(err, &upstream) && upstream.StatusCode >= 400:
		return upstream.StatusCode
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
