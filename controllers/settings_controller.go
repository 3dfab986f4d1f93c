package controllers

import (
	"context"
	"log"
	"net/http"

	"advisor/config"
	"advisor/models"

	"github.com/gin-gonic/gin"
)

// FrontendSettings は UI の設定を返します
func FrontendSettings(cfg *config.Config) gin.HandlerFunc {
	chatLogo := cfg.UIChatLogo
	if chatLogo == "" {
		chatLogo = cfg.UILogo
	}
	settings := gin.H{
		"auth_enabled":     cfg.AuthEnabled,
		"feedback_enabled": cfg.HistoryEnableFeedback && cfg.HistoryEnabled(),
		"ui": gin.H{
			"title":             cfg.UITitle,
			"logo":              cfg.UILogo,
			"chat_logo":         chatLogo,
			"chat_title":        cfg.UIChatTitle,
			"chat_description":  cfg.UIChatDescription,
			"show_share_button": cfg.UIShowShareButton,
		},
		"sanitize_answer": cfg.SanitizeAnswer,
	}

	return func(c *gin.Context) {
		c.JSON(http.StatusOK, settings)
	}
}

// ClientLister はアドバイザー画面のクライアント一覧を返します
type ClientLister interface {
	List(ctx context.Context) ([]models.ClientSummary, error)
}

func GetUsers(clients ClientLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		if clients == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "SQL database is not configured"})
			return
		}

		users, err := clients.List(c.Request.Context())
		if err != nil {
			log.Printf("Error fetching users: %v", err)
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, users)
	}
}

// SectionDrafter は研究助成申請書のセクション本文を生成します
type SectionDrafter interface {
	GenerateSection(ctx context.Context, req models.DraftSectionRequest) (string, error)
}

func GenerateSection(drafter SectionDrafter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request models.DraftSectionRequest
		if !bindJSON(c, &request) {
			return
		}

		content, err := drafter.GenerateSection(c.Request.Context(), request)
		if err != nil {
			log.Printf("Error generating section: %v", err)
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"content": content})
	}
}
