package routes

import (
	"os"

	"advisor/config"
	"advisor/controllers"
	"advisor/middlewares"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services はルーターに渡す依存関係
type Services struct {
	Config   *config.Config
	Relay    controllers.ChatRelayer
	History  controllers.History
	Clients  controllers.ClientLister
	Research controllers.SectionDrafter
	Gatherer prometheus.Gatherer
}

func SetupRouter(s Services) *gin.Engine {
	r := gin.New()

	// エラーハンドリングとログ
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithWriter(os.Stdout))
	r.Use(cors())
	r.Use(middlewares.Logger())

	r.GET("/frontend_settings", controllers.FrontendSettings(s.Config))
	if s.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/")
	api.Use(middlewares.Auth())

	// 履歴なしのチャット
	api.POST("/conversation", controllers.HandleConversation(s.Relay))

	// 会話履歴
	history := api.Group("/history")
	history.POST("/generate", controllers.HistoryGenerate(s.History, s.Relay))
	history.POST("/update", controllers.HistoryUpdate(s.History))
	history.POST("/message_feedback", controllers.MessageFeedback(s.History))
	history.DELETE("/delete", controllers.DeleteConversation(s.History))
	history.GET("/list", controllers.ListConversations(s.History))
	history.POST("/read", controllers.ReadConversation(s.History))
	history.POST("/rename", controllers.RenameConversation(s.History))
	history.DELETE("/delete_all", controllers.DeleteAllConversations(s.History))
	history.POST("/clear", controllers.ClearConversation(s.History))
	history.GET("/ensure", controllers.EnsureHistory(s.History))

	// アドバイザー画面のクライアント一覧
	api.GET("/api/users", controllers.GetUsers(s.Clients))

	// 研究助成申請書のドラフト
	api.POST("/draft_document/generate_section", controllers.GenerateSection(s.Research))

	return r
}

// CORSの設定
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
