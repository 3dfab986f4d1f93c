package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"advisor/config"
	"advisor/controllers"
	"advisor/routes"
	"advisor/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg := config.Load()

	if cfg.Debug {
		// デバッグモードを有効化
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	events := services.NewEventTracker(registry, cfg.Debug)

	openAI, err := services.NewOpenAIService(cfg)
	if err != nil {
		log.Fatalf("Failed to create Azure OpenAI client: %v", err)
	}
	extension := services.NewExtensionService(cfg)

	var completions services.CompletionSource = openAI
	if cfg.UseData() {
		completions = extension
	}

	var groups services.GroupResolver
	if cfg.SearchPermittedGroupsColumn != "" {
		groups = services.NewGraphService(cfg.GraphEndpoint)
	}
	rag := services.NewRAGService(cfg, groups, events)

	// 会話履歴
	var store services.HistoryStore
	if cfg.HistoryEnabled() {
		dynamoStore, err := services.NewDynamoHistoryStore(context.Background(), cfg)
		if err != nil {
			log.Printf("Failed to initialize history store: %v", err)
		} else {
			store = dynamoStore
		}
	}
	history := services.NewHistoryService(store, openAI, events)

	// クライアント一覧とエージェントのツール
	var (
		clients    controllers.ClientLister
		sqlService *services.SQLService
		cache      services.Cache
	)
	if cfg.SQLDSN != "" {
		db, err := services.OpenPostgres(cfg.SQLDSN)
		if err != nil {
			log.Printf("Failed to connect to SQL database: %v", err)
		} else {
			defer db.Close()
			sqlService = services.NewSQLService(db)
			if cfg.RedisURL != "" {
				redisCache, err := services.NewRedisCache(cfg.RedisURL)
				if err != nil {
					log.Printf("Failed to connect to Redis, client list is not cached: %v", err)
				} else {
					defer redisCache.Close()
					cache = redisCache
				}
			}
			clients = services.NewClientDirectory(sqlService, services.NewSampleDataRefresher(db), cache, events)
		}
	}

	var (
		agent      services.AgentStreamer
		agentCache *services.AgentCache
	)
	if cfg.AgentEndpoint != "" && sqlService != nil {
		agentClient := services.NewRESTAgentClient(cfg)
		tools := services.NewChatWithDataTools(cfg, openAI, extension, sqlService, rag)
		agentCache = services.NewAgentCache(agentClient, cfg.AgentModel, tools.Definitions())
		agent = services.NewAgentRunner(cfg, agentCache, agentClient, sqlService, tools, events)
	} else if cfg.UseInternalStream {
		log.Println("Internal stream is enabled but the agent endpoint or SQL database is not configured")
	}

	relay := services.NewChatRelay(cfg, completions, agent, rag, events)

	router := routes.SetupRouter(routes.Services{
		Config:   cfg,
		Relay:    relay,
		History:  history,
		Clients:  clients,
		Research: services.NewResearchService(cfg, events),
		Gatherer: registry,
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-stopChan
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	if agentCache != nil {
		if err := agentCache.Invalidate(shutdownCtx); err != nil {
			log.Printf("Error deleting agent: %v", err)
		}
	}
	log.Println("Server stopped")
}
