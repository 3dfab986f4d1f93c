package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// 対応する最小の Azure OpenAI プレビュー API バージョン
const MinimumSupportedPreviewAPIVersion = "2024-02-15-preview"

type Config struct {
	Port string

	// Azure OpenAI
	OpenAIResource          string
	OpenAIEndpoint          string
	OpenAIKey               string
	OpenAIModel             string
	OpenAITemperature       float32
	OpenAITopP              float32
	OpenAIMaxTokens         int
	OpenAIStopSequence      string
	OpenAISystemMessage     string
	OpenAIPreviewAPIVersion string
	ShouldStream            bool
	EmbeddingName           string
	EmbeddingEndpoint       string
	EmbeddingKey            string

	// Azure AI Search (on your data)
	SearchService               string
	SearchEndpoint              string
	SearchIndex                 string
	SearchIndexGrants           string
	SearchIndexArticles         string
	SearchKey                   string
	SearchUseSemanticSearch     bool
	SearchSemanticSearchConfig  string
	SearchTopK                  int
	SearchStrictness            int
	SearchEnableInDomain        bool
	SearchContentColumns        string
	SearchFilenameColumn        string
	SearchTitleColumn           string
	SearchURLColumn             string
	SearchVectorColumns         string
	SearchQueryType             string
	SearchPermittedGroupsColumn string
	CallTranscriptIndex         string
	CallTranscriptSystemPrompt  string
	GraphEndpoint               string

	// 会話履歴ストア
	HistoryTable          string
	HistoryEndpoint       string
	HistoryRegion         string
	HistoryEnableFeedback bool

	// エージェント
	UseInternalStream      bool
	AgentEndpoint          string
	AgentAPIKey            string
	AgentModel             string
	AgentAPIVersion        string
	StreamTextSystemPrompt string
	SQLSystemPrompt        string

	// SQL
	SQLDSN string

	// キャッシュ
	RedisURL string

	// Research Assistant のドラフト生成フロー
	DraftFlowEndpoint   string
	DraftFlowAPIKey     string
	DraftFlowDeployment string

	// フロントエンド設定
	AuthEnabled       bool
	SanitizeAnswer    bool
	UITitle           string
	UILogo            string
	UIChatLogo        string
	UIChatTitle       string
	UIChatDescription string
	UIFavicon         string
	UIShowShareButton bool
	Debug             bool
}

// Load は .env と環境変数から設定を読み込みます
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found or could not be loaded: %v", err)
	}

	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		OpenAIResource:          os.Getenv("AZURE_OPENAI_RESOURCE"),
		OpenAIEndpoint:          os.Getenv("AZURE_OPENAI_ENDPOINT"),
		OpenAIKey:               GetOpenAIKey(),
		OpenAIModel:             os.Getenv("AZURE_OPENAI_MODEL"),
		OpenAITemperature:       getFloat("AZURE_OPENAI_TEMPERATURE", 0),
		OpenAITopP:              getFloat("AZURE_OPENAI_TOP_P", 1.0),
		OpenAIMaxTokens:         getInt("AZURE_OPENAI_MAX_TOKENS", 1000),
		OpenAIStopSequence:      os.Getenv("AZURE_OPENAI_STOP_SEQUENCE"),
		OpenAISystemMessage:     getEnv("AZURE_OPENAI_SYSTEM_MESSAGE", "You are an AI assistant that helps people find information."),
		OpenAIPreviewAPIVersion: getEnv("AZURE_OPENAI_PREVIEW_API_VERSION", MinimumSupportedPreviewAPIVersion),
		ShouldStream:            getBool("AZURE_OPENAI_STREAM", true),
		EmbeddingName:           os.Getenv("AZURE_OPENAI_EMBEDDING_NAME"),
		EmbeddingEndpoint:       os.Getenv("AZURE_OPENAI_EMBEDDING_ENDPOINT"),
		EmbeddingKey:            os.Getenv("AZURE_OPENAI_EMBEDDING_KEY"),

		SearchService:               os.Getenv("AZURE_SEARCH_SERVICE"),
		SearchEndpoint:              os.Getenv("AZURE_AI_SEARCH_ENDPOINT"),
		SearchIndex:                 os.Getenv("AZURE_SEARCH_INDEX"),
		SearchIndexGrants:           os.Getenv("AZURE_SEARCH_INDEX_GRANTS"),
		SearchIndexArticles:         os.Getenv("AZURE_SEARCH_INDEX_ARTICLES"),
		SearchKey:                   os.Getenv("AZURE_SEARCH_KEY"),
		SearchUseSemanticSearch:     getBool("AZURE_SEARCH_USE_SEMANTIC_SEARCH", false),
		SearchSemanticSearchConfig:  getEnv("AZURE_SEARCH_SEMANTIC_SEARCH_CONFIG", "default"),
		SearchTopK:                  getInt("AZURE_SEARCH_TOP_K", 5),
		SearchStrictness:            getInt("AZURE_SEARCH_STRICTNESS", 3),
		SearchEnableInDomain:        getBool("AZURE_SEARCH_ENABLE_IN_DOMAIN", true),
		SearchContentColumns:        os.Getenv("AZURE_SEARCH_CONTENT_COLUMNS"),
		SearchFilenameColumn:        os.Getenv("AZURE_SEARCH_FILENAME_COLUMN"),
		SearchTitleColumn:           os.Getenv("AZURE_SEARCH_TITLE_COLUMN"),
		SearchURLColumn:             os.Getenv("AZURE_SEARCH_URL_COLUMN"),
		SearchVectorColumns:         os.Getenv("AZURE_SEARCH_VECTOR_COLUMNS"),
		SearchQueryType:             os.Getenv("AZURE_SEARCH_QUERY_TYPE"),
		SearchPermittedGroupsColumn: os.Getenv("AZURE_SEARCH_PERMITTED_GROUPS_COLUMN"),
		CallTranscriptIndex:         getEnv("AZURE_SEARCH_TRANSCRIPTS_INDEX", "transcripts_index"),
		CallTranscriptSystemPrompt:  os.Getenv("AZURE_CALL_TRANSCRIPT_SYSTEM_PROMPT"),
		GraphEndpoint:               getEnv("GRAPH_ENDPOINT", "https://graph.microsoft.com/v1.0"),

		HistoryTable:          os.Getenv("DYNAMODB_TABLE"),
		HistoryEndpoint:       os.Getenv("DYNAMODB_ENDPOINT"),
		HistoryRegion:         getEnv("AWS_REGION", "us-east-1"),
		HistoryEnableFeedback: getBool("HISTORY_ENABLE_FEEDBACK", false),

		UseInternalStream:      getBool("USE_INTERNAL_STREAM", false),
		AgentEndpoint:          os.Getenv("AZURE_AI_AGENT_ENDPOINT"),
		AgentAPIKey:            os.Getenv("AZURE_AI_AGENT_API_KEY"),
		AgentModel:             os.Getenv("AZURE_AI_AGENT_MODEL_DEPLOYMENT_NAME"),
		AgentAPIVersion:        getEnv("AZURE_AI_AGENT_API_VERSION", "v1"),
		StreamTextSystemPrompt: os.Getenv("AZURE_OPENAI_STREAM_TEXT_SYSTEM_PROMPT"),
		SQLSystemPrompt:        os.Getenv("AZURE_SQL_SYSTEM_PROMPT"),

		SQLDSN:   os.Getenv("SQLDB_DSN"),
		RedisURL: os.Getenv("REDIS_URL"),

		DraftFlowEndpoint:   os.Getenv("AI_STUDIO_DRAFT_FLOW_ENDPOINT"),
		DraftFlowAPIKey:     os.Getenv("AI_STUDIO_DRAFT_FLOW_API_KEY"),
		DraftFlowDeployment: os.Getenv("AI_STUDIO_DRAFT_FLOW_DEPLOYMENT_NAME"),

		AuthEnabled:       getBool("AUTH_ENABLED", true),
		SanitizeAnswer:    getBool("SANITIZE_ANSWER", false),
		UITitle:           getEnv("UI_TITLE", "Woodgrove Bank"),
		UILogo:            os.Getenv("UI_LOGO"),
		UIChatLogo:        os.Getenv("UI_CHAT_LOGO"),
		UIChatTitle:       getEnv("UI_CHAT_TITLE", "Start chatting"),
		UIChatDescription: getEnv("UI_CHAT_DESCRIPTION", "This chatbot is configured to answer your questions"),
		UIFavicon:         getEnv("UI_FAVICON", "/favicon.ico"),
		UIShowShareButton: getBool("UI_SHOW_SHARE_BUTTON", true),
		Debug:             getBool("DEBUG", false),
	}

	if cfg.OpenAIPreviewAPIVersion < MinimumSupportedPreviewAPIVersion {
		log.Printf("Warning: AZURE_OPENAI_PREVIEW_API_VERSION %s is older than %s, using the minimum", cfg.OpenAIPreviewAPIVersion, MinimumSupportedPreviewAPIVersion)
		cfg.OpenAIPreviewAPIVersion = MinimumSupportedPreviewAPIVersion
	}

	return cfg
}

func GetOpenAIKey() string {
	return os.Getenv("AZURE_OPENAI_KEY")
}

// OpenAIBaseURL は AZURE_OPENAI_ENDPOINT か AZURE_OPENAI_RESOURCE からベース URL を組み立てます
func (c *Config) OpenAIBaseURL() string {
	if c.OpenAIEndpoint != "" {
		return strings.TrimRight(c.OpenAIEndpoint, "/") + "/"
	}
	if c.OpenAIResource != "" {
		return "https://" + c.OpenAIResource + ".openai.azure.com/"
	}
	return ""
}

// UseData は検索インデックスが設定されているかどうか
func (c *Config) UseData() bool {
	return c.SearchService != "" && (c.SearchIndex != "" || c.SearchIndexGrants != "" || c.SearchIndexArticles != "")
}

func (c *Config) HistoryEnabled() bool {
	return c.HistoryTable != ""
}

// StopSequences は "|" か "," 区切りの停止シーケンスを分割します
func (c *Config) StopSequences() []string {
	if c.OpenAIStopSequence == "" {
		return nil
	}
	return ParseMultiColumns(c.OpenAIStopSequence)
}

// ParseMultiColumns は "a|b" または "a,b" を分割します
func ParseMultiColumns(columns string) []string {
	if strings.Contains(columns, "|") {
		return strings.Split(columns, "|")
	}
	return strings.Split(columns, ",")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return strings.EqualFold(value, "true")
}

func getInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid %s '%s', using default %d: %v", key, value, fallback, err)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float32) float32 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 32)
	if err != nil {
		log.Printf("Warning: invalid %s '%s', using default %v: %v", key, value, fallback, err)
		return fallback
	}
	return float32(f)
}
