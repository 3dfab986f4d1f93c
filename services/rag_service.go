package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"advisor/config"
)

const (
	indexGrants   = "grants"
	indexArticles = "articles"
	maskedSecret  = "*****"
)

var secretParams = []string{"key", "connection_string", "embedding_key", "encoded_api_key", "api_key"}

// RAGService は Azure AI Search のデータソース設定を組み立てます
type RAGService struct {
	cfg    *config.Config
	groups GroupResolver
	events *EventTracker
}

func NewRAGService(cfg *config.Config, groups GroupResolver, events *EventTracker) *RAGService {
	return &RAGService{
		cfg:    cfg,
		groups: groups,
		events: events,
	}
}

func (rs *RAGService) searchEndpoint() string {
	if rs.cfg.SearchEndpoint != "" {
		return rs.cfg.SearchEndpoint
	}
	return fmt.Sprintf("https://%s.search.windows.net", rs.cfg.SearchService)
}

func (rs *RAGService) queryType() string {
	if rs.cfg.SearchQueryType != "" {
		return rs.cfg.SearchQueryType
	}
	if rs.cfg.SearchUseSemanticSearch && rs.cfg.SearchSemanticSearchConfig != "" {
		return "semantic"
	}
	return "simple"
}

// indexFor は index_name が grants / articles の場合に専用インデックスを選びます
func (rs *RAGService) indexFor(indexName string) string {
	switch indexName {
	case indexGrants:
		if rs.cfg.SearchIndexGrants != "" {
			return rs.cfg.SearchIndexGrants
		}
	case indexArticles:
		if rs.cfg.SearchIndexArticles != "" {
			return rs.cfg.SearchIndexArticles
		}
	}
	return rs.cfg.SearchIndex
}

func (rs *RAGService) authentication() map[string]interface{} {
	if rs.cfg.SearchKey != "" {
		return map[string]interface{}{"type": "api_key", "api_key": rs.cfg.SearchKey}
	}
	// キーがなければ Azure OpenAI のマネージド ID に検索の権限がある前提
	return map[string]interface{}{"type": "system_assigned_managed_identity"}
}

// DataSource はリクエスト 1 件分の azure_search データソースを返します
func (rs *RAGService) DataSource(ctx context.Context, indexName, userToken string) (map[string]interface{}, error) {
	queryType := rs.queryType()
	rs.events.Track("query_type_determined", map[string]interface{}{"query_type": queryType})

	var filter interface{}
	if column := rs.cfg.SearchPermittedGroupsColumn; column != "" {
		if userToken == "" {
			rs.events.Track("user_token_missing", nil)
			return nil, ErrMissingUserToken
		}
		filter = GroupsFilter(ctx, rs.groups, column, userToken)
		rs.events.Track("filter_generated", nil)
	}

	parameters := map[string]interface{}{
		"endpoint":       rs.searchEndpoint(),
		"authentication": rs.authentication(),
		"index_name":     rs.indexFor(indexName),
		"fields_mapping": map[string]interface{}{
			"content_fields": splitColumns(rs.cfg.SearchContentColumns),
			"title_field":    optional(rs.cfg.SearchTitleColumn),
			"url_field":      optional(rs.cfg.SearchURLColumn),
			"filepath_field": optional(rs.cfg.SearchFilenameColumn),
			"vector_fields":  splitColumns(rs.cfg.SearchVectorColumns),
		},
		"in_scope":               rs.cfg.SearchEnableInDomain,
		"top_n_documents":        rs.cfg.SearchTopK,
		"query_type":             queryType,
		"semantic_configuration": rs.cfg.SearchSemanticSearchConfig,
		"role_information":       rs.cfg.OpenAISystemMessage,
		"filter":                 filter,
		"strictness":             rs.cfg.SearchStrictness,
	}

	if strings.Contains(strings.ToLower(queryType), "vector") {
		dependency, err := rs.embeddingDependency()
		if err != nil {
			rs.events.Track("embedding_dependency_missing", map[string]interface{}{"query_type": queryType})
			return nil, err
		}
		parameters["embedding_dependency"] = dependency
	}

	rs.events.Track("get_configured_data_source_complete", map[string]interface{}{"query_type": queryType})
	return map[string]interface{}{
		"type":       "azure_search",
		"parameters": parameters,
	}, nil
}

func (rs *RAGService) embeddingDependency() (map[string]interface{}, error) {
	if rs.cfg.EmbeddingName != "" {
		return map[string]interface{}{
			"type":            "deployment_name",
			"deployment_name": rs.cfg.EmbeddingName,
		}, nil
	}
	if rs.cfg.EmbeddingEndpoint != "" && rs.cfg.EmbeddingKey != "" {
		return map[string]interface{}{
			"type":     "endpoint",
			"endpoint": rs.cfg.EmbeddingEndpoint,
			"authentication": map[string]interface{}{
				"type": "api_key",
				"key":  rs.cfg.EmbeddingKey,
			},
		}, nil
	}
	return nil, ErrEmbeddingNotConfigured
}

// TranscriptsDataSource はクライアントの通話記録だけを対象にするデータソース
func (rs *RAGService) TranscriptsDataSource(clientID string) map[string]interface{} {
	embeddingName := rs.cfg.EmbeddingName
	if embeddingName == "" {
		embeddingName = "text-embedding-ada-002"
	}
	return map[string]interface{}{
		"type": "azure_search",
		"parameters": map[string]interface{}{
			"endpoint":   rs.searchEndpoint(),
			"index_name": rs.cfg.CallTranscriptIndex,
			"query_type": "vector_simple_hybrid",
			"fields_mapping": map[string]interface{}{
				"content_fields_separator": "\n",
				"content_fields":           []string{"content"},
				"filepath_field":           "chunk_id",
				"title_field":              "",
				"url_field":                "sourceurl",
				"vector_fields":            []string{"contentVector"},
			},
			"semantic_configuration": "my-semantic-config",
			"in_scope":               "true",
			"filter":                 fmt.Sprintf("client_id eq '%s'", strings.ReplaceAll(clientID, "'", "''")),
			"strictness":             3,
			"top_n_documents":        5,
			"authentication":         rs.authentication(),
			"embedding_dependency": map[string]interface{}{
				"type":            "deployment_name",
				"deployment_name": embeddingName,
			},
		},
	}
}

// MaskSecrets はログ出力用にデータソース内の秘密情報を伏せたコピーを返します
func MaskSecrets(dataSource map[string]interface{}) map[string]interface{} {
	var masked map[string]interface{}
	raw, err := json.Marshal(dataSource)
	if err != nil || json.Unmarshal(raw, &masked) != nil {
		return map[string]interface{}{}
	}

	parameters, ok := masked["parameters"].(map[string]interface{})
	if !ok {
		return masked
	}
	maskFields(parameters)
	if auth, ok := parameters["authentication"].(map[string]interface{}); ok {
		maskFields(auth)
	}
	if dependency, ok := parameters["embedding_dependency"].(map[string]interface{}); ok {
		if auth, ok := dependency["authentication"].(map[string]interface{}); ok {
			maskFields(auth)
		}
	}
	return masked
}

func maskFields(fields map[string]interface{}) {
	for _, name := range secretParams {
		if value, ok := fields[name]; ok && value != nil && value != "" {
			fields[name] = maskedSecret
		}
	}
}

func splitColumns(columns string) []string {
	if columns == "" {
		return []string{}
	}
	return config.ParseMultiColumns(columns)
}

func optional(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
