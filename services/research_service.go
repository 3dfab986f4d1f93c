package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"advisor/config"
	"advisor/models"

	"github.com/go-resty/resty/v2"
)

// ErrDraftFlowNotConfigured はドラフト生成フローのエンドポイントが未設定
var ErrDraftFlowNotConfigured = errors.New("draft flow endpoint is not configured")

type draftFlowResponse struct {
	Reply string `json:"reply"`
}

// ResearchService は AI Studio のドラフト生成フローを呼び出します
type ResearchService struct {
	client     *resty.Client
	endpoint   string
	deployment string
	events     *EventTracker
}

func NewResearchService(cfg *config.Config, events *EventTracker) *ResearchService {
	client := resty.New().
		SetAuthToken(cfg.DraftFlowAPIKey).
		SetHeader("Content-Type", "application/json")
	return &ResearchService{
		client:     client,
		endpoint:   cfg.DraftFlowEndpoint,
		deployment: cfg.DraftFlowDeployment,
		events:     events,
	}
}

// DraftQuery はセクションの文脈があればそれを、無ければ定型の依頼文を返します
func DraftQuery(req models.DraftSectionRequest) string {
	if req.SectionContext != "" {
		return req.SectionContext + " "
	}
	return fmt.Sprintf("Create %s section of research grant application for - %s.", req.SectionTitle, req.GrantTopic)
}

// GenerateSection はフローに問い合わせ、生成されたセクション本文を返します
func (s *ResearchService) GenerateSection(ctx context.Context, req models.DraftSectionRequest) (string, error) {
	if s.endpoint == "" {
		return "", ErrDraftFlowNotConfigured
	}

	requestBody := map[string]interface{}{
		"chat_history": []interface{}{},
		"query":        DraftQuery(req),
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("azureml-model-deployment", s.deployment).
		SetBody(requestBody).
		Post(s.endpoint)
	if err != nil {
		return "", &UpstreamError{Service: "Draft flow", Err: err}
	}

	if resp.StatusCode() != http.StatusOK {
		return "", &UpstreamError{Service: "Draft flow", StatusCode: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}

	var result draftFlowResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %v", err)
	}

	s.events.Track("DraftSectionGenerated", map[string]interface{}{"section": req.SectionTitle})
	return result.Reply, nil
}
