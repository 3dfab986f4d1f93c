package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// GroupResolver はユーザーが所属するグループ ID を返します
type GroupResolver interface {
	GroupIDs(ctx context.Context, userToken string) ([]string, error)
}

// GraphService は Microsoft Graph からユーザーの所属グループを取得します
type GraphService struct {
	client   *resty.Client
	endpoint string
}

func NewGraphService(endpoint string) *GraphService {
	return &GraphService{
		client:   resty.New(),
		endpoint: strings.TrimRight(endpoint, "/"),
	}
}

type graphGroupsPage struct {
	Value []struct {
		ID string `json:"id"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// GroupIDs は transitiveMemberOf を @odata.nextLink がなくなるまで辿ります
func (g *GraphService) GroupIDs(ctx context.Context, userToken string) ([]string, error) {
	var ids []string
	url := g.endpoint + "/me/transitiveMemberOf?$select=id"

	for url != "" {
		resp, err := g.client.R().
			SetContext(ctx).
			SetAuthToken(userToken).
			Get(url)
		if err != nil {
			return nil, &UpstreamError{Service: "Microsoft Graph", Err: err}
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, &UpstreamError{Service: "Microsoft Graph", StatusCode: resp.StatusCode(), Body: resp.String()}
		}

		var page graphGroupsPage
		if err := json.Unmarshal(resp.Body(), &page); err != nil {
			return nil, fmt.Errorf("failed to parse groups: %w", err)
		}
		for _, group := range page.Value {
			ids = append(ids, group.ID)
		}
		url = page.NextLink
	}
	return ids, nil
}

// GroupsFilter は所属グループで絞り込む検索フィルターを作ります。
// グループ取得に失敗した場合はログに残し、空のグループで組み立てる
func GroupsFilter(ctx context.Context, groups GroupResolver, column, userToken string) string {
	var ids []string
	if groups != nil {
		var err error
		ids, err = groups.GroupIDs(ctx, userToken)
		if err != nil {
			log.Printf("Error fetching user groups: %v", err)
			ids = nil
		}
	}
	return fmt.Sprintf("%s/any(g:search.in(g, '%s'))", column, strings.Join(ids, ", "))
}
