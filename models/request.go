package models

// ConversationRequest は /conversation と /history/generate, /history/update のリクエストボディ
type ConversationRequest struct {
	ConversationID  string                 `json:"conversation_id,omitempty"`
	Messages        []InputMessage         `json:"messages"`
	HistoryMetadata map[string]interface{} `json:"history_metadata,omitempty"`
	ClientID        string                 `json:"client_id,omitempty"`
	IndexName       string                 `json:"index_name,omitempty"`
}

type ConversationIDRequest struct {
	ConversationID string `json:"conversation_id"`
}

type RenameRequest struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

type FeedbackRequest struct {
	MessageID       string `json:"message_id"`
	MessageFeedback string `json:"message_feedback"`
}

// DraftSectionRequest は研究助成金申請書のセクション生成リクエスト
type DraftSectionRequest struct {
	GrantTopic     string `json:"grantTopic"`
	SectionTitle   string `json:"sectionTitle"`
	SectionContext string `json:"sectionContext"`
}

// AuthenticatedUser は EasyAuth ヘッダーから取り出したユーザー情報
type AuthenticatedUser struct {
	PrincipalID        string `json:"user_principal_id"`
	PrincipalName      string `json:"user_name"`
	AuthProvider       string `json:"auth_provider"`
	AADIDToken         string `json:"aad_id_token"`
	ClientPrincipalB64 string `json:"client_principal_b64"`
}
