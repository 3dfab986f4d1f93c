package services

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrHistoryNotConfigured   = errors.New("history store is not configured or not working")
	ErrNoUserMessage          = errors.New("No user message found")
	ErrNoBotMessages          = errors.New("No bot messages found")
	ErrMissingConversationID  = errors.New("conversation_id is required")
	ErrMissingTitle           = errors.New("title is required")
	ErrMissingMessageID       = errors.New("message_id is required")
	ErrMissingFeedback        = errors.New("message_feedback is required")
	ErrMissingClientID        = errors.New("No client ID provided")
	ErrMissingUserToken       = errors.New("Document-level access control is enabled, but user access token could not be fetched.")
	ErrEmbeddingNotConfigured = errors.New("vector query type is selected but no embedding dependency is configured")
	ErrMalformedChunk         = errors.New("malformed chunk")
	ErrAgentNotConfigured     = errors.New("agent endpoint is not configured")
	ErrUnsafeQuery            = errors.New("only a single SELECT statement is allowed")
	ErrSQLNotConfigured       = errors.New("SQL database is not configured")
)

// UpstreamError は上流 (Azure OpenAI, エージェント, Graph など) への通信失敗
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s request failed with status code %d: %s", e.Service, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
