package domain

import (
	"context"
	"errors"
	"strings"
)

// RecordUsageRequest carries the fields of the recording API and of the
// relay payload.
type RecordUsageRequest struct {
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Model     string `json:"model,omitempty"`

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	LatencyMS        int64 `json:"latency_ms,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Normalize trims identifiers and derives the total when the caller only
// reported the parts.
func (r *RecordUsageRequest) Normalize() {
	r.RequestID = strings.TrimSpace(r.RequestID)
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.UserID = strings.TrimSpace(r.UserID)
	if r.TotalTokens == 0 {
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}
}

func (r RecordUsageRequest) Validate() error {
	if r.RequestID == "" {
		return ErrMissingRequestID
	}
	if r.TenantID == "" {
		return ErrMissingTenantID
	}
	if r.PromptTokens < 0 || r.CompletionTokens < 0 || r.TotalTokens < 0 {
		return ErrNegativeTokens
	}
	return nil
}

// Service is the usage write surface. Submit is the hot-path entry that
// persists the raw event and hands off to the relay; RecordUsage is the
// authoritative idempotent ledger write invoked by the relay consumer.
type Service interface {
	Submit(ctx context.Context, req RecordUsageRequest) error
	RecordUsage(ctx context.Context, req RecordUsageRequest) error
	EventExists(ctx context.Context, requestID string) (bool, error)
}

// EventPublisher delivers a usage event to the asynchronous consumer.
type EventPublisher interface {
	Publish(ctx context.Context, event RecordUsageRequest) error
}

var (
	ErrMissingRequestID = errors.New("missing_request_id")
	ErrMissingTenantID  = errors.New("missing_tenant_id")
	ErrNegativeTokens   = errors.New("negative_token_counts")
	ErrQuotaCycleMoved  = errors.New("quota_cycle_moved")
)
