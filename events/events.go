// Package events carries completion telemetry out of the hot path: usage
// records, audit records and Prometheus metrics. Publishing never blocks
// the request; events are buffered and flushed by a background worker.
package events

import (
	"time"

	"github.com/vmx-ai/vmx/types"
)

// UsageEvent records token consumption for one completion attempt chain.
type UsageEvent struct {
	WorkspaceID   string `json:"workspace_id"`
	EnvironmentID string `json:"environment_id"`
	ResourceID    string `json:"resource_id"`
	ConnectionID  string `json:"connection_id"`
	CorrelationID string `json:"correlation_id,omitempty"`

	Provider string `json:"provider"`
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	EstimatedTokens  int `json:"estimated_tokens"`

	DurationMs  int64 `json:"duration_ms"`
	TimeToFirst int64 `json:"time_to_first_token_ms,omitempty"`

	Error         bool   `json:"error,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// AuditAttempt is one model attempt inside an audit record.
type AuditAttempt struct {
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	ConnectionID  string `json:"connection_id"`
	Succeeded     bool   `json:"succeeded"`
	FailureReason string `json:"failure_reason,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
}

// AuditEvent records the full decision trail of one completion request.
type AuditEvent struct {
	WorkspaceID   string `json:"workspace_id"`
	EnvironmentID string `json:"environment_id"`
	ResourceID    string `json:"resource_id"`
	RequestID     string `json:"request_id"`
	CorrelationID string `json:"correlation_id,omitempty"`

	RequestedModel string         `json:"requested_model"`
	ServedModel    string         `json:"served_model,omitempty"`
	Routed         bool           `json:"routed"`
	Blocked        bool           `json:"blocked"`
	Attempts       []AuditAttempt `json:"attempts"`

	Status       string          `json:"status"`
	ErrorCode    types.ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts telemetry events. Implementations must not block.
type Publisher interface {
	PublishUsage(event *UsageEvent)
	PublishAudit(event *AuditEvent)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) PublishUsage(*UsageEvent) {}
func (NopPublisher) PublishAudit(*AuditEvent) {}
