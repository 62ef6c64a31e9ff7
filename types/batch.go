package types

import "time"

// BatchType selects how batch results are delivered.
type BatchType string

const (
	BatchTypeAsync    BatchType = "async"
	BatchTypeSync     BatchType = "sync"
	BatchTypeCallback BatchType = "callback"
)

// BatchStatus is the lifecycle state of a batch or batch item.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// CallbackEvent names a batch callback trigger.
type CallbackEvent string

const (
	CallbackEventAll         CallbackEvent = "ALL"
	CallbackEventItemUpdate  CallbackEvent = "ITEM_UPDATE"
	CallbackEventBatchUpdate CallbackEvent = "BATCH_UPDATE"
)

// CallbackOptions configures delivery for callback-type batches.
type CallbackOptions struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Events  []CallbackEvent   `json:"events,omitempty"`
}

// Matches reports whether the options subscribe to the event.
func (o *CallbackOptions) Matches(event CallbackEvent) bool {
	if o == nil {
		return false
	}
	for _, e := range o.Events {
		if e == CallbackEventAll || e == event {
			return true
		}
	}
	return false
}

// CompletionBatch is a durable collection of completion requests processed
// asynchronously. Invariant: Pending+Running+Completed+Failed == TotalItems.
type CompletionBatch struct {
	WorkspaceID   string      `json:"workspace_id"`
	EnvironmentID string      `json:"environment_id"`
	BatchID       string      `json:"batch_id"`
	Type          BatchType   `json:"type"`
	Status        BatchStatus `json:"status"`

	TotalItems int64 `json:"total_items"`
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`

	TotalEstimatedPromptTokens int64 `json:"total_estimated_prompt_tokens"`
	TotalPromptTokens          int64 `json:"total_prompt_tokens"`
	TotalCompletionTokens      int64 `json:"total_completion_tokens"`

	Capacity        []Capacity       `json:"capacity,omitempty"`
	CallbackOptions *CallbackOptions `json:"callback_options,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CompletionBatchItem is one request inside a batch. Each item transitions
// pending→running→{completed|failed|cancelled} exactly once, or loops back
// to pending on a retryable provider error.
type CompletionBatchItem struct {
	WorkspaceID   string `json:"workspace_id"`
	EnvironmentID string `json:"environment_id"`
	BatchID       string `json:"batch_id"`
	ItemID        string `json:"item_id"`
	ResourceID    string `json:"resource_id"`

	Status       BatchStatus        `json:"status"`
	Request      *CompletionRequest `json:"request"`
	Response     *CompletionData    `json:"response,omitempty"`
	RetryCount   int                `json:"retry_count"`
	ErrorMessage string             `json:"error_message,omitempty"`

	EstimatedPromptTokens int `json:"estimated_prompt_tokens"`
	PromptTokens          int `json:"prompt_tokens,omitempty"`
	CompletionTokens      int `json:"completion_tokens,omitempty"`
	TotalTokens           int `json:"total_tokens,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BatchCounters are signed deltas applied atomically as items move
// through states.
type BatchCounters struct {
	Pending               int64
	Running               int64
	Completed             int64
	Failed                int64
	TotalPromptTokens     int64
	TotalCompletionTokens int64
}
