package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmx-ai/vmx/types"
)

// resourceRow is the persisted form of an AIResource. The full entity is
// kept as a JSON document; the indexed columns exist for lookup only.
type resourceRow struct {
	ID            uint   `gorm:"primaryKey"`
	WorkspaceID   string `gorm:"index:idx_resource,unique"`
	EnvironmentID string `gorm:"index:idx_resource,unique"`
	ResourceID    string `gorm:"index:idx_resource,unique"`
	Document      []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (resourceRow) TableName() string { return "ai_resources" }

type connectionRow struct {
	ID            uint   `gorm:"primaryKey"`
	WorkspaceID   string `gorm:"index:idx_connection,unique"`
	EnvironmentID string `gorm:"index:idx_connection,unique"`
	ConnectionID  string `gorm:"index:idx_connection,unique"`
	Document      []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (connectionRow) TableName() string { return "ai_connections" }

// batchRow keeps the counters as real columns so increments can be
// applied as SQL expressions; the rest rides in JSON columns.
type batchRow struct {
	ID            uint   `gorm:"primaryKey"`
	WorkspaceID   string `gorm:"index:idx_batch,unique"`
	EnvironmentID string `gorm:"index:idx_batch,unique"`
	BatchID       string `gorm:"index:idx_batch,unique"`

	Type   string
	Status string `gorm:"index"`

	TotalItems int64
	Pending    int64
	Running    int64
	Completed  int64
	Failed     int64

	TotalEstimatedPromptTokens int64
	TotalPromptTokens          int64
	TotalCompletionTokens      int64

	Capacity        []byte
	CallbackOptions []byte
	ErrorMessage    string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (batchRow) TableName() string { return "completion_batches" }

type batchItemRow struct {
	ID            uint   `gorm:"primaryKey"`
	WorkspaceID   string `gorm:"index:idx_batch_item,unique"`
	EnvironmentID string `gorm:"index:idx_batch_item,unique"`
	BatchID       string `gorm:"index:idx_batch_item,unique"`
	ItemID        string `gorm:"index:idx_batch_item,unique"`
	ResourceID    string `gorm:"index"`

	Status       string `gorm:"index"`
	Request      []byte
	Response     []byte
	RetryCount   int
	ErrorMessage string

	EstimatedPromptTokens int
	PromptTokens          int
	CompletionTokens      int
	TotalTokens           int

	CreatedAt   time.Time
	CompletedAt *time.Time
}

func (batchItemRow) TableName() string { return "completion_batch_items" }

// usageRow and auditRow are the fire-and-forget event sinks' tables.
type usageRow struct {
	ID            uint   `gorm:"primaryKey"`
	WorkspaceID   string `gorm:"index"`
	EnvironmentID string
	ResourceID    string `gorm:"index"`
	Document      []byte
	Timestamp     time.Time `gorm:"index"`
}

func (usageRow) TableName() string { return "completion_usage" }

type auditRow struct {
	ID            uint   `gorm:"primaryKey"`
	WorkspaceID   string `gorm:"index"`
	EnvironmentID string
	ResourceID    string `gorm:"index"`
	RequestID     string `gorm:"index"`
	Document      []byte
	Timestamp     time.Time `gorm:"index"`
}

func (auditRow) TableName() string { return "completion_audit" }

func marshalDoc(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return data, nil
}

func toBatchRow(b *types.CompletionBatch) (*batchRow, error) {
	row := &batchRow{
		WorkspaceID:                b.WorkspaceID,
		EnvironmentID:              b.EnvironmentID,
		BatchID:                    b.BatchID,
		Type:                       string(b.Type),
		Status:                     string(b.Status),
		TotalItems:                 b.TotalItems,
		Pending:                    b.Pending,
		Running:                    b.Running,
		Completed:                  b.Completed,
		Failed:                     b.Failed,
		TotalEstimatedPromptTokens: b.TotalEstimatedPromptTokens,
		TotalPromptTokens:          b.TotalPromptTokens,
		TotalCompletionTokens:      b.TotalCompletionTokens,
		ErrorMessage:               b.ErrorMessage,
		CreatedAt:                  b.CreatedAt,
		UpdatedAt:                  b.UpdatedAt,
		CompletedAt:                b.CompletedAt,
	}
	var err error
	if b.Capacity != nil {
		if row.Capacity, err = marshalDoc(b.Capacity); err != nil {
			return nil, err
		}
	}
	if b.CallbackOptions != nil {
		if row.CallbackOptions, err = marshalDoc(b.CallbackOptions); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func fromBatchRow(row *batchRow) (*types.CompletionBatch, error) {
	b := &types.CompletionBatch{
		WorkspaceID:                row.WorkspaceID,
		EnvironmentID:              row.EnvironmentID,
		BatchID:                    row.BatchID,
		Type:                       types.BatchType(row.Type),
		Status:                     types.BatchStatus(row.Status),
		TotalItems:                 row.TotalItems,
		Pending:                    row.Pending,
		Running:                    row.Running,
		Completed:                  row.Completed,
		Failed:                     row.Failed,
		TotalEstimatedPromptTokens: row.TotalEstimatedPromptTokens,
		TotalPromptTokens:          row.TotalPromptTokens,
		TotalCompletionTokens:      row.TotalCompletionTokens,
		ErrorMessage:               row.ErrorMessage,
		CreatedAt:                  row.CreatedAt,
		UpdatedAt:                  row.UpdatedAt,
		CompletedAt:                row.CompletedAt,
	}
	if len(row.Capacity) > 0 {
		if err := json.Unmarshal(row.Capacity, &b.Capacity); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch capacity: %w", err)
		}
	}
	if len(row.CallbackOptions) > 0 {
		b.CallbackOptions = &types.CallbackOptions{}
		if err := json.Unmarshal(row.CallbackOptions, b.CallbackOptions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal callback options: %w", err)
		}
	}
	return b, nil
}

func toBatchItemRow(item *types.CompletionBatchItem) (*batchItemRow, error) {
	row := &batchItemRow{
		WorkspaceID:           item.WorkspaceID,
		EnvironmentID:         item.EnvironmentID,
		BatchID:               item.BatchID,
		ItemID:                item.ItemID,
		ResourceID:            item.ResourceID,
		Status:                string(item.Status),
		RetryCount:            item.RetryCount,
		ErrorMessage:          item.ErrorMessage,
		EstimatedPromptTokens: item.EstimatedPromptTokens,
		PromptTokens:          item.PromptTokens,
		CompletionTokens:      item.CompletionTokens,
		TotalTokens:           item.TotalTokens,
		CreatedAt:             item.CreatedAt,
		CompletedAt:           item.CompletedAt,
	}
	var err error
	if item.Request != nil {
		if row.Request, err = marshalDoc(item.Request); err != nil {
			return nil, err
		}
	}
	if item.Response != nil {
		if row.Response, err = marshalDoc(item.Response); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func fromBatchItemRow(row *batchItemRow) (*types.CompletionBatchItem, error) {
	item := &types.CompletionBatchItem{
		WorkspaceID:           row.WorkspaceID,
		EnvironmentID:         row.EnvironmentID,
		BatchID:               row.BatchID,
		ItemID:                row.ItemID,
		ResourceID:            row.ResourceID,
		Status:                types.BatchStatus(row.Status),
		RetryCount:            row.RetryCount,
		ErrorMessage:          row.ErrorMessage,
		EstimatedPromptTokens: row.EstimatedPromptTokens,
		PromptTokens:          row.PromptTokens,
		CompletionTokens:      row.CompletionTokens,
		TotalTokens:           row.TotalTokens,
		CreatedAt:             row.CreatedAt,
		CompletedAt:           row.CompletedAt,
	}
	if len(row.Request) > 0 {
		item.Request = &types.CompletionRequest{}
		if err := json.Unmarshal(row.Request, item.Request); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item request: %w", err)
		}
	}
	if len(row.Response) > 0 {
		item.Response = &types.CompletionData{}
		if err := json.Unmarshal(row.Response, item.Response); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item response: %w", err)
		}
	}
	return item, nil
}
