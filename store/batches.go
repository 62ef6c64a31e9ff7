package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vmx-ai/vmx/types"
)

// BatchStore persists completion batches and their items.
type BatchStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// CreateBatch inserts the batch header and all items in one transaction.
func (s *BatchStore) CreateBatch(ctx context.Context, batch *types.CompletionBatch, items []*types.CompletionBatchItem) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := toBatchRow(batch)
		if err != nil {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		itemRows := make([]*batchItemRow, 0, len(items))
		for _, item := range items {
			itemRow, err := toBatchItemRow(item)
			if err != nil {
				return err
			}
			itemRows = append(itemRows, itemRow)
		}
		if len(itemRows) > 0 {
			if err := tx.CreateInBatches(itemRows, 200).Error; err != nil {
				return fmt.Errorf("failed to insert batch items: %w", err)
			}
		}
		return nil
	})
}

// GetBatch loads a batch header.
func (s *BatchStore) GetBatch(ctx context.Context, workspaceID, environmentID, batchID string) (*types.CompletionBatch, error) {
	var row batchRow
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND environment_id = ? AND batch_id = ?", workspaceID, environmentID, batchID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewCompletionError(types.ErrBatchNotFound, fmt.Sprintf("batch %s not found", batchID)).
			WithStatusCode(http.StatusNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return fromBatchRow(&row)
}

// ListItems returns all items of a batch.
func (s *BatchStore) ListItems(ctx context.Context, workspaceID, environmentID, batchID string) ([]*types.CompletionBatchItem, error) {
	var rows []batchItemRow
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND environment_id = ? AND batch_id = ?", workspaceID, environmentID, batchID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list batch items: %w", err)
	}
	items := make([]*types.CompletionBatchItem, 0, len(rows))
	for i := range rows {
		item, err := fromBatchItemRow(&rows[i])
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// UpdateBatchStatus sets the batch status and optional completion fields.
func (s *BatchStore) UpdateBatchStatus(ctx context.Context, workspaceID, environmentID, batchID string, status types.BatchStatus, errorMessage string) error {
	updates := map[string]any{
		"status":     string(status),
		"updated_at": time.Now(),
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	switch status {
	case types.BatchStatusCompleted, types.BatchStatusFailed, types.BatchStatusCancelled:
		now := time.Now()
		updates["completed_at"] = &now
	}
	return s.db.WithContext(ctx).Model(&batchRow{}).
		Where("workspace_id = ? AND environment_id = ? AND batch_id = ?", workspaceID, environmentID, batchID).
		Updates(updates).Error
}

// IncrementCounters applies signed deltas atomically as SQL expressions.
func (s *BatchStore) IncrementCounters(ctx context.Context, workspaceID, environmentID, batchID string, deltas types.BatchCounters) error {
	updates := map[string]any{"updated_at": time.Now()}
	if deltas.Pending != 0 {
		updates["pending"] = gorm.Expr("pending + ?", deltas.Pending)
	}
	if deltas.Running != 0 {
		updates["running"] = gorm.Expr("running + ?", deltas.Running)
	}
	if deltas.Completed != 0 {
		updates["completed"] = gorm.Expr("completed + ?", deltas.Completed)
	}
	if deltas.Failed != 0 {
		updates["failed"] = gorm.Expr("failed + ?", deltas.Failed)
	}
	if deltas.TotalPromptTokens != 0 {
		updates["total_prompt_tokens"] = gorm.Expr("total_prompt_tokens + ?", deltas.TotalPromptTokens)
	}
	if deltas.TotalCompletionTokens != 0 {
		updates["total_completion_tokens"] = gorm.Expr("total_completion_tokens + ?", deltas.TotalCompletionTokens)
	}
	return s.db.WithContext(ctx).Model(&batchRow{}).
		Where("workspace_id = ? AND environment_id = ? AND batch_id = ?", workspaceID, environmentID, batchID).
		Updates(updates).Error
}

// CancelBatch marks the batch and its still-pending items cancelled in
// one transaction. Running and finished items are untouched.
func (s *BatchStore) CancelBatch(ctx context.Context, workspaceID, environmentID, batchID, reason string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&batchRow{}).
			Where("workspace_id = ? AND environment_id = ? AND batch_id = ?", workspaceID, environmentID, batchID).
			Updates(map[string]any{
				"status":        string(types.BatchStatusCancelled),
				"error_message": reason,
				"completed_at":  &now,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.NewCompletionError(types.ErrBatchNotFound, fmt.Sprintf("batch %s not found", batchID)).
				WithStatusCode(http.StatusNotFound)
		}
		return tx.Model(&batchItemRow{}).
			Where("workspace_id = ? AND environment_id = ? AND batch_id = ? AND status = ?",
				workspaceID, environmentID, batchID, string(types.BatchStatusPending)).
			Updates(map[string]any{
				"status":        string(types.BatchStatusCancelled),
				"error_message": reason,
				"completed_at":  &now,
			}).Error
	})
}

// UpdateItem rewrites the mutable fields of a batch item and returns the
// stored form.
func (s *BatchStore) UpdateItem(ctx context.Context, item *types.CompletionBatchItem) (*types.CompletionBatchItem, error) {
	row, err := toBatchItemRow(item)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{
		"status":            row.Status,
		"retry_count":       row.RetryCount,
		"error_message":     row.ErrorMessage,
		"response":          row.Response,
		"prompt_tokens":     row.PromptTokens,
		"completion_tokens": row.CompletionTokens,
		"total_tokens":      row.TotalTokens,
		"completed_at":      row.CompletedAt,
	}
	err = s.db.WithContext(ctx).Model(&batchItemRow{}).
		Where("workspace_id = ? AND environment_id = ? AND batch_id = ? AND item_id = ?",
			item.WorkspaceID, item.EnvironmentID, item.BatchID, item.ItemID).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update batch item: %w", err)
	}
	return item, nil
}
