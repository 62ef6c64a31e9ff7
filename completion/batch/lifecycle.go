package batch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/store"
	"github.com/vmx-ai/vmx/tokenizer"
	"github.com/vmx-ai/vmx/types"
)

// ItemInput is one request of a batch creation call.
type ItemInput struct {
	ResourceID string                   `json:"resource_id"`
	Request    *types.CompletionRequest `json:"request"`
}

// CreateParams describes a new batch.
type CreateParams struct {
	Type            types.BatchType        `json:"type"`
	Capacity        []types.Capacity       `json:"capacity,omitempty"`
	CallbackOptions *types.CallbackOptions `json:"callback_options,omitempty"`
	Items           []ItemInput            `json:"items"`
}

// Lifecycle owns batch creation, cancellation and counter bookkeeping.
type Lifecycle struct {
	store     *store.Store
	queue     *Queue
	estimator tokenizer.Estimator
	logger    *zap.Logger
}

// NewLifecycle creates the batch lifecycle service.
func NewLifecycle(st *store.Store, queue *Queue, estimator tokenizer.Estimator, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		store:     st,
		queue:     queue,
		estimator: estimator,
		logger:    logger.With(zap.String("component", "batch_lifecycle")),
	}
}

// Create persists the batch header and items in one transaction, then
// enqueues every item. The batch starts with pending == totalItems.
func (l *Lifecycle) Create(ctx context.Context, workspaceID, environmentID string, params CreateParams) (*types.CompletionBatch, error) {
	if len(params.Items) == 0 {
		return nil, types.NewCompletionError(types.ErrInvalidRequest, "batch has no items").
			WithStatusCode(http.StatusBadRequest)
	}
	if params.Type == types.BatchTypeCallback && (params.CallbackOptions == nil || params.CallbackOptions.URL == "") {
		return nil, types.NewCompletionError(types.ErrInvalidRequest, "callback batch requires a callback URL").
			WithStatusCode(http.StatusBadRequest)
	}

	now := time.Now()
	batch := &types.CompletionBatch{
		WorkspaceID:     workspaceID,
		EnvironmentID:   environmentID,
		BatchID:         uuid.NewString(),
		Type:            params.Type,
		Status:          types.BatchStatusPending,
		TotalItems:      int64(len(params.Items)),
		Pending:         int64(len(params.Items)),
		Capacity:        params.Capacity,
		CallbackOptions: params.CallbackOptions,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	items := make([]*types.CompletionBatchItem, 0, len(params.Items))
	queueItems := make([]*types.QueueItem, 0, len(params.Items))
	for _, input := range params.Items {
		if input.Request == nil || input.ResourceID == "" {
			return nil, types.NewCompletionError(types.ErrInvalidRequest, "batch item requires a resource and a request").
				WithStatusCode(http.StatusBadRequest)
		}
		estimated := l.estimator.RequestTokens(input.Request)
		item := &types.CompletionBatchItem{
			WorkspaceID:           workspaceID,
			EnvironmentID:         environmentID,
			BatchID:               batch.BatchID,
			ItemID:                uuid.NewString(),
			ResourceID:            input.ResourceID,
			Status:                types.BatchStatusPending,
			Request:               input.Request,
			EstimatedPromptTokens: estimated,
			CreatedAt:             now,
		}
		batch.TotalEstimatedPromptTokens += int64(estimated)
		items = append(items, item)
		queueItems = append(queueItems, &types.QueueItem{
			Payload:  item,
			Metadata: types.QueueItemMetadata{EnqueuedAt: now.UnixMilli()},
		})
	}

	if err := l.store.Batches.CreateBatch(ctx, batch, items); err != nil {
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}
	if err := l.queue.Push(ctx, queueItems...); err != nil {
		return nil, fmt.Errorf("failed to enqueue batch items: %w", err)
	}

	l.logger.Info("batch created",
		zap.String("batch_id", batch.BatchID),
		zap.String("workspace_id", workspaceID),
		zap.Int64("total_items", batch.TotalItems))
	return batch, nil
}

// GetByID loads a batch header.
func (l *Lifecycle) GetByID(ctx context.Context, workspaceID, environmentID, batchID string) (*types.CompletionBatch, error) {
	return l.store.Batches.GetBatch(ctx, workspaceID, environmentID, batchID)
}

// ListItems loads a batch's items.
func (l *Lifecycle) ListItems(ctx context.Context, workspaceID, environmentID, batchID string) ([]*types.CompletionBatchItem, error) {
	return l.store.Batches.ListItems(ctx, workspaceID, environmentID, batchID)
}

// Cancel flips the batch and its still-pending items to cancelled and
// drops queued work. Items already running finish normally.
func (l *Lifecycle) Cancel(ctx context.Context, workspaceID, environmentID, batchID, reason string) error {
	items, err := l.store.Batches.ListItems(ctx, workspaceID, environmentID, batchID)
	if err != nil {
		return err
	}
	if err := l.store.Batches.CancelBatch(ctx, workspaceID, environmentID, batchID, reason); err != nil {
		return err
	}

	resourceIDs := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item.ResourceID]; ok {
			continue
		}
		seen[item.ResourceID] = struct{}{}
		resourceIDs = append(resourceIDs, item.ResourceID)
	}
	if err := l.queue.PurgeBatch(ctx, workspaceID, environmentID, batchID, resourceIDs); err != nil {
		return err
	}

	l.logger.Info("batch cancelled",
		zap.String("batch_id", batchID),
		zap.String("reason", reason))
	return nil
}

// IncrementCounters applies signed counter deltas atomically.
func (l *Lifecycle) IncrementCounters(ctx context.Context, workspaceID, environmentID, batchID string, deltas types.BatchCounters) error {
	return l.store.Batches.IncrementCounters(ctx, workspaceID, environmentID, batchID, deltas)
}
