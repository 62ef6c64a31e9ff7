package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/store"
	"github.com/vmx-ai/vmx/testutil"
	"github.com/vmx-ai/vmx/types"
)

// flatEstimator charges a fixed amount per request.
type flatEstimator struct{ n int }

func (e flatEstimator) RequestTokens(*types.CompletionRequest) int { return e.n }

func newTestLifecycle(t *testing.T) (*store.Store, *Queue, *Lifecycle) {
	t.Helper()
	st := testutil.NewStore(t)
	_, client := testutil.NewRedis(t)
	q := NewQueue(client, DefaultQueueConfig(), zap.NewNop())
	return st, q, NewLifecycle(st, q, flatEstimator{n: 25}, zap.NewNop())
}

func batchItems(resourceID string, n int) []ItemInput {
	items := make([]ItemInput, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, ItemInput{
			ResourceID: resourceID,
			Request:    &types.CompletionRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}},
		})
	}
	return items
}

func TestLifecycleCreate(t *testing.T) {
	st, q, l := newTestLifecycle(t)
	ctx := context.Background()

	batch, err := l.Create(ctx, "ws", "env", CreateParams{
		Type:  types.BatchTypeAsync,
		Items: batchItems("res-1", 3),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, batch.BatchID)
	assert.Equal(t, types.BatchStatusPending, batch.Status)
	assert.Equal(t, int64(3), batch.TotalItems)
	assert.Equal(t, int64(3), batch.Pending)
	assert.Equal(t, int64(75), batch.TotalEstimatedPromptTokens)

	stored, err := st.Batches.GetBatch(ctx, "ws", "env", batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, batch.TotalItems, stored.TotalItems)

	items, err := l.ListItems(ctx, "ws", "env", batch.BatchID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, types.BatchStatusPending, item.Status)
		assert.Equal(t, 25, item.EstimatedPromptTokens)
	}

	depth, err := q.QueueDepth(ctx, types.ResourceKey("ws", "env", batch.BatchID, "res-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)
}

func TestLifecycleCreateValidations(t *testing.T) {
	_, _, l := newTestLifecycle(t)
	ctx := context.Background()

	_, err := l.Create(ctx, "ws", "env", CreateParams{Type: types.BatchTypeAsync})
	require.Error(t, err)
	ce, _ := types.AsCompletionError(err)
	assert.Equal(t, types.ErrInvalidRequest, ce.Code)
	assert.Equal(t, 400, ce.StatusCode)

	_, err = l.Create(ctx, "ws", "env", CreateParams{
		Type:  types.BatchTypeCallback,
		Items: batchItems("res-1", 1),
	})
	require.Error(t, err, "callback batch without a URL is invalid")

	_, err = l.Create(ctx, "ws", "env", CreateParams{
		Type:  types.BatchTypeAsync,
		Items: []ItemInput{{ResourceID: "res-1"}},
	})
	require.Error(t, err, "item without a request is invalid")
}

func TestLifecycleGetByIDNotFound(t *testing.T) {
	_, _, l := newTestLifecycle(t)

	_, err := l.GetByID(context.Background(), "ws", "env", "missing")
	require.Error(t, err)
	ce, ok := types.AsCompletionError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrBatchNotFound, ce.Code)
	assert.Equal(t, 404, ce.StatusCode)
}

func TestLifecycleCancel(t *testing.T) {
	_, q, l := newTestLifecycle(t)
	ctx := context.Background()

	batch, err := l.Create(ctx, "ws", "env", CreateParams{
		Type:  types.BatchTypeAsync,
		Items: batchItems("res-1", 2),
	})
	require.NoError(t, err)

	require.NoError(t, l.Cancel(ctx, "ws", "env", batch.BatchID, "operator request"))

	cancelled, err := l.GetByID(ctx, "ws", "env", batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusCancelled, cancelled.Status)
	assert.Equal(t, "operator request", cancelled.ErrorMessage)

	items, err := l.ListItems(ctx, "ws", "env", batch.BatchID)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, types.BatchStatusCancelled, item.Status)
	}

	depth, err := q.QueueDepth(ctx, types.ResourceKey("ws", "env", batch.BatchID, "res-1"))
	require.NoError(t, err)
	assert.Zero(t, depth)

	keys, err := q.GetOldestResources(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLifecycleCancelMissingBatch(t *testing.T) {
	_, _, l := newTestLifecycle(t)

	err := l.Cancel(context.Background(), "ws", "env", "missing", "whatever")
	require.Error(t, err)
	ce, ok := types.AsCompletionError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrBatchNotFound, ce.Code)
}
