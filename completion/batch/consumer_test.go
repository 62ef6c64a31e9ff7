package batch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/completion"
	"github.com/vmx-ai/vmx/store"
	"github.com/vmx-ai/vmx/testutil"
	"github.com/vmx-ai/vmx/types"
)

// stubCompleter answers completions with a configurable function.
type stubCompleter struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req *types.CompletionRequest, opts *completion.CompleteOptions) (*types.CompletionResponse, error)
}

func (s *stubCompleter) Complete(ctx context.Context, workspaceID, environmentID, resourceID string, req *types.CompletionRequest, opts *completion.CompleteOptions) (*types.CompletionResponse, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	fn := s.fn
	s.mu.Unlock()
	return fn(call, req, opts)
}

func (s *stubCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func successCompleter(prompt, completionTokens int) *stubCompleter {
	return &stubCompleter{fn: func(int, *types.CompletionRequest, *completion.CompleteOptions) (*types.CompletionResponse, error) {
		return &types.CompletionResponse{Data: &types.CompletionData{
			ID: "resp",
			Choices: []types.Choice{{
				Message:      types.Message{Role: "assistant", Content: "done"},
				FinishReason: "stop",
			}},
			Usage: &types.Usage{
				PromptTokens:     prompt,
				CompletionTokens: completionTokens,
				TotalTokens:      prompt + completionTokens,
			},
		}}, nil
	}}
}

type consumerHarness struct {
	store     *store.Store
	queue     *Queue
	lifecycle *Lifecycle
	completer *stubCompleter
	consumer  *Consumer
}

func newConsumerHarness(t *testing.T, completer *stubCompleter, cfg ConsumerConfig) *consumerHarness {
	t.Helper()
	st := testutil.NewStore(t)
	_, client := testutil.NewRedis(t)
	q := NewQueue(client, DefaultQueueConfig(), zap.NewNop())
	l := NewLifecycle(st, q, flatEstimator{n: 10}, zap.NewNop())
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	c := NewConsumer(q, l, completer, nil, nil, cfg, zap.NewNop())
	return &consumerHarness{store: st, queue: q, lifecycle: l, completer: completer, consumer: c}
}

func (h *consumerHarness) createBatch(t *testing.T, params CreateParams) *types.CompletionBatch {
	t.Helper()
	batch, err := h.lifecycle.Create(context.Background(), "ws", "env", params)
	require.NoError(t, err)
	return batch
}

func (h *consumerHarness) waitForBatchStatus(t *testing.T, batchID string, statuses ...types.BatchStatus) *types.CompletionBatch {
	t.Helper()
	var final *types.CompletionBatch
	testutil.WaitFor(t, func() bool {
		b, err := h.lifecycle.GetByID(context.Background(), "ws", "env", batchID)
		if err != nil {
			return false
		}
		for _, s := range statuses {
			if b.Status == s {
				final = b
				return true
			}
		}
		return false
	}, 5*time.Second)
	return final
}

func TestConsumerProcessesBatchToCompletion(t *testing.T) {
	h := newConsumerHarness(t, successCompleter(7, 3), ConsumerConfig{})
	batch := h.createBatch(t, CreateParams{Type: types.BatchTypeAsync, Items: batchItems("res-1", 2)})

	require.NoError(t, h.consumer.poll(context.Background()))
	final := h.waitForBatchStatus(t, batch.BatchID, types.BatchStatusCompleted)

	assert.Equal(t, int64(2), final.Completed)
	assert.Zero(t, final.Pending)
	assert.Zero(t, final.Running)
	assert.Zero(t, final.Failed)
	assert.Equal(t, int64(14), final.TotalPromptTokens)
	assert.Equal(t, int64(6), final.TotalCompletionTokens)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 2, h.completer.callCount())

	items, err := h.lifecycle.ListItems(context.Background(), "ws", "env", batch.BatchID)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, types.BatchStatusCompleted, item.Status)
		require.NotNil(t, item.Response)
		assert.Equal(t, 7, item.PromptTokens)
		assert.Equal(t, 3, item.CompletionTokens)
		assert.NotNil(t, item.CompletedAt)
	}

	// Queue state is fully drained.
	keys, err := h.queue.GetOldestResources(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestConsumerBatchCapacityOverrideReachesGate(t *testing.T) {
	var gotCapacity []types.Capacity
	var gotCorrelation string
	completer := &stubCompleter{fn: func(_ int, req *types.CompletionRequest, opts *completion.CompleteOptions) (*types.CompletionResponse, error) {
		gotCapacity = opts.ExtraCapacity
		gotCorrelation = req.VMX.CorrelationID
		if req.Stream {
			return nil, errors.New("batch requests must not stream")
		}
		return &types.CompletionResponse{Data: &types.CompletionData{}}, nil
	}}
	h := newConsumerHarness(t, completer, ConsumerConfig{})

	capacity := []types.Capacity{{Period: types.PeriodMinute, Requests: 5, Enabled: true}}
	items := batchItems("res-1", 1)
	items[0].Request.Stream = true
	batch := h.createBatch(t, CreateParams{Type: types.BatchTypeAsync, Capacity: capacity, Items: items})

	require.NoError(t, h.consumer.poll(context.Background()))
	h.waitForBatchStatus(t, batch.BatchID, types.BatchStatusCompleted)

	assert.Equal(t, capacity, gotCapacity)
	assert.Equal(t, batch.BatchID, gotCorrelation)
}

func TestConsumerFailedItemFailsBatch(t *testing.T) {
	completer := &stubCompleter{fn: func(int, *types.CompletionRequest, *completion.CompleteOptions) (*types.CompletionResponse, error) {
		return nil, types.NewCompletionError(types.ErrProviderError, "upstream exploded").WithStatusCode(502)
	}}
	h := newConsumerHarness(t, completer, ConsumerConfig{})
	batch := h.createBatch(t, CreateParams{Type: types.BatchTypeAsync, Items: batchItems("res-1", 1)})

	require.NoError(t, h.consumer.poll(context.Background()))
	final := h.waitForBatchStatus(t, batch.BatchID, types.BatchStatusFailed)

	assert.Equal(t, int64(1), final.Failed)
	assert.Zero(t, final.Pending)
	assert.Zero(t, final.Running)
	assert.Equal(t, "Batch failed", final.ErrorMessage)

	items, err := h.lifecycle.ListItems(context.Background(), "ws", "env", batch.BatchID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.BatchStatusFailed, items[0].Status)
	assert.Contains(t, items[0].ErrorMessage, "upstream exploded")
}

func TestConsumerRetryableFailureRequeuesAndSucceeds(t *testing.T) {
	completer := &stubCompleter{fn: func(call int, _ *types.CompletionRequest, _ *completion.CompleteOptions) (*types.CompletionResponse, error) {
		if call == 1 {
			return nil, types.NewCompletionError(types.ErrCapacityExhausted, "window full").
				WithStatusCode(http.StatusTooManyRequests).WithRetryable(true)
		}
		return &types.CompletionResponse{Data: &types.CompletionData{
			Usage: &types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		}}, nil
	}}
	h := newConsumerHarness(t, completer, ConsumerConfig{})
	batch := h.createBatch(t, CreateParams{Type: types.BatchTypeAsync, Items: batchItems("res-1", 1)})

	ctx := context.Background()
	require.NoError(t, h.consumer.poll(ctx))
	testutil.WaitFor(t, func() bool { return h.completer.callCount() == 1 }, 5*time.Second)

	// The retry went back onto the queue with zero delay.
	testutil.WaitFor(t, func() bool {
		keys, err := h.queue.GetOldestResources(ctx, 10)
		return err == nil && len(keys) == 1
	}, 5*time.Second)

	require.NoError(t, h.consumer.poll(ctx))
	final := h.waitForBatchStatus(t, batch.BatchID, types.BatchStatusCompleted)

	assert.Equal(t, int64(1), final.Completed)
	assert.Zero(t, final.Failed)
	assert.Equal(t, 2, h.completer.callCount())

	items, err := h.lifecycle.ListItems(ctx, "ws", "env", batch.BatchID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.BatchStatusCompleted, items[0].Status)
	assert.Equal(t, 1, items[0].RetryCount)
}

func TestConsumerDropsItemsOfCancelledBatch(t *testing.T) {
	h := newConsumerHarness(t, successCompleter(1, 1), ConsumerConfig{})
	batch := h.createBatch(t, CreateParams{Type: types.BatchTypeAsync, Items: batchItems("res-1", 1)})

	// Another node cancelled the batch after the item was enqueued.
	ctx := context.Background()
	require.NoError(t, h.store.Batches.UpdateBatchStatus(ctx, "ws", "env", batch.BatchID, types.BatchStatusCancelled, "cancelled"))

	require.NoError(t, h.consumer.poll(ctx))
	testutil.WaitFor(t, func() bool { return h.consumer.InFlight() == 0 }, 5*time.Second)

	assert.Zero(t, h.completer.callCount())
	keys, err := h.queue.GetOldestResources(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, keys, "dropped items leave the queue")
}

func TestConsumerConcurrencyCeilingAndFairShare(t *testing.T) {
	block := make(chan struct{})
	completer := &stubCompleter{fn: func(int, *types.CompletionRequest, *completion.CompleteOptions) (*types.CompletionResponse, error) {
		<-block
		return &types.CompletionResponse{Data: &types.CompletionData{}}, nil
	}}
	h := newConsumerHarness(t, completer, ConsumerConfig{MaxConcurrentTasks: 4})

	first := h.createBatch(t, CreateParams{Type: types.BatchTypeAsync, Items: batchItems("res-a", 5)})
	time.Sleep(5 * time.Millisecond)
	second := h.createBatch(t, CreateParams{Type: types.BatchTypeAsync, Items: batchItems("res-b", 5)})

	ctx := context.Background()
	require.NoError(t, h.consumer.poll(ctx))

	// Four slots over two resources: two items each.
	assert.Equal(t, 4, h.consumer.InFlight())
	depthA, err := h.queue.QueueDepth(ctx, types.ResourceKey("ws", "env", first.BatchID, "res-a"))
	require.NoError(t, err)
	depthB, err := h.queue.QueueDepth(ctx, types.ResourceKey("ws", "env", second.BatchID, "res-b"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), depthA)
	assert.Equal(t, int64(3), depthB)

	// At the ceiling another poll retrieves nothing.
	require.NoError(t, h.consumer.poll(ctx))
	assert.Equal(t, 4, h.consumer.InFlight())

	close(block)
	testutil.WaitFor(t, func() bool { return h.consumer.InFlight() == 0 }, 5*time.Second)
}

func TestConsumerSkipsLockedResources(t *testing.T) {
	h := newConsumerHarness(t, successCompleter(1, 1), ConsumerConfig{})
	batch := h.createBatch(t, CreateParams{Type: types.BatchTypeAsync, Items: batchItems("res-1", 1)})

	ctx := context.Background()
	key := types.ResourceKey("ws", "env", batch.BatchID, "res-1")
	locked, err := h.queue.LockResource(ctx, key)
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, h.consumer.poll(ctx))
	assert.Zero(t, h.completer.callCount(), "locked resource is skipped")

	require.NoError(t, h.queue.UnlockResource(ctx, key))
	require.NoError(t, h.consumer.poll(ctx))
	h.waitForBatchStatus(t, batch.BatchID, types.BatchStatusCompleted)
}

func TestConsumerCallbackDelivery(t *testing.T) {
	var mu sync.Mutex
	var received []callbackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload callbackPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newConsumerHarness(t, successCompleter(2, 2), ConsumerConfig{})
	batch := h.createBatch(t, CreateParams{
		Type: types.BatchTypeCallback,
		CallbackOptions: &types.CallbackOptions{
			URL:    srv.URL,
			Events: []types.CallbackEvent{types.CallbackEventAll},
		},
		Items: batchItems("res-1", 1),
	})

	require.NoError(t, h.consumer.poll(context.Background()))
	h.waitForBatchStatus(t, batch.BatchID, types.BatchStatusCompleted)

	testutil.WaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, types.CallbackEventItemUpdate, received[0].Event)
	assert.Equal(t, types.CallbackEventBatchUpdate, received[1].Event)
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	h := newConsumerHarness(t, successCompleter(1, 1), ConsumerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.consumer.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}

func TestCloneForBatch(t *testing.T) {
	req := &types.CompletionRequest{
		Stream:   true,
		Messages: []types.Message{{Role: "user", Content: "hi"}},
		VMX:      &types.GatewayOptions{CorrelationID: "caller-set"},
	}

	clone := cloneForBatch(req, "batch-42")
	assert.False(t, clone.Stream)
	assert.Equal(t, "batch-42", clone.VMX.CorrelationID)

	// The original request is untouched.
	assert.True(t, req.Stream)
	assert.Equal(t, "caller-set", req.VMX.CorrelationID)
}
