package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vmx-ai/vmx/completion"
	"github.com/vmx-ai/vmx/events"
	"github.com/vmx-ai/vmx/types"
)

// Completer executes one completion request. Satisfied by
// *completion.Service; tests substitute a scripted implementation.
type Completer interface {
	Complete(ctx context.Context, workspaceID, environmentID, resourceID string, req *types.CompletionRequest, opts *completion.CompleteOptions) (*types.CompletionResponse, error)
}

// ConsumerConfig tunes the drain loop.
type ConsumerConfig struct {
	// MaxConcurrentTasks is the hard ceiling on in-flight items.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	// ResourcesPerPoll caps how many resources one poll fans out over.
	ResourcesPerPoll int `yaml:"resources_per_poll" json:"resources_per_poll"`
	// PollInterval is the pause between polls and the error backoff.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// DefaultConsumerConfig returns the default consumer configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MaxConcurrentTasks: 1000,
		ResourcesPerPoll:   10,
		PollInterval:       time.Second,
	}
}

// Consumer drains the batch queue. One loop runs per process; processes
// coordinate through the queue's retrieval locks, which only protect
// item retrieval, never processing. Work is spread fairly across the
// fetched resources: each gets floor(remaining/resources) slots and the
// oldest resource takes the remainder.
type Consumer struct {
	queue     *Queue
	lifecycle *Lifecycle
	completer Completer
	callbacks *CallbackSender
	metrics   *events.Collector
	config    ConsumerConfig
	logger    *zap.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewConsumer creates the batch consumer.
func NewConsumer(queue *Queue, lifecycle *Lifecycle, completer Completer, callbacks *CallbackSender, metrics *events.Collector, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultConsumerConfig().MaxConcurrentTasks
	}
	if cfg.ResourcesPerPoll <= 0 {
		cfg.ResourcesPerPoll = DefaultConsumerConfig().ResourcesPerPoll
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConsumerConfig().PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if callbacks == nil {
		callbacks = NewCallbackSender(logger)
	}
	return &Consumer{
		queue:     queue,
		lifecycle: lifecycle,
		completer: completer,
		callbacks: callbacks,
		metrics:   metrics,
		config:    cfg,
		logger:    logger.With(zap.String("component", "batch_consumer")),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		inFlight:  make(map[string]struct{}),
	}
}

// Run drives the drain loop until the context is cancelled. Loop body
// errors are logged and retried after a short backoff; the loop itself
// never gives up.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("starting batch consumer loop")
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("batch consumer stopping")
			return err
		}
		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("batch poll failed", zap.Error(err))
			c.sleep(ctx, c.config.PollInterval)
		}
	}
}

// InFlight reports the number of items currently being processed.
func (c *Consumer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

func (c *Consumer) poll(ctx context.Context) error {
	inFlight := c.InFlight()
	if c.metrics != nil {
		c.metrics.SetInFlight(inFlight)
	}
	if inFlight >= c.config.MaxConcurrentTasks {
		c.logger.Debug("concurrency ceiling reached, waiting")
		c.sleep(ctx, c.config.PollInterval)
		return nil
	}
	remaining := c.config.MaxConcurrentTasks - inFlight

	limit := remaining
	if limit > c.config.ResourcesPerPoll {
		limit = c.config.ResourcesPerPoll
	}
	resources, err := c.queue.GetOldestResources(ctx, limit)
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		return c.queue.WaitForNewResources(ctx)
	}

	slotsPerResource := remaining / len(resources)
	remainderSlots := remaining % len(resources)

	for i, resourceKey := range resources {
		locked, err := c.queue.LockResource(ctx, resourceKey)
		if err != nil {
			return err
		}
		if !locked {
			c.logger.Debug("resource locked elsewhere, skipping", zap.String("resource", resourceKey))
			continue
		}

		// The oldest resource absorbs the division remainder.
		retrieveCount := slotsPerResource
		if i == 0 {
			retrieveCount += remainderSlots
		}

		items, err := c.queue.RetrieveItems(ctx, resourceKey, retrieveCount)
		unlockErr := c.queue.UnlockResource(ctx, resourceKey)
		if err != nil {
			return err
		}
		if unlockErr != nil {
			c.logger.Warn("failed to unlock resource", zap.String("resource", resourceKey), zap.Error(unlockErr))
		}
		if len(items) == 0 {
			continue
		}

		if err := c.queue.UpdateActiveResourceTimestamp(ctx, resourceKey); err != nil {
			c.logger.Warn("failed to refresh resource timestamp", zap.String("resource", resourceKey), zap.Error(err))
		}

		for _, item := range items {
			if err := c.dispatch(ctx, item); err != nil {
				return err
			}
		}
	}

	c.sleep(ctx, c.config.PollInterval)
	return nil
}

// dispatch tracks the item and runs it on its own goroutine under the
// concurrency semaphore.
func (c *Consumer) dispatch(ctx context.Context, item *types.QueueItem) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.mu.Lock()
	c.inFlight[item.Payload.ItemID] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, item.Payload.ItemID)
			c.mu.Unlock()
			c.sem.Release(1)
		}()
		c.processItem(ctx, item)
	}()
	return nil
}

// processItem runs one queue item end to end and settles its terminal
// state: completed, failed, or requeued for retry.
func (c *Consumer) processItem(ctx context.Context, item *types.QueueItem) {
	p := item.Payload
	logger := c.logger.With(
		zap.String("batch_id", p.BatchID),
		zap.String("item_id", p.ItemID))
	startAt := time.Now()

	batch, err := c.lifecycle.GetByID(ctx, p.WorkspaceID, p.EnvironmentID, p.BatchID)
	if err != nil {
		logger.Error("failed to load batch for item", zap.Error(err))
		return
	}
	if batch.Status == types.BatchStatusCancelled {
		logger.Info("batch cancelled, dropping item")
		if _, err := c.queue.DeleteItem(ctx, item); err != nil {
			logger.Warn("failed to delete cancelled item", zap.Error(err))
		}
		return
	}

	if item.Metadata.RetryCount == 0 {
		if err := c.lifecycle.IncrementCounters(ctx, p.WorkspaceID, p.EnvironmentID, p.BatchID,
			types.BatchCounters{Pending: -1, Running: 1}); err != nil {
			logger.Error("failed to move item counters to running", zap.Error(err))
			return
		}
		if batch.Status == types.BatchStatusPending {
			if err := c.lifecycle.store.Batches.UpdateBatchStatus(ctx, p.WorkspaceID, p.EnvironmentID, p.BatchID, types.BatchStatusRunning, ""); err != nil {
				logger.Warn("failed to mark batch running", zap.Error(err))
			}
		}
	}

	p.Status = types.BatchStatusRunning
	p.RetryCount = item.Metadata.RetryCount
	p.ErrorMessage = ""
	if _, err := c.lifecycle.store.Batches.UpdateItem(ctx, p); err != nil {
		logger.Error("failed to mark item running", zap.Error(err))
	}

	req := cloneForBatch(p.Request, p.BatchID)
	resp, err := c.completer.Complete(ctx, p.WorkspaceID, p.EnvironmentID, p.ResourceID, req,
		&completion.CompleteOptions{ExtraCapacity: batch.Capacity})
	if err != nil {
		c.handleItemFailure(ctx, item, batch, err, startAt, logger)
		return
	}

	now := time.Now()
	p.Status = types.BatchStatusCompleted
	p.Response = resp.Data
	p.CompletedAt = &now
	if resp.Data != nil && resp.Data.Usage != nil {
		p.PromptTokens = resp.Data.Usage.PromptTokens
		p.CompletionTokens = resp.Data.Usage.CompletionTokens
		p.TotalTokens = resp.Data.Usage.TotalTokens
	}
	if _, err := c.lifecycle.store.Batches.UpdateItem(ctx, p); err != nil {
		logger.Error("failed to persist completed item", zap.Error(err))
	}

	deltas := types.BatchCounters{Running: -1, Completed: 1}
	if resp.Data != nil && resp.Data.Usage != nil {
		deltas.TotalPromptTokens = int64(resp.Data.Usage.PromptTokens)
		deltas.TotalCompletionTokens = int64(resp.Data.Usage.CompletionTokens)
	}

	if c.metrics != nil {
		c.metrics.RecordBatchItem(string(types.BatchStatusCompleted), time.Since(startAt))
	}
	c.finishItem(ctx, item, batch, deltas, logger)
}

// handleItemFailure retries retryable errors with the provider's delay,
// otherwise settles the item as failed.
func (c *Consumer) handleItemFailure(ctx context.Context, item *types.QueueItem, batch *types.CompletionBatch, cause error, startAt time.Time, logger *zap.Logger) {
	p := item.Payload
	now := time.Now()
	p.Status = types.BatchStatusFailed
	p.ErrorMessage = cause.Error()
	p.CompletedAt = &now
	if _, err := c.lifecycle.store.Batches.UpdateItem(ctx, p); err != nil {
		logger.Error("failed to persist failed item", zap.Error(err))
	}

	if ce, ok := types.AsCompletionError(cause); ok && ce.Retryable {
		logger.Info("retryable item failure, requeueing",
			zap.Int("retry_count", item.Metadata.RetryCount+1),
			zap.Duration("delay", ce.RetryDelay))
		if err := c.queue.Requeue(ctx, item, ce.RetryDelay); err != nil {
			logger.Error("failed to requeue item", zap.Error(err))
		}
		return
	}

	logger.Warn("item failed", zap.Error(cause))
	if c.metrics != nil {
		c.metrics.RecordBatchItem(string(types.BatchStatusFailed), time.Since(startAt))
	}
	c.finishItem(ctx, item, batch, types.BatchCounters{Running: -1, Failed: 1}, logger)
}

// finishItem applies the terminal counter deltas, removes the item from
// the queue, fires the item callback and completes the batch when this
// was the last item.
func (c *Consumer) finishItem(ctx context.Context, item *types.QueueItem, batch *types.CompletionBatch, deltas types.BatchCounters, logger *zap.Logger) {
	p := item.Payload
	if err := c.lifecycle.IncrementCounters(ctx, p.WorkspaceID, p.EnvironmentID, p.BatchID, deltas); err != nil {
		logger.Error("failed to apply terminal counters", zap.Error(err))
	}

	if batch.Type == types.BatchTypeCallback {
		c.callbacks.Send(ctx, batch.CallbackOptions, types.CallbackEventItemUpdate, p)
	}

	batchDone, err := c.queue.DeleteItem(ctx, item)
	if err != nil {
		logger.Error("failed to delete finished item", zap.Error(err))
		return
	}
	if batchDone {
		c.completeBatch(ctx, p.WorkspaceID, p.EnvironmentID, p.BatchID, batch.Type, batch.CallbackOptions, logger)
	}
}

// completeBatch settles the batch's terminal status: failed when any
// item failed, completed otherwise.
func (c *Consumer) completeBatch(ctx context.Context, workspaceID, environmentID, batchID string, batchType types.BatchType, callbackOpts *types.CallbackOptions, logger *zap.Logger) {
	batch, err := c.lifecycle.GetByID(ctx, workspaceID, environmentID, batchID)
	if err != nil {
		logger.Error("failed to load batch for completion", zap.Error(err))
		return
	}

	status := types.BatchStatusCompleted
	errorMessage := ""
	if batch.Failed > 0 {
		status = types.BatchStatusFailed
		errorMessage = "Batch failed"
	}
	if err := c.lifecycle.store.Batches.UpdateBatchStatus(ctx, workspaceID, environmentID, batchID, status, errorMessage); err != nil {
		logger.Error("failed to settle batch status", zap.Error(err))
		return
	}
	logger.Info("batch completed", zap.String("status", string(status)))

	if batchType == types.BatchTypeCallback {
		final, err := c.lifecycle.GetByID(ctx, workspaceID, environmentID, batchID)
		if err != nil {
			logger.Warn("failed to reload batch for callback", zap.Error(err))
			return
		}
		c.callbacks.Send(ctx, callbackOpts, types.CallbackEventBatchUpdate, final)
	}
}

// cloneForBatch copies the request with streaming off and the batch ID
// as correlation ID.
func cloneForBatch(req *types.CompletionRequest, batchID string) *types.CompletionRequest {
	clone := *req
	clone.Stream = false
	vmx := types.GatewayOptions{CorrelationID: batchID}
	if req.VMX != nil {
		vmx = *req.VMX
		vmx.CorrelationID = batchID
	}
	clone.VMX = &vmx
	return &clone
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
