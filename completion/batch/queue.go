// Package batch implements the asynchronous completion batch subsystem:
// lifecycle, distributed redis queue and the bounded-concurrency consumer.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/internal/locker"
	"github.com/vmx-ai/vmx/types"
)

const (
	activeResourcesKey = "batch-queue:active-resources"
	wakeChannel        = "batch-queue:wake"

	itemsKeyPrefix      = "batch-queue:items:"
	processingKeyPrefix = "batch-queue:processing:"
	remainingKeyPrefix  = "batch-queue:remaining:"
	lockKeyPrefix       = "batch-queue:lock:"
)

// QueueConfig tunes the distributed batch queue.
type QueueConfig struct {
	// LockTTL bounds how long a resource retrieval lock can be held.
	LockTTL time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	// WakeTimeout caps a WaitForNewResources block so a missed publish
	// cannot stall the consumer.
	WakeTimeout time.Duration `yaml:"wake_timeout" json:"wake_timeout"`
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		LockTTL:     30 * time.Second,
		WakeTimeout: 5 * time.Second,
	}
}

// Queue is the distributed batch item queue. Ordering and locking work
// per resource key (workspace|environment|batch|resource): an active
// zset scored by enqueue time orders resources oldest first, each
// resource has a pending list and a processing set, and a per-batch
// remaining counter detects batch completion. A pubsub channel wakes
// idle consumers on new work.
type Queue struct {
	client *redis.Client
	locker *locker.Locker
	config QueueConfig
	logger *zap.Logger
}

// NewQueue creates the batch queue on the shared redis client.
func NewQueue(client *redis.Client, cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultQueueConfig().LockTTL
	}
	if cfg.WakeTimeout <= 0 {
		cfg.WakeTimeout = DefaultQueueConfig().WakeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client: client,
		locker: locker.New(client, cfg.LockTTL),
		config: cfg,
		logger: logger.With(zap.String("component", "batch_queue")),
	}
}

func batchKey(workspaceID, environmentID, batchID string) string {
	return workspaceID + "|" + environmentID + "|" + batchID
}

// Push enqueues items onto their resource lists, registers the resources
// in the active zset and wakes waiting consumers.
func (q *Queue) Push(ctx context.Context, items ...*types.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	now := float64(time.Now().UnixMilli())

	pipe := q.client.Pipeline()
	perBatch := make(map[string]int64)
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal queue item: %w", err)
		}
		key := item.ResourceKey()
		pipe.RPush(ctx, itemsKeyPrefix+key, data)
		pipe.ZAddNX(ctx, activeResourcesKey, redis.Z{Score: now, Member: key})
		p := item.Payload
		perBatch[batchKey(p.WorkspaceID, p.EnvironmentID, p.BatchID)]++
	}
	for bk, count := range perBatch {
		pipe.IncrBy(ctx, remainingKeyPrefix+bk, count)
	}
	pipe.Publish(ctx, wakeChannel, strconv.Itoa(len(items)))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push queue items: %w", err)
	}
	return nil
}

// GetOldestResources returns up to limit resource keys in ascending
// score order, skipping resources whose score lies in the future
// (delayed retries).
func (q *Queue) GetOldestResources(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys, err := q.client.ZRangeByScore(ctx, activeResourcesKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read active resources: %w", err)
	}
	return keys, nil
}

// LockResource takes the non-blocking retrieval lock for a resource.
func (q *Queue) LockResource(ctx context.Context, resourceKey string) (bool, error) {
	return q.locker.TryLock(ctx, lockKeyPrefix+resourceKey)
}

// UnlockResource releases the retrieval lock.
func (q *Queue) UnlockResource(ctx context.Context, resourceKey string) error {
	return q.locker.Unlock(ctx, lockKeyPrefix+resourceKey)
}

// RetrieveItems pops up to count items from the resource's pending list
// and marks them processing.
func (q *Queue) RetrieveItems(ctx context.Context, resourceKey string, count int) ([]*types.QueueItem, error) {
	if count <= 0 {
		return nil, nil
	}
	raw, err := q.client.LPopCount(ctx, itemsKeyPrefix+resourceKey, count).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop queue items: %w", err)
	}

	items := make([]*types.QueueItem, 0, len(raw))
	ids := make([]any, 0, len(raw))
	for _, data := range raw {
		item := &types.QueueItem{}
		if err := json.Unmarshal([]byte(data), item); err != nil {
			q.logger.Error("dropping malformed queue item", zap.Error(err))
			continue
		}
		items = append(items, item)
		ids = append(ids, item.Payload.ItemID)
	}
	if len(ids) > 0 {
		if err := q.client.SAdd(ctx, processingKeyPrefix+resourceKey, ids...).Err(); err != nil {
			return nil, fmt.Errorf("failed to mark items processing: %w", err)
		}
	}
	return items, nil
}

// UpdateActiveResourceTimestamp refreshes a resource's score to now so
// other resources get their turn first on the next poll.
func (q *Queue) UpdateActiveResourceTimestamp(ctx context.Context, resourceKey string) error {
	return q.client.ZAddXX(ctx, activeResourcesKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: resourceKey,
	}).Err()
}

// Requeue moves a retryable item back onto its pending list with the
// retry count bumped, delaying the resource's next turn by delay.
func (q *Queue) Requeue(ctx context.Context, item *types.QueueItem, delay time.Duration) error {
	key := item.ResourceKey()
	requeued := &types.QueueItem{
		Payload: item.Payload,
		Metadata: types.QueueItemMetadata{
			RetryCount: item.Metadata.RetryCount + 1,
			EnqueuedAt: time.Now().UnixMilli(),
		},
	}
	data, err := json.Marshal(requeued)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.SRem(ctx, processingKeyPrefix+key, item.Payload.ItemID)
	pipe.RPush(ctx, itemsKeyPrefix+key, data)
	pipe.ZAdd(ctx, activeResourcesKey, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: key,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue item: %w", err)
	}
	return nil
}

// DeleteItem removes a finished item from its processing set and
// decrements the batch remaining counter. Returns true when this was
// the batch's last item. Drained resources leave the active zset.
func (q *Queue) DeleteItem(ctx context.Context, item *types.QueueItem) (bool, error) {
	key := item.ResourceKey()
	p := item.Payload
	bk := batchKey(p.WorkspaceID, p.EnvironmentID, p.BatchID)

	pipe := q.client.Pipeline()
	pipe.SRem(ctx, processingKeyPrefix+key, p.ItemID)
	remaining := pipe.Decr(ctx, remainingKeyPrefix+bk)
	pending := pipe.LLen(ctx, itemsKeyPrefix+key)
	processing := pipe.SCard(ctx, processingKeyPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to delete queue item: %w", err)
	}

	if pending.Val() == 0 && processing.Val() == 0 {
		if err := q.client.ZRem(ctx, activeResourcesKey, key).Err(); err != nil {
			q.logger.Warn("failed to remove drained resource", zap.String("resource", key), zap.Error(err))
		}
	}

	if remaining.Val() <= 0 {
		if err := q.client.Del(ctx, remainingKeyPrefix+bk).Err(); err != nil {
			q.logger.Warn("failed to delete remaining counter", zap.String("batch", bk), zap.Error(err))
		}
		return true, nil
	}
	return false, nil
}

// PurgeBatch drops a cancelled batch's queue state: the pending lists
// and active entries of its resources and the remaining counter.
func (q *Queue) PurgeBatch(ctx context.Context, workspaceID, environmentID, batchID string, resourceIDs []string) error {
	pipe := q.client.Pipeline()
	for _, resourceID := range resourceIDs {
		key := types.ResourceKey(workspaceID, environmentID, batchID, resourceID)
		pipe.Del(ctx, itemsKeyPrefix+key)
		pipe.Del(ctx, processingKeyPrefix+key)
		pipe.ZRem(ctx, activeResourcesKey, key)
	}
	pipe.Del(ctx, remainingKeyPrefix+batchKey(workspaceID, environmentID, batchID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to purge batch queue state: %w", err)
	}
	return nil
}

// QueueDepth reports the pending list length for a resource key.
func (q *Queue) QueueDepth(ctx context.Context, resourceKey string) (int64, error) {
	return q.client.LLen(ctx, itemsKeyPrefix+resourceKey).Result()
}

// WaitForNewResources blocks until a wake signal arrives, the timeout
// elapses or the context is cancelled.
func (q *Queue) WaitForNewResources(ctx context.Context) error {
	sub := q.client.Subscribe(ctx, wakeChannel)
	defer sub.Close()

	timer := time.NewTimer(q.config.WakeTimeout)
	defer timer.Stop()

	select {
	case <-sub.Channel():
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
