package types

import (
	"fmt"
	"strings"
)

// QueueItemMetadata travels with a queued payload across requeues.
type QueueItemMetadata struct {
	RetryCount int   `json:"retry_count"`
	EnqueuedAt int64 `json:"enqueued_at"`
}

// QueueItem is the opaque envelope the batch queue stores: a batch item
// plus the resource key used for locking and ordering.
type QueueItem struct {
	Payload  *CompletionBatchItem `json:"payload"`
	Metadata QueueItemMetadata    `json:"metadata"`
}

// ResourceKey identifies the queue ordering/locking unit for an item:
// workspaceID|environmentID|batchID|resourceID.
func (q *QueueItem) ResourceKey() string {
	p := q.Payload
	return ResourceKey(p.WorkspaceID, p.EnvironmentID, p.BatchID, p.ResourceID)
}

// ResourceKey builds the composite queue key for a resource within a batch.
func ResourceKey(workspaceID, environmentID, batchID, resourceID string) string {
	return workspaceID + "|" + environmentID + "|" + batchID + "|" + resourceID
}

// ParseResourceKey splits a composite queue key into its parts.
func ParseResourceKey(key string) (workspaceID, environmentID, batchID, resourceID string, err error) {
	parts := strings.Split(key, "|")
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("malformed resource key %q", key)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}
