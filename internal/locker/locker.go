// Package locker provides a TTL-based distributed try-lock on Redis.
// Locks auto-expire so a crashed holder cannot permanently starve a
// resource; unlocking verifies ownership before deleting.
package locker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock only when held by the caller.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// Locker acquires and releases named TTL locks.
type Locker struct {
	client *redis.Client
	ttl    time.Duration

	// owner distinguishes this process's locks from other workers'.
	owner string
}

// New creates a Locker with the given lock TTL.
func New(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{
		client: client,
		ttl:    ttl,
		owner:  uuid.New().String(),
	}
}

// TryLock attempts a non-blocking acquire. Returns false when another
// holder owns the lock.
func (l *Locker) TryLock(ctx context.Context, key string) (bool, error) {
	return l.client.SetNX(ctx, key, l.owner, l.ttl).Result()
}

// Unlock releases the lock when owned by this process. Releasing an
// expired or foreign lock is a no-op.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	return unlockScript.Run(ctx, l.client, []string{key}, l.owner).Err()
}
