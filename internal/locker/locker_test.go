package locker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client, ttl)
}

func TestTryLock(t *testing.T) {
	ctx := context.Background()
	_, lk := newTestLocker(t, time.Minute)

	ok, err := lk.TryLock(ctx, "jobs:r1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lk.TryLock(ctx, "jobs:r1")
	require.NoError(t, err)
	assert.False(t, ok, "second acquire on a held key must fail")

	ok, err = lk.TryLock(ctx, "jobs:r2")
	require.NoError(t, err)
	assert.True(t, ok, "different keys are independent")
}

func TestUnlockReleasesOwnLock(t *testing.T) {
	ctx := context.Background()
	_, lk := newTestLocker(t, time.Minute)

	ok, err := lk.TryLock(ctx, "jobs:r1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lk.Unlock(ctx, "jobs:r1"))

	ok, err = lk.TryLock(ctx, "jobs:r1")
	require.NoError(t, err)
	assert.True(t, ok, "lock should be acquirable again after unlock")
}

func TestUnlockIgnoresForeignLock(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := New(client, time.Minute)
	b := New(client, time.Minute)

	ok, err := a.TryLock(ctx, "jobs:r1")
	require.NoError(t, err)
	require.True(t, ok)

	// b never acquired the lock, so its unlock must not release a's.
	require.NoError(t, b.Unlock(ctx, "jobs:r1"))

	ok, err = b.TryLock(ctx, "jobs:r1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockExpires(t *testing.T) {
	ctx := context.Background()
	mr, lk := newTestLocker(t, 5*time.Second)

	ok, err := lk.TryLock(ctx, "jobs:r1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	ok, err = lk.TryLock(ctx, "jobs:r1")
	require.NoError(t, err)
	assert.True(t, ok, "expired lock should be acquirable")
}

func TestDefaultTTL(t *testing.T) {
	ctx := context.Background()
	mr, lk := newTestLocker(t, 0)

	ok, err := lk.TryLock(ctx, "jobs:r1")
	require.NoError(t, err)
	require.True(t, ok)

	ttl := mr.TTL("jobs:r1")
	assert.Equal(t, 30*time.Second, ttl)
}
