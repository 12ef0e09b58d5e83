package lock

import (
	"context"
	"testing"
	"time"

	"claude-relay-go/internal/store"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	s := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return NewCoordinator(s), s, mr
}

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	key := RefreshLockKey("claude", "acct-1")

	ok, err := c.Acquire(ctx, key, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Acquire(ctx, key, 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "second acquire must be rejected while held")

	locked, err := c.IsLocked(ctx, key)
	require.NoError(t, err)
	require.True(t, locked)
}

func TestReleaseFreesLock(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	key := RefreshLockKey("claude", "acct-2")

	ok, err := c.Acquire(ctx, key, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Release(ctx, key))
	locked, err := c.IsLocked(ctx, key)
	require.NoError(t, err)
	require.False(t, locked)

	ok, err = c.Acquire(ctx, key, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStaleReleaseIsNoOp(t *testing.T) {
	t.Parallel()
	c, s, mr := newTestCoordinator(t)
	ctx := context.Background()
	key := RefreshLockKey("claude", "acct-3")

	ok, err := c.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// TTL expires, another holder takes over.
	mr.FastForward(2 * time.Second)
	other := NewCoordinator(s)
	ok, err = other.Acquire(ctx, key, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Stale holder's release must not free the new holder's lock.
	require.NoError(t, c.Release(ctx, key))
	locked, err := c.IsLocked(ctx, key)
	require.NoError(t, err)
	require.True(t, locked)
}

func TestPlatformsAreIndependent(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	ok, err := c.Acquire(ctx, RefreshLockKey("claude", "acct-4"), 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Acquire(ctx, RefreshLockKey("gemini", "acct-4"), 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "locks for different platforms must coexist")
}

func TestCleanupDropsOwnerRecords(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	key := RefreshLockKey("claude", "acct-5")

	ok, err := c.Acquire(ctx, key, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	c.Cleanup()
	// Without an owner record, release is a no-op; lock expires via TTL.
	require.NoError(t, c.Release(ctx, key))
	locked, err := c.IsLocked(ctx, key)
	require.NoError(t, err)
	require.True(t, locked)
}
