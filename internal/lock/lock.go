// Package lock implements the distributed mutex used to serialize token
// refresh per (platform, account).
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"claude-relay-go/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Coordinator acquires and releases KV-backed locks. Owner tokens are held
// in memory keyed by lock key; release is a compare-and-delete so a stale
// holder can never free a lock it lost to TTL takeover.
type Coordinator struct {
	store *store.Store

	mu     sync.Mutex
	owners map[string]string
}

// NewCoordinator creates a Coordinator over the given store.
func NewCoordinator(s *store.Store) *Coordinator {
	return &Coordinator{store: s, owners: make(map[string]string)}
}

// RefreshLockKey renders the lock key for a platform/account pair.
// Platforms are independent: claude and gemini locks for one account coexist.
func RefreshLockKey(platform, accountID string) string {
	return store.KeyRefreshLock + platform + ":" + accountID
}

// Acquire tries to take the lock with the given TTL. Returns true when this
// coordinator now owns it. An already-held lock (any holder) yields false
// without error.
func (c *Coordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("lock key is required")
	}
	token := uuid.NewString()
	ok, err := c.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	c.mu.Lock()
	c.owners[key] = token
	c.mu.Unlock()
	log.WithFields(log.Fields{"lock": key, "ttl": ttl.String()}).Debug("lock_acquired")
	return true, nil
}

// Release frees the lock if we still own it. A mismatched or missing owner
// token is a no-op: the lock has been taken over after TTL expiry.
func (c *Coordinator) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	token, ok := c.owners[key]
	delete(c.owners, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	deleted, err := c.store.CompareAndDelete(ctx, key, token)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if !deleted {
		log.WithField("lock", key).Warn("lock_release_owner_mismatch")
	}
	return nil
}

// IsLocked reports whether any holder currently owns the lock.
func (c *Coordinator) IsLocked(ctx context.Context, key string) (bool, error) {
	return c.store.Exists(ctx, key)
}

// TTL returns the remaining lifetime of the lock.
func (c *Coordinator) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.store.TTL(ctx, key)
}

// Cleanup drops all in-memory owner records. Locks held in the KV store
// expire on their own TTLs.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	c.owners = make(map[string]string)
	c.mu.Unlock()
}
