package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"claude-relay-go/internal/account"
	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/lock"
	"claude-relay-go/internal/relayerr"
	"claude-relay-go/internal/store"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testDeps struct {
	kv       *store.Store
	accounts *account.Store
	locks    *lock.Coordinator
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	kv := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })
	return &testDeps{kv: kv, accounts: account.NewStore(kv, nil), locks: lock.NewCoordinator(kv)}
}

func fakeTokenEndpoint(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "refresh_token", body["grant_type"])
		require.NotEmpty(t, body["refresh_token"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnsureFreshSkipsValidToken(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	ctx := context.Background()

	var calls atomic.Int64
	srv := fakeTokenEndpoint(t, &calls)

	a := &account.Account{
		Name: "fresh", Type: account.TypeClaudeOfficial, Active: true, Schedulable: true,
		AccessToken: "still-good", RefreshToken: "rt",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, deps.accounts.Create(ctx, a))

	r := NewRefresher(deps.accounts, deps.locks, nil, WithClaudeTokenURL(srv.URL))
	tok, err := r.EnsureFresh(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "still-good", tok)
	require.Zero(t, calls.Load())
}

func TestEnsureFreshRefreshesNearExpiry(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	ctx := context.Background()

	var calls atomic.Int64
	srv := fakeTokenEndpoint(t, &calls)

	a := &account.Account{
		Name: "stale", Type: account.TypeClaudeOfficial, Active: true, Schedulable: true,
		AccessToken: "nearly-dead", RefreshToken: "rt",
		ExpiresAt: time.Now().Add(10 * time.Second),
	}
	require.NoError(t, deps.accounts.Create(ctx, a))

	r := NewRefresher(deps.accounts, deps.locks, nil, WithClaudeTokenURL(srv.URL))
	tok, err := r.EnsureFresh(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "fresh-access", tok)
	require.Equal(t, int64(1), calls.Load())

	got, err := deps.accounts.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "fresh-access", got.AccessToken)
	require.Equal(t, "fresh-refresh", got.RefreshToken)
	require.WithinDuration(t, time.Now().Add(time.Hour), got.ExpiresAt, time.Minute)
}

func TestEnsureFreshLockContention(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	ctx := context.Background()

	var calls atomic.Int64
	srv := fakeTokenEndpoint(t, &calls)

	a := &account.Account{
		Name: "contended", Type: account.TypeClaudeOfficial, Active: true, Schedulable: true,
		AccessToken: "nearly-dead", RefreshToken: "rt",
		ExpiresAt: time.Now().Add(time.Second),
	}
	require.NoError(t, deps.accounts.Create(ctx, a))

	// Another node holds the refresh lock.
	other := lock.NewCoordinator(deps.kv)
	held, err := other.Acquire(ctx, lock.RefreshLockKey("claude", a.ID), constants.TokenRefreshLockTTL)
	require.NoError(t, err)
	require.True(t, held)

	r := NewRefresher(deps.accounts, deps.locks, nil, WithClaudeTokenURL(srv.URL))
	_, err = r.EnsureFresh(ctx, a.ID)
	require.Equal(t, relayerr.CodeLockContended, relayerr.CodeOf(err))
	require.Zero(t, calls.Load())

	// If the holder finished in the meantime, the contender serves the
	// stored token instead of failing.
	require.NoError(t, deps.accounts.StoreTokens(ctx, a.ID, "holder-refreshed", "rt2", time.Now().Add(time.Hour)))
	tok, err := r.EnsureFresh(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "holder-refreshed", tok)
	require.Zero(t, calls.Load())
}

func TestRefreshFailureSurfacesUpstreamError(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	a := &account.Account{
		Name: "broken", Type: account.TypeClaudeOfficial, Active: true, Schedulable: true,
		AccessToken: "dead", RefreshToken: "revoked",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, deps.accounts.Create(ctx, a))

	r := NewRefresher(deps.accounts, deps.locks, nil, WithClaudeTokenURL(srv.URL))
	_, err := r.EnsureFresh(ctx, a.ID)
	require.Equal(t, relayerr.CodeUpstreamUnauthorized, relayerr.CodeOf(err))

	// The lock is released even on failure.
	locked, err := deps.locks.IsLocked(ctx, lock.RefreshLockKey("claude", a.ID))
	require.NoError(t, err)
	require.False(t, locked)
}
