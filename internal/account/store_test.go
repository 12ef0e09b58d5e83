package account

import (
	"context"
	"testing"
	"time"

	"claude-relay-go/internal/crypto"
	"claude-relay-go/internal/store"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, sealer *crypto.Sealer) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	kv := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(kv, sealer)
}

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)
	ctx := context.Background()

	a := &Account{
		Name:         "primary",
		Type:         TypeClaudeOfficial,
		Active:       true,
		Schedulable:  true,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Millisecond),
	}
	require.NoError(t, s.Create(ctx, a))
	require.NotEmpty(t, a.ID)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "primary", got.Name)
	require.Equal(t, StatusReady, got.Status)
	require.Equal(t, "access-1", got.AccessToken)
	require.Equal(t, "refresh-1", got.RefreshToken)
	require.True(t, got.Active)
	require.Equal(t, "claude", got.Platform())
}

func TestTokensSealedAtRest(t *testing.T) {
	t.Parallel()
	sealer := crypto.NewSealer("enc-key", "enc-salt")
	s := newTestStore(t, sealer)
	ctx := context.Background()

	a := &Account{Name: "sealed", Type: TypeClaudeOfficial, Active: true, Schedulable: true, AccessToken: "secret-token"}
	require.NoError(t, s.Create(ctx, a))

	raw, err := s.kv.HGet(ctx, accountKey(a.ID), "accessToken")
	require.NoError(t, err)
	require.NotEqual(t, "secret-token", raw)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "secret-token", got.AccessToken)
}

func TestGetMissingAccount(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)
	_, err := s.Get(context.Background(), "nope")
	var nf *store.ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func TestListSkipsCounterKeys(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)
	ctx := context.Background()

	a := &Account{Name: "a", Type: TypeClaudeOfficial, Active: true, Schedulable: true}
	require.NoError(t, s.Create(ctx, a))
	// A counter sub-key must not surface as an account.
	require.NoError(t, s.kv.Set(ctx, store.KeyAccountPrefix+a.ID+":401_errors", "2", 0))

	accounts, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, a.ID, accounts[0].ID)
}

func TestStoreTokens(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)
	ctx := context.Background()

	a := &Account{Name: "a", Type: TypeClaudeOfficial, Active: true, Schedulable: true}
	require.NoError(t, s.Create(ctx, a))

	expires := time.Now().Add(8 * time.Hour)
	require.NoError(t, s.StoreTokens(ctx, a.ID, "new-access", "new-refresh", expires))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "new-access", got.AccessToken)
	require.Equal(t, "new-refresh", got.RefreshToken)
	require.WithinDuration(t, expires, got.ExpiresAt, time.Second)
}

func TestSelectable(t *testing.T) {
	t.Parallel()
	now := time.Now()

	ready := &Account{Active: true, Schedulable: true, Status: StatusReady}
	require.True(t, ready.Selectable(now))

	inactive := &Account{Active: false, Schedulable: true, Status: StatusReady}
	require.False(t, inactive.Selectable(now))

	blocked := &Account{Active: true, Schedulable: true, Status: StatusBlocked}
	require.False(t, blocked.Selectable(now))

	limitedFuture := &Account{Active: true, Schedulable: true, Status: StatusRateLimited, RateLimitResetAt: now.Add(time.Hour)}
	require.False(t, limitedFuture.Selectable(now))

	limitedPast := &Account{Active: true, Schedulable: true, Status: StatusRateLimited, RateLimitResetAt: now.Add(-time.Hour)}
	require.True(t, limitedPast.Selectable(now))
}

func TestCapturedHeaders(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, nil)
	ctx := context.Background()

	a := &Account{Name: "a", Type: TypeClaudeOfficial, Active: true, Schedulable: true}
	require.NoError(t, s.Create(ctx, a))

	headers, err := s.CapturedHeaders(ctx, a.ID)
	require.NoError(t, err)
	require.Nil(t, headers)

	want := map[string]string{"x-app": "cli", "anthropic-beta": "claude-code-20250219"}
	require.NoError(t, s.SaveCapturedHeaders(ctx, a.ID, want))

	headers, err = s.CapturedHeaders(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, want, headers)
}
