package usage

import (
	"context"
	"testing"
	"time"

	"claude-relay-go/internal/account"
	"claude-relay-go/internal/apikey"
	"claude-relay-go/internal/pricing"
	"claude-relay-go/internal/store"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.Store, *apikey.Service, *account.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	kv := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })

	keys := apikey.NewService(kv, pricing.NewTable(), "test-salt", "cr_")
	t.Cleanup(keys.Close)
	accounts := account.NewStore(kv, nil)
	return NewRecorder(keys, accounts), kv, keys, accounts
}

func TestRecordIncrementsKeyCounters(t *testing.T) {
	t.Parallel()
	rec, kv, keys, _ := newTestRecorder(t)
	ctx := context.Background()

	kd := &apikey.KeyData{Name: "tenant", Active: true}
	_, err := keys.CreateKey(ctx, kd)
	require.NoError(t, err)

	cost := rec.Record(ctx, Event{
		KeyID: kd.ID,
		Model: "claude-sonnet-4-20250514",
		Counts: pricing.TokenCounts{
			Input:       100,
			Output:      50,
			CacheCreate: 10,
			CacheRead:   25,
		},
	})
	require.Greater(t, cost, 0.0)

	totals, err := kv.HGetAll(ctx, store.KeyUsagePrefix+kd.ID+":total")
	require.NoError(t, err)
	require.Equal(t, "100", totals["inputTokens"])
	require.Equal(t, "50", totals["outputTokens"])
	require.Equal(t, "10", totals["cacheCreateTokens"])
	require.Equal(t, "25", totals["cacheReadTokens"])
	require.Equal(t, "1", totals["requests"])
}

func TestRecordTouchesAccount(t *testing.T) {
	t.Parallel()
	rec, _, keys, accounts := newTestRecorder(t)
	ctx := context.Background()

	kd := &apikey.KeyData{Name: "tenant", Active: true}
	_, err := keys.CreateKey(ctx, kd)
	require.NoError(t, err)

	a := &account.Account{Name: "upstream", Type: account.TypeClaudeOfficial, Active: true, Schedulable: true}
	require.NoError(t, accounts.Create(ctx, a))
	before := time.Now().Add(-time.Second)

	rec.Record(ctx, Event{
		KeyID:       kd.ID,
		AccountID:   a.ID,
		AccountType: a.Type,
		Model:       "claude-sonnet-4-20250514",
		Counts:      pricing.TokenCounts{Input: 1, Output: 1},
	})

	got, err := accounts.Get(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, got.LastUsedAt.After(before))
}

func TestRecordNeverFailsOnUnknownKey(t *testing.T) {
	t.Parallel()
	rec, _, _, _ := newTestRecorder(t)

	cost := rec.Record(context.Background(), Event{
		KeyID:  "missing",
		Model:  "claude-sonnet-4-20250514",
		Counts: pricing.TokenCounts{Input: 10},
	})
	require.Greater(t, cost, 0.0)
}
