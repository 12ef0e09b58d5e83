package pool

import (
	"testing"
	"time"

	"claude-relay-go/internal/relayerr"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, size int) *Manager {
	t.Helper()
	m := NewManager(size, time.Minute)
	t.Cleanup(func() { m.Destroy(time.Second) })
	return m
}

func TestGetConnectionRoundRobin(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 3)

	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		c, err := m.GetConnection("acct-1", "")
		require.NoError(t, err)
		require.True(t, c.Healthy())
		seen[c.ID] = true
	}
	require.Len(t, seen, 3)

	// The cycle repeats over the same warm connections.
	c, err := m.GetConnection("acct-1", "")
	require.NoError(t, err)
	require.True(t, seen[c.ID])
}

func TestPoolsAreIndependentPerAccount(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 1)

	a, err := m.GetConnection("acct-a", "")
	require.NoError(t, err)
	b, err := m.GetConnection("acct-b", "")
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
}

func TestBrokenConnectionSkipped(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 2)

	first, err := m.GetConnection("acct-1", "")
	require.NoError(t, err)
	m.ReportBroken("acct-1", first.ID, first.Generation())
	require.False(t, first.Healthy())

	for i := 0; i < 4; i++ {
		c, err := m.GetConnection("acct-1", "")
		require.NoError(t, err)
		require.NotEqual(t, first.ID, c.ID)
	}
}

func TestStaleGenerationReportIgnored(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 1)

	c, err := m.GetConnection("acct-1", "")
	require.NoError(t, err)

	m.ReportBroken("acct-1", c.ID, c.Generation()+1)
	require.True(t, c.Healthy())
}

func TestAllBrokenDegradesPool(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 1)

	c, err := m.GetConnection("acct-1", "")
	require.NoError(t, err)
	m.ReportBroken("acct-1", c.ID, c.Generation())

	_, err = m.GetConnection("acct-1", "")
	require.Equal(t, relayerr.CodePoolDegraded, relayerr.CodeOf(err))
}

func TestRebuildRestoresConnection(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 1)

	c, err := m.GetConnection("acct-1", "")
	require.NoError(t, err)
	gen := c.Generation()
	m.ReportBroken("acct-1", c.ID, gen)

	require.Eventually(t, func() bool {
		return c.Healthy() && c.Generation() == gen+1
	}, 5*time.Second, 50*time.Millisecond)

	got, err := m.GetConnection("acct-1", "")
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
}

func TestClientReadableDuringRebuild(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 1)

	c, err := m.GetConnection("acct-1", "")
	require.NoError(t, err)
	gen := c.Generation()

	// A holder keeps reading the client while the rebuild goroutine swaps
	// it; the atomic swap must hand back either incarnation, never nil.
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
				require.NotNil(t, c.HTTPClient())
			}
		}
	}()

	m.ReportBroken("acct-1", c.ID, gen)
	require.Eventually(t, func() bool {
		return c.Healthy() && c.Generation() == gen+1
	}, 5*time.Second, 50*time.Millisecond)

	close(stop)
	<-readerDone
	require.NotNil(t, c.HTTPClient())
}

func TestBrokenEventEmitted(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 1)

	c, err := m.GetConnection("acct-1", "")
	require.NoError(t, err)

	// Drain the warm-up events first.
	drainEvents(m)
	m.ReportBroken("acct-1", c.ID, c.Generation())

	select {
	case ev := <-m.Events():
		require.Equal(t, EventConnBroken, ev.Type)
		require.Equal(t, "acct-1", ev.AccountID)
		require.Equal(t, c.ID, ev.ConnID)
	case <-time.After(time.Second):
		t.Fatal("no broken event")
	}
}

func TestProxyChangeRebuildsPool(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 1)

	before, err := m.GetConnection("acct-1", "")
	require.NoError(t, err)
	after, err := m.GetConnection("acct-1", "http://127.0.0.1:1080")
	require.NoError(t, err)
	require.NotEqual(t, before.ID, after.ID)
}

func TestDropAccount(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 1)

	before, err := m.GetConnection("acct-1", "")
	require.NoError(t, err)
	m.DropAccount("acct-1")
	require.False(t, before.Healthy())

	after, err := m.GetConnection("acct-1", "")
	require.NoError(t, err)
	require.NotEqual(t, before.ID, after.ID)
}

func drainEvents(m *Manager) {
	for {
		select {
		case <-m.Events():
		default:
			return
		}
	}
}
