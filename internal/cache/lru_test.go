package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetSetAndHitCounters(t *testing.T) {
	t.Parallel()
	c := NewLRU(10, time.Minute, 0)
	defer c.Close()

	_, ok := c.Get("a")
	require.False(t, ok)

	c.Set("a", 1, 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestExpiredEntriesNeverReturned(t *testing.T) {
	t.Parallel()
	c := NewLRU(10, time.Minute, 0)
	defer c.Close()

	c.Set("a", 1, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("a")
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestCapacityEviction(t *testing.T) {
	t.Parallel()
	c := NewLRU(3, time.Minute, 0)
	defer c.Close()

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("c", 3, 0)
	// Touch "a" so "b" becomes least recently used.
	_, _ = c.Get("a")
	c.Set("d", 4, 0)

	require.Equal(t, 3, c.Len())
	_, ok := c.Get("b")
	require.False(t, ok, "LRU entry should have been evicted")
	_, ok = c.Get("a")
	require.True(t, ok)
	require.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestClear(t *testing.T) {
	t.Parallel()
	c := NewLRU(10, time.Minute, 0)
	defer c.Close()

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Clear()
	require.Zero(t, c.Len())
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestSweepRemovesExpired(t *testing.T) {
	t.Parallel()
	c := NewLRU(10, time.Minute, 10*time.Millisecond)
	defer c.Close()

	c.Set("a", 1, 5*time.Millisecond)
	c.Set("b", 2, time.Minute)

	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := NewLRU(50, time.Minute, 0)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k-%d", j%60)
				c.Set(key, j, 0)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 50)
}
