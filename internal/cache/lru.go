// Package cache provides a bounded LRU with per-entry TTL, used for
// tenant-key validation results.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key          string
	value        interface{}
	createdAt    time.Time
	lastAccessed time.Time
	expiresAt    time.Time
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size      int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	HitRate   float64
}

// LRU is a fixed-capacity, TTL-bounded cache. All operations serialize
// through a single mutex so ordering and size invariants are never observed
// torn.
type LRU struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	items    map[string]*list.Element

	hits      uint64
	misses    uint64
	evictions uint64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLRU creates an LRU with the given capacity and default TTL and starts
// its expiry sweeper.
func NewLRU(capacity int, ttl, sweepInterval time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 100
	}
	c := &LRU{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		stop:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Get returns the cached value, or nil/false on a miss. Expired entries are
// removed and never returned.
func (c *LRU) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}
	e.lastAccessed = time.Now()
	c.order.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set inserts or replaces a value. ttl <= 0 falls back to the cache default.
func (c *LRU) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.lastAccessed = now
		e.expiresAt = now.Add(ttl)
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}
	el := c.order.PushFront(&entry{
		key:          key,
		value:        value,
		createdAt:    now,
		lastAccessed: now,
		expiresAt:    now.Add(ttl),
	})
	c.items[key] = el
}

// Delete removes one entry.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Clear drops every entry. Counters survive: hit rate is cumulative.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

// Len returns the current entry count.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats snapshots counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      c.order.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Close stops the sweeper.
func (c *LRU) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *LRU) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, e.key)
}

func (c *LRU) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *LRU) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*entry); now.After(e.expiresAt) {
			c.removeLocked(el)
		}
		el = prev
	}
}
