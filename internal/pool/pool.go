// Package pool maintains warmed upstream HTTP clients per account, with
// health tracking and backoff-driven reconnection.
package pool

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/relayerr"

	log "github.com/sirupsen/logrus"
)

// EventType labels pool lifecycle events.
type EventType string

const (
	EventConnReady     EventType = "conn_ready"
	EventConnBroken    EventType = "conn_broken"
	EventConnRebuilt   EventType = "conn_rebuilt"
	EventPoolDegraded  EventType = "pool_degraded"
	EventPoolDestroyed EventType = "pool_destroyed"
)

// Event is one pool lifecycle notification.
type Event struct {
	Type      EventType
	AccountID string
	ConnID    uint64
	At        time.Time
}

// Conn is one warmed upstream client. The generation changes on every
// rebuild so in-flight holders of a broken connection can detect staleness.
type Conn struct {
	ID uint64

	client     atomic.Pointer[http.Client]
	generation atomic.Uint64
	healthy    atomic.Bool
}

// HTTPClient returns the connection's current client. Rebuilds swap the
// client atomically, so holders may keep reading it while a rebuild runs.
func (c *Conn) HTTPClient() *http.Client { return c.client.Load() }

// Healthy reports whether the connection is currently usable.
func (c *Conn) Healthy() bool { return c.healthy.Load() }

// Generation identifies the connection's current incarnation.
func (c *Conn) Generation() uint64 { return c.generation.Load() }

// Manager owns one connection pool per account.
type Manager struct {
	mu    sync.Mutex
	pools map[string]*accountPool

	size         int
	proxyTimeout time.Duration
	events       chan Event
	nextConnID   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type accountPool struct {
	accountID string
	proxyURL  string
	conns     []*Conn
	next      atomic.Uint64
}

// NewManager creates a pool manager. Events not consumed are dropped, so a
// slow listener cannot stall reconnection.
func NewManager(size int, proxyTimeout time.Duration) *Manager {
	if size <= 0 {
		size = constants.PoolDefaultSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pools:        make(map[string]*accountPool),
		size:         size,
		proxyTimeout: proxyTimeout,
		events:       make(chan Event, 64),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Events exposes the lifecycle event stream.
func (m *Manager) Events() <-chan Event { return m.events }

// GetConnection returns a healthy warmed client for the account, creating
// the pool on first use. Round-robin spreads load across the pool.
func (m *Manager) GetConnection(accountID, proxyURL string) (*Conn, error) {
	m.mu.Lock()
	p, ok := m.pools[accountID]
	if ok && p.proxyURL != proxyURL {
		// Proxy change invalidates the pool wholesale.
		delete(m.pools, accountID)
		ok = false
	}
	if !ok {
		p = m.buildPool(accountID, proxyURL)
		m.pools[accountID] = p
	}
	m.mu.Unlock()

	n := len(p.conns)
	start := int(p.next.Add(1))
	for i := 0; i < n; i++ {
		c := p.conns[(start+i)%n]
		if c.Healthy() {
			return c, nil
		}
	}
	m.emit(Event{Type: EventPoolDegraded, AccountID: accountID, At: time.Now()})
	return nil, relayerr.New(relayerr.CodePoolDegraded, http.StatusServiceUnavailable,
		"no healthy upstream connection for account "+accountID)
}

// ReportBroken marks a connection unusable and starts its rebuild. Stale
// reports against an already-rebuilt generation are ignored.
func (m *Manager) ReportBroken(accountID string, connID, generation uint64) {
	m.mu.Lock()
	p := m.pools[accountID]
	m.mu.Unlock()
	if p == nil {
		return
	}
	for _, c := range p.conns {
		if c.ID != connID || c.Generation() != generation {
			continue
		}
		if !c.healthy.CompareAndSwap(true, false) {
			return
		}
		m.emit(Event{Type: EventConnBroken, AccountID: accountID, ConnID: connID, At: time.Now()})
		monitoring.PoolConnectionsActive.WithLabelValues(accountID).Dec()
		m.wg.Add(1)
		go m.rebuild(p, c)
		return
	}
}

// rebuild retries with exponential backoff until the connection is warm
// again or attempts are exhausted.
func (m *Manager) rebuild(p *accountPool, c *Conn) {
	defer m.wg.Done()
	delay := constants.PoolReconnectBaseDelay
	for attempt := 1; attempt <= constants.PoolReconnectAttempts; attempt++ {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}
		monitoring.PoolReconnectsTotal.WithLabelValues(p.accountID).Inc()

		client, err := m.newClient(p.proxyURL)
		if err == nil {
			c.client.Store(client)
			c.generation.Add(1)
			c.healthy.Store(true)
			monitoring.PoolConnectionsActive.WithLabelValues(p.accountID).Inc()
			m.emit(Event{Type: EventConnRebuilt, AccountID: p.accountID, ConnID: c.ID, At: time.Now()})
			log.WithFields(log.Fields{
				"account_id": p.accountID,
				"conn_id":    c.ID,
				"attempt":    attempt,
			}).Info("pool_conn_rebuilt")
			return
		}

		log.WithError(err).WithFields(log.Fields{
			"account_id": p.accountID,
			"conn_id":    c.ID,
			"attempt":    attempt,
		}).Warn("pool_reconnect_failed")
		delay *= 2
		if delay > constants.PoolReconnectMaxDelay {
			delay = constants.PoolReconnectMaxDelay
		}
	}
	log.WithFields(log.Fields{"account_id": p.accountID, "conn_id": c.ID}).Error("pool_conn_abandoned")
}

func (m *Manager) buildPool(accountID, proxyURL string) *accountPool {
	p := &accountPool{accountID: accountID, proxyURL: proxyURL}
	for i := 0; i < m.size; i++ {
		c := &Conn{ID: m.nextConnID.Add(1)}
		c.generation.Store(1)
		client, err := m.newClient(proxyURL)
		if err != nil {
			log.WithError(err).WithField("account_id", accountID).Warn("pool_conn_build_failed")
			p.conns = append(p.conns, c)
			continue
		}
		c.client.Store(client)
		c.healthy.Store(true)
		monitoring.PoolConnectionsActive.WithLabelValues(accountID).Inc()
		m.emit(Event{Type: EventConnReady, AccountID: accountID, ConnID: c.ID, At: time.Now()})
		p.conns = append(p.conns, c)
	}
	return p
}

func (m *Manager) newClient(proxyURL string) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:          constants.BaseMaxIdleConns,
		MaxIdleConnsPerHost:   constants.BaseMaxIdleConnsPerHost,
		IdleConnTimeout:       constants.BaseIdleConnTimeout,
		TLSHandshakeTimeout:   constants.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: constants.DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: constants.DefaultExpectContinueTimeout,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   m.proxyTimeout,
	}, nil
}

// DropAccount discards the account's pool, e.g. after account deletion.
func (m *Manager) DropAccount(accountID string) {
	m.mu.Lock()
	p := m.pools[accountID]
	delete(m.pools, accountID)
	m.mu.Unlock()
	if p == nil {
		return
	}
	for _, c := range p.conns {
		if c.healthy.CompareAndSwap(true, false) {
			monitoring.PoolConnectionsActive.WithLabelValues(accountID).Dec()
		}
		closeIdle(c)
	}
	m.emit(Event{Type: EventPoolDestroyed, AccountID: accountID, At: time.Now()})
}

// Destroy tears down every pool, waiting up to timeout for in-flight
// rebuild goroutines.
func (m *Manager) Destroy(timeout time.Duration) {
	m.cancel()
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*accountPool)
	m.mu.Unlock()

	for id, p := range pools {
		for _, c := range p.conns {
			if c.healthy.CompareAndSwap(true, false) {
				monitoring.PoolConnectionsActive.WithLabelValues(id).Dec()
			}
			closeIdle(c)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn("pool_destroy_timeout")
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func closeIdle(c *Conn) {
	client := c.client.Load()
	if client == nil {
		return
	}
	if t, ok := client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
