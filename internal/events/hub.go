// Package events is the in-process pub/sub bus for relay lifecycle events:
// account transitions, token refreshes, pool health. Subscribers run
// synchronously in publish order.
package events

import (
	"context"
	"sync"
	"time"
)

// Topics published by the relay core.
const (
	TopicAccountStatusChanged = "account.status_changed"
	TopicTokenRefreshed       = "token.refreshed"
	TopicPoolConnection       = "pool.connection"
)

// Event is one published message.
type Event struct {
	Topic     string            `json:"topic"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AccountStatusPayload accompanies TopicAccountStatusChanged.
type AccountStatusPayload struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
}

// TokenRefreshPayload accompanies TopicTokenRefreshed.
type TokenRefreshPayload struct {
	AccountID string `json:"account_id"`
	Platform  string `json:"platform"`
}

// Handler processes an incoming event.
type Handler func(context.Context, Event)

// Publisher is the producer-side interface; a nil *Hub satisfies callers
// that publish unconditionally.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, metadata map[string]string)
}

// Hub is a lightweight synchronous pub/sub bus.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]Handler
	nextID int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int64]Handler)}
}

// Subscribe registers a handler for a topic and returns its unsubscribe
// function.
func (h *Hub) Subscribe(topic string, handler Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[int64]Handler)
	}
	h.subs[topic][id] = handler

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if listeners, ok := h.subs[topic]; ok {
			delete(listeners, id)
			if len(listeners) == 0 {
				delete(h.subs, topic)
			}
		}
	}
}

// Publish dispatches to every subscriber of the topic, synchronously. A
// nil hub is a no-op so producers need no guard.
func (h *Hub) Publish(ctx context.Context, topic string, payload any, metadata map[string]string) {
	if h == nil {
		return
	}
	ev := Event{
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  metadata,
	}
	for _, handler := range h.handlersFor(topic) {
		handler(ctx, ev)
	}
}

func (h *Hub) handlersFor(topic string) []Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()

	listeners := h.subs[topic]
	if len(listeners) == 0 {
		return nil
	}
	out := make([]Handler, 0, len(listeners))
	for _, handler := range listeners {
		out = append(out, handler)
	}
	return out
}
