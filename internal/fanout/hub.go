// Package fanout distributes realtime updates to currently-connected
// consumers. Delivery is at-most-once and non-durable: subscribers connected
// at publish time receive the update, late joiners reconcile through the
// store's read API instead. A slow consumer never blocks ingestion.
package fanout

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/crowdwatch/internal/classify"
	"procodus.dev/crowdwatch/pkg/metrics"
)

// Update is one realtime event as seen by fanout consumers.
type Update struct {
	ID             string              `json:"id"`
	Type           classify.UpdateType `json:"type"`
	SourceDeviceID string              `json:"source_device_id"`
	Payload        json.RawMessage     `json:"payload"`
	Priority       int                 `json:"priority"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Subscription is one consumer's view of the hub. Updates published from a
// single ingestion instance arrive on the channel in publish order.
type Subscription struct {
	ch  chan Update
	hub *Hub
}

// Updates returns the subscriber's delivery channel. The channel is closed
// when the subscription is cancelled or the hub shuts down.
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// Cancel removes the subscription from the hub and closes its channel.
func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s)
}

// Hub is a mutex-guarded set of subscriber channels.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.FanoutMetrics // Optional metrics

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// DefaultBuffer is the per-subscriber channel buffer used when the caller
// passes a non-positive size.
const DefaultBuffer = 64

// NewHub creates a new Hub instance.
func NewHub(logger *slog.Logger, m *metrics.FanoutMetrics) (*Hub, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Hub{
		logger:  logger,
		metrics: m,
		subs:    make(map[*Subscription]struct{}),
	}, nil
}

// Subscribe registers a new consumer with the given channel buffer.
// Subscribing after Close returns a subscription whose channel is already
// closed.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &Subscription{
		ch:  make(chan Update, buffer),
		hub: h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.ch)
		return sub
	}

	h.subs[sub] = struct{}{}
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(len(h.subs)))
	}

	h.logger.Debug("subscriber registered", "subscribers", len(h.subs))
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return
	}

	delete(h.subs, sub)
	close(sub.ch)
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(len(h.subs)))
	}

	h.logger.Debug("subscriber removed", "subscribers", len(h.subs))
}

// Publish delivers the update to every current subscriber without blocking.
// A subscriber whose buffer is full misses the update; that is counted and
// logged, never surfaced to the publisher.
func (h *Hub) Publish(update Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	if h.metrics != nil {
		h.metrics.PublishedTotal.WithLabelValues(string(update.Type)).Inc()
	}

	for sub := range h.subs {
		select {
		case sub.ch <- update:
		default:
			if h.metrics != nil {
				h.metrics.DroppedTotal.WithLabelValues("buffer_full").Inc()
			}
			h.logger.Warn("subscriber buffer full, dropping update",
				"update_id", update.ID,
				"type", update.Type,
				"priority", update.Priority,
			)
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
	if h.metrics != nil {
		h.metrics.Subscribers.Set(0)
	}

	h.logger.Info("fanout hub closed")
}
