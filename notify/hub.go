package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Hub fans events out to subscribers. Each subscription has its own FIFO
// buffer so that events for one audience are delivered in emission order;
// when a buffer is full the oldest event is dropped (the poll fallback
// recovers the authoritative state).
type Hub struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	logger *slog.Logger
	closed bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets a custom logger for the hub.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[string][]*Subscription),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscription is one observer's ordered event queue.
type Subscription struct {
	hub      *Hub
	audience string
	ch       chan Event
	once     sync.Once
}

// Events returns the receive channel. It is closed when the subscription is
// cancelled or the hub shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s)
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers an observer for one audience. buffer bounds the queue;
// values below 1 default to 64.
func (h *Hub) Subscribe(audience string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	s := &Subscription{hub: h, audience: audience, ch: make(chan Event, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	h.subs[audience] = append(h.subs[audience], s)
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[s.audience]
	for i, cur := range list {
		if cur == s {
			h.subs[s.audience] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[s.audience]) == 0 {
		delete(h.subs, s.audience)
	}
}

// Notify delivers ev to every subscriber of audience. Never blocks: if a
// subscriber's buffer is full the oldest queued event is dropped to make
// room, keeping the remaining stream in order.
func (h *Hub) Notify(audience string, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, s := range h.subs[audience] {
		for {
			select {
			case s.ch <- ev:
			default:
				select {
				case <-s.ch:
					h.logger.Warn("notify: subscriber buffer full, dropping oldest",
						"audience", audience)
				default:
				}
				continue
			}
			break
		}
	}
}

// Close shuts the hub down and closes every subscription channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, list := range h.subs {
		for _, s := range list {
			s.once.Do(func() { close(s.ch) })
		}
	}
	h.subs = make(map[string][]*Subscription)
}
