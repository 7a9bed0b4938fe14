// Package events fans engine notifications out to in-process subscribers
// such as the websocket endpoint and tests.
package events

import (
	"sync"
	"time"

	"lifeline/internal/constants"
	"lifeline/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type names an event stream.
type Type string

const (
	TypeDeliveryStatus  Type = "delivery.status"
	TypeGroupStatus     Type = "delivery.group"
	TypeMessageReceived Type = "message.received"
	TypeOperationFailed Type = "queue.failed"
	TypeConflict        Type = "conflict.resolved"
	TypeConflictManual  Type = "conflict.unresolved"
	TypeSyncCompleted   Type = "sync.completed"
	TypeBroadcast       Type = "broadcast.updated"
	TypeInAppAlert      Type = "broadcast.in_app"
	TypeSessionExpired  Type = "session.expired"
)

// Event is one notification. Data holds a value from internal/models.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	AccountID string    `json:"account_id,omitempty"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

// Publisher is implemented by Hub.
type Publisher interface {
	Publish(ev Event)
}

// Subscription receives events until Close is called.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	types  map[Type]bool
	hub    *Hub
	closed bool
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (s *Subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Hub delivers each event to every interested subscriber. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	logger *logrus.Logger
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, logger *logrus.Logger) *Hub {
	if buffer <= 0 {
		buffer = constants.DefaultEventBufferSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers for the given types, or for everything when none are given.
func (h *Hub) Subscribe(types ...Type) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, types: make(map[Type]bool, len(types))}
	for _, t := range types {
		sub.types[t] = true
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	metrics.SetGauge("event_subscribers", float64(n), nil, "Active event subscriptions")
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if sub.closed {
		h.mu.Unlock()
		return
	}
	sub.closed = true
	delete(h.subs, sub)
	close(sub.ch)
	n := len(h.subs)
	h.mu.Unlock()

	metrics.SetGauge("event_subscribers", float64(n), nil, "Active event subscriptions")
}

// Publish stamps ev with an id and time when missing and delivers it.
func (h *Hub) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for sub := range h.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			dropped++
		}
	}

	metrics.IncrementCounter("events_published_total", map[string]string{"type": string(ev.Type)}, "Events published to the hub")
	if dropped > 0 {
		metrics.AddToCounter("events_dropped_total", float64(dropped), map[string]string{"type": string(ev.Type)}, "Events dropped for slow subscribers")
		h.logger.WithFields(logrus.Fields{
			"type":    ev.Type,
			"dropped": dropped,
		}).Debug("Slow subscribers missed an event")
	}
}

// Close detaches every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}
