package activity

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/termhub/internal/metrics"
)

// EventType identifies a session activity notification.
type EventType string

const (
	EventIdle           EventType = "idle"
	EventActive         EventType = "active"
	EventSessionStarted EventType = "session-started"
	EventSessionEnded   EventType = "session-ended"
)

// Event is pushed to dashboard subscribers and the audit log.
type Event struct {
	Session   string    `json:"session"`
	Type      EventType `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives activity events. Publish must not block.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// subscriberBuffer is the per-subscriber queue depth. Events beyond it are
// dropped for that subscriber only.
const subscriberBuffer = 64

// Hub broadcasts events to any number of subscribers. A slow subscriber
// loses events rather than stalling publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a subscriber. The returned cancel function must be
// called to release it; the channel is closed by cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber without blocking.
func (h *Hub) Publish(e Event) {
	metrics.ActivityEvents.WithLabelValues(string(e.Type)).Inc()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			if n := h.dropped.Add(1); n%100 == 1 {
				log.Printf("[activity] subscriber backlog full, dropped %d events so far", n)
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
