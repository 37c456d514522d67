package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/campus-transit/internal/observability"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 64

// Subscription receives events for its topics on C until Close.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	topics  []string
	bus     *MemoryBus
	dropped atomic.Int64
	once    sync.Once
}

// Dropped reports how many events were discarded because C was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Topics() []string { return s.topics }

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	buffer int
	now    func() time.Time
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &MemoryBus{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer, now: time.Now}
}

func (b *MemoryBus) Publish(_ context.Context, topic, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: encode %s: %w", eventType, err)
	}
	return b.deliver(Event{Topic: topic, Type: eventType, Payload: raw, PublishedAt: b.now()})
}

// deliver hands an already encoded event to local subscribers.
func (b *MemoryBus) deliver(ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	observability.BusPublished.WithLabelValues(topicKind(ev.Topic)).Inc()
	for s := range b.subs[ev.Topic] {
		// Non-blocking send. A full buffer means a slow consumer.
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			observability.BusDropped.Inc()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topics ...string) (*Subscription, error) {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, topics: topics, bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	for _, t := range topics {
		set, ok := b.subs[t]
		if !ok {
			set = make(map[*Subscription]struct{})
			b.subs[t] = set
		}
		set[s] = struct{}{}
	}
	return s, nil
}

func (b *MemoryBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range s.topics {
		if set, ok := b.subs[t]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, t)
			}
		}
	}
}

// Close marks the bus closed. Existing subscriptions stay open until their
// owners close them.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// topicKind strips identifiers so metric labels stay low-cardinality.
func topicKind(topic string) string {
	switch {
	case topic == AdminDashboard:
		return topic
	case len(topic) > 8 && topic[:8] == "captain:":
		return "captain"
	case len(topic) > 8 && topic[:8] == "student:":
		return "student"
	case len(topic) > 14 && topic[len(topic)-14:] == ":notifications":
		return "route_notifications"
	case len(topic) > 10 && topic[len(topic)-10:] == ":locations":
		return "route_locations"
	default:
		return "other"
	}
}
