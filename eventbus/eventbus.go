// Package eventbus is the publish/subscribe hub every hive component reports
// through. Delivery is synchronous and in registration order; each topic keeps
// a history of what was emitted on it.
package eventbus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Payload is the typed body of an event. Each topic has one concrete payload
// type; Kind reports the topic that type belongs to.
type Payload interface {
	Kind() string
}

// Event is a single emission on the bus. Events are values and are never
// mutated after Emit returns them.
type Event struct {
	Topic     string    `json:"topic"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Handler receives events for the topics it is subscribed to.
type Handler func(Event)

// SubscriptionID identifies a handler registration for Off.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus routes events to subscribers and records per-topic history.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	wildcard []subscription
	history  map[string][]Event
	nextID   SubscriptionID
	seq      uint64

	historyLimit int
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistoryLimit caps the history kept per topic to the most recent n
// events. Zero or a negative n keeps everything.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		b.historyLimit = n
	}
}

// WithLogger sets the logger used to report handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]subscription),
		history:  make(map[string][]Event),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit publishes payload on topic. Handlers registered at the moment of the
// call run synchronously in registration order, topic handlers first and
// wildcard handlers after. A panicking handler is logged and skipped.
func (b *Bus) Emit(topic string, payload Payload) Event {
	b.mu.Lock()
	b.seq++
	ev := Event{
		Topic:     topic,
		Seq:       b.seq,
		Timestamp: b.now(),
		Payload:   payload,
	}
	h := append(b.history[topic], ev)
	if b.historyLimit > 0 && len(h) > b.historyLimit {
		h = append([]Event(nil), h[len(h)-b.historyLimit:]...)
	}
	b.history[topic] = h

	subs := make([]subscription, 0, len(b.handlers[topic])+len(b.wildcard))
	subs = append(subs, b.handlers[topic]...)
	subs = append(subs, b.wildcard...)
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
	return ev
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: handler panicked",
				"topic", ev.Topic,
				"subscription", s.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.handler(ev)
}

// On registers handler for topic and returns an id usable with Off.
func (b *Bus) On(topic string, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], subscription{id: b.nextID, handler: handler})
	return b.nextID
}

// OnAll registers handler for every topic.
func (b *Bus) OnAll(handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.wildcard = append(b.wildcard, subscription{id: b.nextID, handler: handler})
	return b.nextID
}

// Off removes a registration. Removing an unknown id is a no-op. Pass an
// empty topic to remove a wildcard registration.
func (b *Bus) Off(topic string, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if topic == "" {
		b.wildcard = removeSubscription(b.wildcard, id)
		return
	}
	subs := removeSubscription(b.handlers[topic], id)
	if len(subs) == 0 {
		delete(b.handlers, topic)
		return
	}
	b.handlers[topic] = subs
}

// removeSubscription returns a fresh slice so in-flight deliveries holding
// the old one are unaffected.
func removeSubscription(subs []subscription, id SubscriptionID) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// History returns a copy of the events recorded for topic, oldest first.
func (b *Bus) History(topic string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h := b.history[topic]
	out := make([]Event, len(h))
	copy(out, h)
	return out
}

// ClearHistory drops recorded events. With no topics it clears every topic.
func (b *Bus) ClearHistory(topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(topics) == 0 {
		b.history = make(map[string][]Event)
		return
	}
	for _, t := range topics {
		delete(b.history, t)
	}
}

// Topics lists every topic that has history, sorted.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.history))
	for t := range b.history {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HandlerCount reports how many handlers are registered for topic, not
// counting wildcard handlers.
func (b *Bus) HandlerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
