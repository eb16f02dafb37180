package event

import (
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/iccbus/internal/logging"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous pub-sub event bus. Handlers run on the publishing
// goroutine, so they must be quick and must not call back into the
// component that published.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // eventType -> subscriptions
	nextID        atomic.Uint64
	logger        *logging.Logger
	published     atomic.Uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger used to report panicking handlers.
func WithBusLogger(l *logging.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates a new event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subscriptions: make(map[string][]subscription),
		logger:        logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a specific event type and returns an
// id for Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				// Copy so that a Publish iterating the old slice is unaffected.
				next := make([]subscription, 0, len(subs)-1)
				next = append(next, subs[:i]...)
				next = append(next, subs[i+1:]...)
				b.subscriptions[eventType] = next
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event to specific handlers first, then wildcard
// handlers, each group in registration order. A panicking handler is
// logged and skipped.
func (b *Bus) Publish(e Event) {
	b.published.Add(1)

	b.mu.RLock()
	specific := b.subscriptions[e.EventType()]
	wildcard := b.subscriptions[Wildcard]
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, e)
	}
	for _, sub := range wildcard {
		b.safeCall(sub.handler, e)
	}
}

func (b *Bus) safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", e.EventType(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(e)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string][]subscription)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

// Published returns how many events have been published.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}
