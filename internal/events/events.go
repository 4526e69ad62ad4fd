package events

import (
	"sync"
)

// EventType represents the type of event
type EventType int

const (
	EventSessionStateChanged EventType = iota
	EventSMPQuestion
	EventSMPResult
	EventKeyGenerationStarted
	EventKeyGenerationFinished
	EventProtocolError
)

// String returns the string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventSessionStateChanged:
		return "session-state-changed"
	case EventSMPQuestion:
		return "smp-question"
	case EventSMPResult:
		return "smp-result"
	case EventKeyGenerationStarted:
		return "key-generation-started"
	case EventKeyGenerationFinished:
		return "key-generation-finished"
	case EventProtocolError:
		return "protocol-error"
	default:
		return "unknown"
	}
}

// Event is a notification published to the host
type Event struct {
	Type EventType
	Data interface{}
}

// Handler is a function that handles events
type Handler func(event Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans events out to subscribers.
//
// Handlers run synchronously, in subscription order, on the publishing
// goroutine, so events from one conversation are observed in the order they
// happened. A handler must not block on the component that published the
// event; re-dispatch to another goroutine instead.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscription
	all      []subscription
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe subscribes to an event type. The returned function removes the
// subscription.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[eventType] = remove(b.handlers[eventType], id)
	}
}

// SubscribeAll subscribes to every event type
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// Publish publishes an event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]subscription(nil), b.handlers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, s := range handlers {
		s.handler(event)
	}
}

// Unsubscribe removes all handlers for an event type
func (b *Bus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscription)
	b.all = nil
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
