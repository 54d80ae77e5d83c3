// Package event provides a minimal in-process publish/subscribe bus:
// an explicit subscription object that returns a cancellation token,
// instead of ad-hoc listener slices scattered across components.
package event

import "sync"

// Event is a single emitted occurrence. Topic names the event catalogue
// entry (e.g. "connected", "message-acked"); Data carries whatever
// payload the emitting component attaches (a message id, an error, a
// metrics snapshot).
type Event struct {
	Topic string
	Data  any
}

// CancelFunc unsubscribes a previously registered handler.
type CancelFunc func()

// Bus is a minimal, in-process, synchronous pub/sub used by every
// goqueue component to publish its event catalogue to observers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[int]func(Event)
	nextID   int
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]func(Event))}
}

// Subscribe registers fn to be called for every Event published on
// topic. The returned CancelFunc removes the subscription; it is safe
// to call more than once.
func (b *Bus) Subscribe(topic string, fn func(Event)) CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[topic], id)
		})
	}
}

// Publish synchronously invokes every handler subscribed to ev.Topic.
// The topic's handlers are copied under the read lock and invoked after
// it is released, so a handler unsubscribing itself or subscribing a new
// handler never deadlocks or races the iteration.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	topicHandlers := b.handlers[ev.Topic]
	fns := make([]func(Event), 0, len(topicHandlers))
	for _, fn := range topicHandlers {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Emit is a convenience for Publish(Event{Topic: topic, Data: data}).
func (b *Bus) Emit(topic string, data any) {
	b.Publish(Event{Topic: topic, Data: data})
}
