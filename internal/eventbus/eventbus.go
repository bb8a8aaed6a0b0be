// Package eventbus implements the named-topic publish/subscribe channel
// (C3) that is the only cross-task communication path in this module
// besides the metric registry. Dispatch runs synchronously on a single
// bus goroutine so handlers for a given topic always run in registration
// order and no event is delivered twice.
package eventbus

import (
	"sync"
	"time"
)

// Event is a topic plus an opaque payload.
type Event struct {
	Topic   string
	Payload any
}

// Handle cancels a subscription when passed to Bus.Unregister.
type Handle struct {
	topic string
	id    uint64
}

type subscription struct {
	id      uint64
	handler func(Event)
}

// Bus is a synchronous, single-task event dispatcher.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]subscription
	next uint64

	queue   chan Event
	overflw sync.Mutex
	lastOvf time.Time

	closed chan struct{}
	once   sync.Once
}

// New returns a Bus whose dispatch goroutine has already been started,
// with an internal queue of the given depth. Once the queue is full,
// further Signal calls drop the newest event and, at most once per
// second, synthesize a "bus.overflow" event instead.
func New(queueDepth int) *Bus {
	b := &Bus{
		subs:   make(map[string][]subscription),
		queue:  make(chan Event, queueDepth),
		closed: make(chan struct{}),
	}
	go b.run()
	return b
}

// Register adds handler for topic, invoked in the order handlers were
// registered for that topic. The returned Handle can be passed to
// Unregister to cancel the subscription.
func (b *Bus) Register(topic string, handler func(Event)) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	return Handle{topic: topic, id: id}
}

// Unregister removes the subscription identified by h.
func (b *Bus) Unregister(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[h.topic]
	for i, s := range subs {
		if s.id == h.id {
			b.subs[h.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Signal enqueues an event for dispatch. It never blocks: on a full
// queue the event is dropped and an overflow notice is signalled at most
// once per second.
func (b *Bus) Signal(topic string, payload any) {
	select {
	case b.queue <- Event{Topic: topic, Payload: payload}:
	default:
		b.signalOverflow()
	}
}

func (b *Bus) signalOverflow() {
	b.overflw.Lock()
	defer b.overflw.Unlock()
	now := time.Now()
	if now.Sub(b.lastOvf) < time.Second {
		return
	}
	b.lastOvf = now
	select {
	case b.queue <- Event{Topic: "bus.overflow"}:
	default:
		// The queue is still full even for the overflow notice;
		// there's nothing more we can do without blocking.
	}
}

func (b *Bus) run() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.closed:
			return
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs[ev.Topic]...)
	b.mu.Unlock()
	for _, s := range subs {
		s.handler(ev)
	}
}

// Close stops the dispatch goroutine. Events already queued are dropped.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.closed) })
}
