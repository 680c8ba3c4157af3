// Package eventbus provides the bounded fan-out broadcast channel and the
// in-memory state mirror described in section 4.8: a single-producer-
// per-publisher, multi-consumer bus that never blocks a publisher, plus a
// projection subscribers can snapshot for an instant-in-time view.
package eventbus

import (
	"context"
	"log"
	"sync"

	"github.com/scrypster/memento/pkg/types"
)

// DefaultCapacity is the bus's publish buffer and the default subscriber
// buffer, per the 1 000-event resource limit in section 5.
const DefaultCapacity = 1000

// Subscriber is a registered consumer of the bus. A slow subscriber lags
// and drops events rather than blocking the publisher.
type Subscriber struct {
	id   uint64
	ch   chan types.Event
	bus  *Bus
}

// Events returns the channel new events are delivered on. It is closed
// when the subscriber is unregistered or the bus stops.
func (s *Subscriber) Events() <-chan types.Event {
	return s.ch
}

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.bus.unregister <- s
}

// Bus is the bounded broadcast channel. Publish is non-blocking: if the
// internal buffer is full the event is dropped and logged, never blocking
// the caller.
type Bus struct {
	publish    chan types.Event
	register   chan *Subscriber
	unregister chan *Subscriber

	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	nextID      uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Bus with the default publish-buffer capacity.
func New() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		publish:     make(chan types.Event, DefaultCapacity),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		subscribers: make(map[uint64]*Subscriber),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Run drives the bus's dispatch loop until Stop is called. Callers spawn
// this in its own goroutine, matching the hub Run() pattern the rest of
// the event-driven plumbing in this codebase already uses.
func (b *Bus) Run() {
	defer close(b.done)
	for {
		select {
		case sub := <-b.register:
			b.mu.Lock()
			b.subscribers[sub.id] = sub
			count := len(b.subscribers)
			b.mu.Unlock()
			log.Printf("[eventbus] subscriber %d registered (total: %d)", sub.id, count)

		case sub := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.subscribers[sub.id]; ok {
				delete(b.subscribers, sub.id)
				close(sub.ch)
			}
			count := len(b.subscribers)
			b.mu.Unlock()
			log.Printf("[eventbus] subscriber %d unregistered (total: %d)", sub.id, count)

		case event := <-b.publish:
			b.mu.RLock()
			for _, sub := range b.subscribers {
				select {
				case sub.ch <- event:
				default:
					log.Printf("[eventbus] subscriber %d lagging, dropping event %s", sub.id, event.Kind)
				}
			}
			b.mu.RUnlock()

		case <-b.ctx.Done():
			b.mu.Lock()
			for id, sub := range b.subscribers {
				close(sub.ch)
				delete(b.subscribers, id)
			}
			b.mu.Unlock()
			return
		}
	}
}

// Stop shuts the bus down, closing every subscriber channel, and blocks
// until the dispatch loop has exited.
func (b *Bus) Stop() {
	b.cancel()
	<-b.done
}

// Publish enqueues an event for fan-out. Non-blocking: if the bus's
// internal buffer is saturated the event is dropped and logged.
func (b *Bus) Publish(event types.Event) {
	select {
	case b.publish <- event:
	default:
		log.Printf("[eventbus] publish buffer full, dropping event %s from %s", event.Kind, event.Source)
	}
}

// Subscribe registers a new subscriber with the given channel capacity
// (DefaultCapacity if buffer <= 0) and returns it.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultCapacity
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	sub := &Subscriber{id: id, ch: make(chan types.Event, buffer), bus: b}
	b.register <- sub
	return sub
}
