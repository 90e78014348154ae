// Package eventbus provides a small in-process publish/subscribe bus.
//
// Each subscriber owns a bounded channel with overwrite-oldest semantics:
// publishers never block, and a slow subscriber loses its oldest events
// rather than stalling the rest of the process.
package eventbus

import "sync"

// DefaultCapacity is the per-subscriber buffer size used by Subscribe.
const DefaultCapacity = 100

// Bus fans published values out to all current subscribers.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// Subscription is one subscriber's view of the bus.
type Subscription[T any] struct {
	bus *Bus[T]
	ch  chan T
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a new subscriber with the default buffer capacity.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	return b.SubscribeBuffered(DefaultCapacity)
}

// SubscribeBuffered registers a new subscriber with an explicit buffer
// capacity. Subscribing to a closed bus returns a subscription whose channel
// is already closed.
func (b *Bus[T]) SubscribeBuffered(capacity int) *Subscription[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	sub := &Subscription[T]{bus: b, ch: make(chan T, capacity)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers v to every subscriber. If a subscriber's buffer is full,
// its oldest buffered value is dropped to make room; Publish never blocks.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- v:
		default:
			select {
			case <-sub.ch: // drop oldest
			default:
			}
			select {
			case sub.ch <- v:
			default:
			}
		}
	}
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// C returns the receive channel. It is closed when the subscription is
// cancelled or the bus shuts down.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe removes the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.bus.closed {
		return
	}
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
}
