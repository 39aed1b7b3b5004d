// Package hub implements a generic bounded multicast event hub shared by
// the PE notification stream and the discovery lifecycle event stream.
//
// Design note (spec §9, "Multicast event fan-out"): subscriber-side state
// is created synchronously inside Subscribe, before the handle is returned,
// so that events produced between construction and the caller's first read
// are never lost to a continuation captured in a deferred closure.
package hub

import "sync"

// DefaultBufferSize is the default bounded buffer capacity per subscriber.
const DefaultBufferSize = 100

// Hub fans out values of type T to any number of independent subscribers.
// Each subscriber has its own bounded, drop-oldest buffer; a slow
// subscriber cannot block publication to others.
type Hub[T any] struct {
	bufferSize int

	mu   sync.Mutex
	subs map[*Subscription[T]]struct{}
}

// New creates a Hub whose subscribers use the given buffer size (or
// DefaultBufferSize if size <= 0).
func New[T any](size int) *Hub[T] {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Hub[T]{
		bufferSize: size,
		subs:       make(map[*Subscription[T]]struct{}),
	}
}

// Subscription is a single subscriber's handle on a Hub. A new subscriber
// receives only values published after Subscribe returned the handle.
type Subscription[T any] struct {
	hub *Hub[T]
	ch  chan T

	mu     sync.Mutex
	closed bool
}

// Subscribe registers a new subscriber and returns its handle immediately;
// the receive channel is ready to receive before this call returns.
func (h *Hub[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		hub: h,
		ch:  make(chan T, h.bufferSize),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Publish broadcasts a value to every currently-subscribed subscriber.
// Subscribers whose buffer is full have their oldest buffered value
// dropped to make room (drop-oldest policy).
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		sub.deliver(v)
	}
}

// deliver attempts a non-blocking send, dropping the oldest buffered value
// on overflow.
func (s *Subscription[T]) deliver(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- v:
			return
		default:
			select {
			case <-s.ch:
				// dropped oldest, retry send
			default:
				return
			}
		}
	}
}

// C returns the subscriber's receive channel.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe removes the subscription from its hub and closes its
// channel. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()

	close(s.ch)
}

// SubscriberCount returns the number of currently active subscribers.
func (h *Hub[T]) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close unsubscribes and closes every current subscriber's channel. Used
// on session stop.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := make([]*Subscription[T], 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
