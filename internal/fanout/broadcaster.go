// Package fanout delivers published values to every registered subscriber,
// synchronously and in publication order.
package fanout

import (
	"sync"
	"sync/atomic"
)

type subscriber[T any] struct {
	fn     func(T)
	mu     sync.Mutex // held while fn runs
	active atomic.Bool
}

// Broadcaster is an explicit observer list. Publish blocks until every
// current subscriber has received the value, so all subscribers observe
// value N before any observes N+1.
//
// Callbacks must not call Publish, Subscribe or their own unsubscribe func
// synchronously; all three wait for the callback to return.
type Broadcaster[T any] struct {
	pubMu sync.Mutex // serializes Publish and the initial delivery in Subscribe

	mu         sync.Mutex
	subs       []*subscriber[T]
	current    T
	hasCurrent bool
}

// New creates a broadcaster with no current value.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{}
}

// Subscribe registers fn. If a value has been published, fn receives it
// before Subscribe returns. The returned func unsubscribes: it waits for a
// delivery to fn that is already running, and once it returns fn is never
// called again. It is safe to call more than once.
func (b *Broadcaster[T]) Subscribe(fn func(T)) func() {
	s := &subscriber[T]{fn: fn}
	s.active.Store(true)

	b.pubMu.Lock()
	b.mu.Lock()
	next := make([]*subscriber[T], len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, s)
	cur, has := b.current, b.hasCurrent
	b.mu.Unlock()

	if has {
		b.deliver(s, cur)
	}
	b.pubMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(s) })
	}
}

// Publish records v as the current value and delivers it to every subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	b.current = v
	b.hasCurrent = true
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, v)
	}
}

// Current returns the last published value.
func (b *Broadcaster[T]) Current() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.hasCurrent
}

// Len returns the number of registered subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster[T]) deliver(s *subscriber[T], v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active.Load() {
		s.fn(v)
	}
}

func (b *Broadcaster[T]) unsubscribe(s *subscriber[T]) {
	s.active.Store(false)

	b.mu.Lock()
	next := make([]*subscriber[T], 0, len(b.subs))
	for _, other := range b.subs {
		if other != s {
			next = append(next, other)
		}
	}
	b.subs = next
	b.mu.Unlock()

	// Barrier: a delivery that passed the active check finishes before we return.
	s.mu.Lock()
	s.mu.Unlock() //nolint:staticcheck
}
