// Package ringbuf provides a fixed-capacity FIFO whose snapshots stay valid
// while appends continue.
package ringbuf

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

// Buffer is an append-only sequence with a hard capacity. Once full, every
// append evicts the oldest item. Eviction follows arrival order only.
//
// A Buffer must have a single writer. Slices returned by Snapshot may be read
// from any goroutine while the writer keeps appending: the region a snapshot
// covers is never written again.
type Buffer[T any] struct {
	items    []T // visible region is items[head:]
	head     int
	capacity int
}

// New creates an empty buffer holding at most capacity items.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{
		items:    make([]T, 0, initialAlloc(capacity)),
		capacity: capacity,
	}
}

func initialAlloc(capacity int) int {
	if capacity > 64 {
		return 64
	}
	return capacity
}

// Append adds item at the end and returns how many items were evicted from the front.
func (b *Buffer[T]) Append(item T) int {
	b.items = append(b.items, item)

	evicted := 0
	for len(b.items)-b.head > b.capacity {
		b.head++
		evicted++
	}
	if b.head >= b.capacity {
		b.compact()
	}
	return evicted
}

// compact moves the visible region to a fresh backing array. The old array is
// left untouched for any snapshot still referencing it.
func (b *Buffer[T]) compact() {
	live := len(b.items) - b.head
	fresh := make([]T, live, 2*b.capacity)
	copy(fresh, b.items[b.head:])
	b.items = fresh
	b.head = 0
}

// Clear empties the buffer unconditionally and returns the number of items dropped.
func (b *Buffer[T]) Clear() int {
	n := b.Len()
	b.items = make([]T, 0, initialAlloc(b.capacity))
	b.head = 0
	return n
}

// Snapshot returns the current items, oldest first. The result is read-only
// and has no spare capacity, so appending to it never aliases the buffer.
func (b *Buffer[T]) Snapshot() []T {
	end := len(b.items)
	return b.items[b.head:end:end]
}

// Len returns the number of items held.
func (b *Buffer[T]) Len() int { return len(b.items) - b.head }

// Cap returns the configured capacity.
func (b *Buffer[T]) Cap() int { return b.capacity }
