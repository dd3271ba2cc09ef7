package ringbuffer

// Package ringbuffer provides a fixed-capacity circular store.
//
// The backing slice is allocated once in New and never grows, so memory held
// by a buffer is constant for the lifetime of the owner regardless of how
// many items are pushed. Once full, each Push overwrites the oldest slot.
//
// A Buffer is not safe for concurrent use; owners serialise access.

// Buffer is a circular store of the most recent Cap() items.
type Buffer[T any] struct {
	items []T
	head  int // index of next write position
	size  int // current fill level
}

// New creates a buffer holding at most capacity items.
// It panics if capacity < 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		panic("ringbuffer: capacity must be at least 1")
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push stores item, overwriting the oldest entry once the buffer is full.
func (b *Buffer[T]) Push(item T) {
	b.items[b.head] = item
	b.head = (b.head + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	}
}

// Values returns the contents oldest first in a freshly allocated slice.
// An empty buffer yields an empty, non-nil slice.
func (b *Buffer[T]) Values() []T {
	result := make([]T, 0, b.size)
	if b.size < len(b.items) {
		// Not yet wrapped: [0..size)
		return append(result, b.items[:b.size]...)
	}
	// Wrapped: oldest element is at head
	result = append(result, b.items[b.head:]...)
	return append(result, b.items[:b.head]...)
}

// Len returns the number of items currently held (never more than Cap).
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Latest returns the most recently pushed item. ok is false when nothing has
// been pushed yet.
func (b *Buffer[T]) Latest() (item T, ok bool) {
	if b.size == 0 {
		return item, false
	}
	idx := (b.head - 1 + len(b.items)) % len(b.items)
	return b.items[idx], true
}

// Reset empties the buffer without releasing its storage.
func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
}
