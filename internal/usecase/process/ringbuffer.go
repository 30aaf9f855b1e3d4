package process

import (
	"sync"
)

// ringBuffer is a thread-safe, bounded buffer that drops the oldest items
// when capacity is exceeded. Used for the per-process replay history.
type ringBuffer[T any] struct {
	mu      sync.Mutex
	items   []T
	start   int
	size    int
	written int64 // total items ever written (including dropped)
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringBuffer[T]{items: make([]T, capacity)}
}

// Push appends an item, evicting the oldest one when full.
func (rb *ringBuffer[T]) Push(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	idx := (rb.start + rb.size) % len(rb.items)
	rb.items[idx] = item
	if rb.size < len(rb.items) {
		rb.size++
	} else {
		rb.start = (rb.start + 1) % len(rb.items)
	}
	rb.written++
}

// Snapshot returns the buffered items, oldest first.
func (rb *ringBuffer[T]) Snapshot() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]T, rb.size)
	for i := 0; i < rb.size; i++ {
		out[i] = rb.items[(rb.start+i)%len(rb.items)]
	}
	return out
}

// Len returns the number of buffered items.
func (rb *ringBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// TotalWritten returns the number of items ever pushed,
// including items that have been dropped due to overflow.
func (rb *ringBuffer[T]) TotalWritten() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written
}
