package client

import "sync"

// DropOldest is a bounded FIFO that evicts its oldest item to make room,
// so a consumer that falls behind hears the most recent audio.
type DropOldest[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	dropped int
}

func NewDropOldest[T any](capacity int) *DropOldest[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &DropOldest[T]{items: make([]T, capacity)}
}

// Push appends v and reports whether an older item was evicted for it.
func (q *DropOldest[T]) Push(v T) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.items) {
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.size--
		q.dropped++
		evicted = true
	}
	q.items[(q.head+q.size)%len(q.items)] = v
	q.size++
	return evicted
}

// Pop removes the oldest item without blocking.
func (q *DropOldest[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return v, true
}

func (q *DropOldest[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped counts items evicted so far.
func (q *DropOldest[T]) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *DropOldest[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.items)
	q.head, q.size = 0, 0
}
