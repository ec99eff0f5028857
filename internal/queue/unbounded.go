// Package queue provides the unbounded FIFO channels that connect the pipeline stages.
package queue

import "sync"

// Unbounded is a FIFO queue whose Push never blocks.
// Any number of producers may Push; Pop is meant for a single consumer.
type Unbounded[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{} // capacity 1, signalled on every Push
}

// NewUnbounded returns an empty queue.
func NewUnbounded[T any]() *Unbounded[T] {
	return &Unbounded[T]{
		ready: make(chan struct{}, 1),
	}
}

// Push appends item to the tail of the queue.
func (q *Unbounded[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryPop removes the head of the queue without blocking.
func (q *Unbounded[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// Pop blocks until an item is available or stop is closed.
// It returns false only when stop was closed.
func (q *Unbounded[T]) Pop(stop <-chan struct{}) (T, bool) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, true
		}
		select {
		case <-q.ready:
		case <-stop:
			var zero T
			return zero, false
		}
	}
}

// Len returns the number of queued items.
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
