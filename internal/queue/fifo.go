// Package queue provides the in-process hand-off between the job server and
// the runner.
package queue

import (
	"context"
	"sync"
)

// FIFO is an unbounded first-in first-out queue. Push never blocks.
type FIFO[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

// NewFIFO returns an empty queue.
func NewFIFO[T any]() *FIFO[T] {
	return &FIFO[T]{ready: make(chan struct{}, 1)}
}

// Push appends v.
func (q *FIFO[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

// Pop removes the oldest item, blocking until one is available or ctx is done.
func (q *FIFO[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return v, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// Len is the number of waiting items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FIFO[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
