// Package queue provides an unbounded FIFO with a single consumer.
// Producers never block, so a remote delivery goroutine can hand work to
// the host-facing goroutine without waiting on it.
package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO. Push may be called from any goroutine;
// Run must be called by exactly one consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	closed bool
	done   chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends item. It reports false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of pending items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Run drains what is already queued, then returns.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Run hands items to fn in push order until the queue is closed and
// drained, or ctx is canceled. Pending items are discarded on cancel.
func (q *Queue[T]) Run(ctx context.Context, fn func(T)) {
	defer close(q.done)

	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, item := range batch {
			if ctx.Err() != nil {
				return
			}
			fn(item)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
	}
}
