// Package memory provides the in-process job queue feeding the worker pool.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = tracker.ErrQueueClosed

// Queue is a bounded FIFO of job ids with context-aware operations.
type Queue struct {
	ch      chan tracker.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a queue holding at most capacity pending jobs.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan tracker.QueueItem, capacity),
	}
}

// Enqueue pushes a job, blocking while the queue is full until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, item tracker.QueueItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (tracker.QueueItem, error) {
	select {
	case <-ctx.Done():
		return tracker.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return tracker.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports how many jobs are waiting for a worker.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting jobs. Items already queued can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
