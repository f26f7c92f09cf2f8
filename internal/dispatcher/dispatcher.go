// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
	"github.com/JakeFAU/tm-status-tracker/internal/worker"
)

// Dispatcher fans out queued jobs to a pool of workers.
type Dispatcher struct {
	queue   tracker.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher over existing workers.
func New(queue tracker.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// NewPool creates a Dispatcher with size workers sharing runner. Size below
// one is raised to one.
func NewPool(queue tracker.Queue, runner worker.JobRunner, size int, logger *zap.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, size)
	for i := range size {
		workers = append(workers, worker.New(queue, runner, logger.With(zap.Int("worker", i))))
	}
	return New(queue, workers)
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every worker has returned, which
// happens once ctx finishes or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue hands a job id to the pool.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID string, submitted int64) error {
	if err := d.queue.Enqueue(ctx, tracker.QueueItem{JobID: jobID, Submitted: submitted}); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
