// Package worker executes jobs: Worker consumes the queue, Runner drives a
// job through its lifecycle and Pipeline processes each unit.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/metrics"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// JobRunner executes a single job by id.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Worker consumes queue items and hands each job to the runner.
type Worker struct {
	queue  tracker.Queue
	runner JobRunner
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue tracker.Queue, runner JobRunner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		runner: runner,
		logger: logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, tracker.ErrQueueClosed) {
				w.logger.Debug("queue closed, worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item tracker.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.runner.Run(ctx, item.JobID); err != nil {
		w.logger.Error("job run failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
}
