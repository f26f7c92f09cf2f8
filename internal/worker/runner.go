package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/metrics"
	"github.com/JakeFAU/tm-status-tracker/internal/progress"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// JobRegistry is the slice of the job registry a Runner drives.
type JobRegistry interface {
	Get(id string) (tracker.Job, error)
	Start(id string) error
	CancelRequested(id string) bool
	Cancel(id string) error
	UpdateProgress(id string, current, total int, message string) error
	RecordOutcome(id string, outcome tracker.Outcome) error
	Complete(id string) error
	Fail(id string, cause error) error
}

// UnitProcessor handles a single unit. Pipeline satisfies it.
type UnitProcessor interface {
	Process(ctx context.Context, jobID string, unit tracker.Unit) (tracker.Outcome, error)
}

// TargetLister enumerates every tracked record for refresh-all jobs.
type TargetLister interface {
	TrackedTargets(ctx context.Context) ([]tracker.Target, error)
}

// Runner executes one job from start to a terminal state.
type Runner struct {
	registry  JobRegistry
	processor UnitProcessor
	targets   TargetLister
	emitter   progress.Emitter
	clock     tracker.Clock
	logger    *zap.Logger
}

// NewRunner constructs a Runner. A nil emitter discards progress events.
func NewRunner(
	registry JobRegistry,
	processor UnitProcessor,
	targets TargetLister,
	emitter progress.Emitter,
	clock tracker.Clock,
	logger *zap.Logger,
) *Runner {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry:  registry,
		processor: processor,
		targets:   targets,
		emitter:   emitter,
		clock:     clock,
		logger:    logger,
	}
}

// Run drives the job with the given id. Jobs that are no longer pending,
// for example cancelled while queued, are left untouched. The returned error
// reports registry misuse only; unit and infrastructure failures end up on
// the job itself.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.registry.Get(jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	logger := r.logger.With(zap.String("job_id", jobID), zap.String("job_type", string(job.Type)))
	if job.Status != tracker.JobStatusPending {
		logger.Debug("job not pending, skipping", zap.String("status", string(job.Status)))
		return nil
	}
	if err := r.registry.Start(jobID); err != nil {
		if errors.Is(err, tracker.ErrAlreadyTerminal) {
			logger.Debug("job cancelled before start")
			return nil
		}
		return fmt.Errorf("start job: %w", err)
	}
	started := r.clock.Now()
	r.emit(job, progress.StageJobStart, nil)
	logger.Info("job started")

	units, err := r.expand(ctx, job)
	if err != nil {
		return r.fail(job, logger, started, err)
	}

	for i, unit := range units {
		if r.registry.CancelRequested(jobID) || ctx.Err() != nil {
			return r.cancel(job, logger, started, i, len(units))
		}
		unitStart := r.clock.Now()
		outcome, err := r.processor.Process(ctx, jobID, unit)
		if err != nil {
			if errors.Is(err, tracker.ErrInfrastructure) || ctx.Err() == nil {
				return r.fail(job, logger, started, err)
			}
			return r.cancel(job, logger, started, i, len(units))
		}
		if err := r.registry.RecordOutcome(jobID, outcome); err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}
		message := fmt.Sprintf("%s: %s", unit.Target, outcome.Kind)
		if err := r.registry.UpdateProgress(jobID, i+1, len(units), message); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		r.emit(job, progress.StageUnitDone, func(evt *progress.Event) {
			evt.Target = unit.Target.String()
			evt.Outcome = string(outcome.Kind)
			evt.Reason = outcome.Reason
			evt.Current = i + 1
			evt.Total = len(units)
			evt.Dur = r.clock.Now().Sub(unitStart)
		})
	}

	if err := r.registry.Complete(jobID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	done, _ := r.registry.Get(jobID)
	r.emit(job, progress.StageJobDone, func(evt *progress.Event) {
		evt.Current = len(units)
		evt.Total = len(units)
		evt.Dur = r.clock.Now().Sub(started)
	})
	metrics.ObserveJob(string(job.Type), string(tracker.JobStatusCompleted))
	if done.Result != nil {
		logger.Info("job completed",
			zap.Int("success", done.Result.Success),
			zap.Int("failed", done.Result.Failed),
			zap.Int("skipped", done.Result.Skipped),
		)
	}
	return nil
}

// expand turns job params into the ordered unit list.
func (r *Runner) expand(ctx context.Context, job tracker.Job) ([]tracker.Unit, error) {
	params := job.Params
	switch job.Type {
	case tracker.JobTypeSingleKey:
		if params.SingleKey == nil {
			return nil, fmt.Errorf("%w: missing single_key params", tracker.ErrValidation)
		}
		return []tracker.Unit{{Target: tracker.Target{Key: params.SingleKey.Key}}}, nil
	case tracker.JobTypeSingleNameCategory:
		if params.SingleNameCategory == nil {
			return nil, fmt.Errorf("%w: missing single_name_category params", tracker.ErrValidation)
		}
		return []tracker.Unit{{Target: tracker.Target{
			Name:     params.SingleNameCategory.Name,
			Category: params.SingleNameCategory.Category,
		}}}, nil
	case tracker.JobTypeBatch:
		if params.Batch == nil {
			return nil, fmt.Errorf("%w: missing batch params", tracker.ErrValidation)
		}
		units := make([]tracker.Unit, 0, len(params.Batch.Targets))
		for _, target := range params.Batch.Targets {
			units = append(units, tracker.Unit{
				Target:         target,
				SkipDuplicates: params.Batch.SkipDuplicates,
				Staleness:      params.Batch.Staleness,
			})
		}
		return units, nil
	case tracker.JobTypeRefreshStale:
		if params.RefreshStale == nil {
			return nil, fmt.Errorf("%w: missing refresh_stale params", tracker.ErrValidation)
		}
		if r.targets == nil {
			return nil, fmt.Errorf("%w: no target lister configured", tracker.ErrInfrastructure)
		}
		targets, err := r.targets.TrackedTargets(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list tracked targets: %v", tracker.ErrInfrastructure, err)
		}
		units := make([]tracker.Unit, 0, len(targets))
		for _, target := range targets {
			units = append(units, tracker.Unit{
				Target:         target,
				SkipDuplicates: true,
				Staleness:      params.RefreshStale.Staleness,
			})
		}
		return units, nil
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", tracker.ErrValidation, job.Type)
	}
}

func (r *Runner) fail(job tracker.Job, logger *zap.Logger, started time.Time, cause error) error {
	if err := r.registry.Fail(job.ID, cause); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	r.emit(job, progress.StageJobError, func(evt *progress.Event) {
		evt.Dur = r.clock.Now().Sub(started)
		evt.Note = cause.Error()
	})
	metrics.ObserveJob(string(job.Type), string(tracker.JobStatusFailed))
	logger.Error("job failed", zap.Error(cause))
	return nil
}

func (r *Runner) cancel(job tracker.Job, logger *zap.Logger, started time.Time, current, total int) error {
	if err := r.registry.Cancel(job.ID); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	r.emit(job, progress.StageJobCancelled, func(evt *progress.Event) {
		evt.Current = current
		evt.Total = total
		evt.Dur = r.clock.Now().Sub(started)
	})
	metrics.ObserveJob(string(job.Type), string(tracker.JobStatusCancelled))
	logger.Info("job cancelled", zap.Int("processed", current), zap.Int("total", total))
	return nil
}

func (r *Runner) emit(job tracker.Job, stage progress.Stage, fill func(evt *progress.Event)) {
	evt := progress.Event{
		JobID:   job.ID,
		JobType: string(job.Type),
		TS:      r.clock.Now().UTC(),
		Stage:   stage,
	}
	if fill != nil {
		fill(&evt)
	}
	r.emitter.Emit(evt)
}
