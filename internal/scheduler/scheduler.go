// Package scheduler submits periodic refresh-all jobs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/jobs"
)

// Submitter creates refresh-all jobs. jobs.Service satisfies it.
type Submitter interface {
	SubmitRefreshStale(ctx context.Context, staleness time.Duration) (string, error)
}

// Config controls the schedule.
type Config struct {
	Cron      string
	Location  *time.Location
	Staleness time.Duration
	Timeout   time.Duration
}

// Scheduler triggers refresh-all jobs.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	cfg       Config
	logger    *zap.Logger
}

// New parses the five-field cron expression and registers the refresh trigger.
func New(cfg Config, submitter Submitter, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:      cron.New(cron.WithLocation(cfg.Location)),
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(cfg.Cron, s.trigger); err != nil {
		return nil, fmt.Errorf("register refresh schedule %q: %w", cfg.Cron, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("refresh schedule started", zap.String("cron", s.cfg.Cron), zap.Time("next", s.Next()))
}

// Next returns the next activation time, or zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop halts the schedule and waits for an in-flight trigger or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) trigger() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	id, err := s.submitter.SubmitRefreshStale(ctx, s.cfg.Staleness)
	switch {
	case err == nil:
		s.logger.Info("scheduled refresh submitted", zap.String("job_id", id))
	case errors.Is(err, jobs.ErrAtCapacity):
		s.logger.Info("scheduled refresh skipped", zap.Error(err))
	default:
		s.logger.Error("scheduled refresh failed", zap.Error(err))
	}
}
