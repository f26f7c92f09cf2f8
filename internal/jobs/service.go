// Package jobs is the submission front door: it validates requests, creates
// jobs in the registry and hands them to the worker pool.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/registry"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// Input limits for submitted targets.
const (
	MaxKeyLength  = 50
	MaxNameLength = 200
	MinCategory   = 1
	MaxCategory   = 45
)

// ErrAtCapacity is returned when a refresh-all request arrives while the
// soft cap of running jobs is reached.
var ErrAtCapacity = errors.New("too many running jobs")

// Enqueuer hands a created job to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, submitted int64) error
}

// Config controls submission policy.
//   - MaxConcurrentRefresh: running jobs at which refresh-all is refused.
//     Zero disables the cap.
//   - DefaultStaleness: staleness window for batch and refresh jobs when the
//     caller does not pick one.
//   - EnqueueTimeout: how long Submit waits for room in the queue.
type Config struct {
	MaxConcurrentRefresh int
	DefaultStaleness     time.Duration
	EnqueueTimeout       time.Duration
}

// Service creates and enqueues jobs.
type Service struct {
	registry *registry.Registry
	enqueuer Enqueuer
	clock    tracker.Clock
	cfg      Config
	logger   *zap.Logger

	// refreshMu makes the soft-cap check and the submit one step.
	refreshMu sync.Mutex
}

// NewService constructs a Service.
func NewService(reg *registry.Registry, enqueuer Enqueuer, clock tracker.Clock, cfg Config, logger *zap.Logger) *Service {
	if cfg.DefaultStaleness <= 0 {
		cfg.DefaultStaleness = 15 * 24 * time.Hour
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: reg,
		enqueuer: enqueuer,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// DefaultStaleness returns the configured default staleness window.
func (s *Service) DefaultStaleness() time.Duration {
	return s.cfg.DefaultStaleness
}

// SubmitSingleKey forces a refresh of one record by key.
func (s *Service) SubmitSingleKey(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return s.submit(ctx, tracker.JobTypeSingleKey, tracker.JobParams{
		SingleKey: &tracker.SingleKeyParams{Key: key},
	})
}

// SubmitSingleNameCategory forces a refresh of one record by name and category.
func (s *Service) SubmitSingleNameCategory(ctx context.Context, name, category string) (string, error) {
	target := tracker.Target{Name: strings.TrimSpace(name), Category: strings.TrimSpace(category)}
	if err := ValidateTarget(target); err != nil {
		return "", err
	}
	return s.submit(ctx, tracker.JobTypeSingleNameCategory, tracker.JobParams{
		SingleNameCategory: &tracker.SingleNameCategoryParams{Name: target.Name, Category: target.Category},
	})
}

// SubmitBatch refreshes targets in order. When skipDuplicates is set,
// targets fetched within staleness are skipped; zero staleness uses the
// default window.
func (s *Service) SubmitBatch(ctx context.Context, targets []tracker.Target, skipDuplicates bool, staleness time.Duration) (string, error) {
	for i, target := range targets {
		if err := ValidateTarget(target); err != nil {
			return "", fmt.Errorf("target %d: %w", i, err)
		}
	}
	if staleness <= 0 {
		staleness = s.cfg.DefaultStaleness
	}
	return s.submit(ctx, tracker.JobTypeBatch, tracker.JobParams{Batch: &tracker.BatchParams{
		Targets:        targets,
		SkipDuplicates: skipDuplicates,
		Staleness:      staleness,
	}})
}

// SubmitRefreshStale refreshes every tracked record older than staleness.
// It returns ErrAtCapacity when MaxConcurrentRefresh refresh-all jobs are
// already pending or running.
func (s *Service) SubmitRefreshStale(ctx context.Context, staleness time.Duration) (string, error) {
	if staleness <= 0 {
		staleness = s.cfg.DefaultStaleness
	}
	if limit := s.cfg.MaxConcurrentRefresh; limit > 0 {
		s.refreshMu.Lock()
		defer s.refreshMu.Unlock()
		if active := s.registry.CountActive(tracker.JobTypeRefreshStale); active >= limit {
			return "", fmt.Errorf("%w: %d refresh jobs active, limit %d", ErrAtCapacity, active, limit)
		}
	}
	return s.submit(ctx, tracker.JobTypeRefreshStale, tracker.JobParams{
		RefreshStale: &tracker.RefreshStaleParams{Staleness: staleness},
	})
}

// Get returns a job snapshot.
func (s *Service) Get(id string) (tracker.Job, error) {
	return s.registry.Get(id)
}

// List returns jobs newest first, optionally restricted to one status.
func (s *Service) List(status tracker.JobStatus) []tracker.Job {
	if status == "" {
		return s.registry.List()
	}
	return s.registry.ListByStatus(status)
}

// Cancel requests cancellation of a job.
func (s *Service) Cancel(id string) (tracker.Job, error) {
	job, err := s.registry.RequestCancel(id)
	if err != nil {
		return job, fmt.Errorf("cancel job: %w", err)
	}
	s.logger.Info("cancel requested", zap.String("job_id", id), zap.String("status", string(job.Status)))
	return job, nil
}

// Wait polls until the job reaches a terminal state or ctx ends.
func (s *Service) Wait(ctx context.Context, id string, interval time.Duration) (tracker.Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := s.registry.Get(id)
		if err != nil {
			return tracker.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, fmt.Errorf("wait for job %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Service) submit(ctx context.Context, jobType tracker.JobType, params tracker.JobParams) (string, error) {
	id, err := s.registry.Create(jobType, params)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	enqueueCtx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
	defer cancel()
	if err := s.enqueuer.Enqueue(enqueueCtx, id, s.clock.Now().Unix()); err != nil {
		// Nothing will ever run it.
		if _, cancelErr := s.registry.RequestCancel(id); cancelErr != nil {
			s.logger.Error("cancel unqueued job", zap.String("job_id", id), zap.Error(cancelErr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("job submitted", zap.String("job_id", id), zap.String("job_type", string(jobType)))
	return id, nil
}

// ValidateKey checks an external record key.
func ValidateKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: key is required", tracker.ErrValidation)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key longer than %d characters", tracker.ErrValidation, MaxKeyLength)
	}
	return nil
}

// ValidateTarget checks a key target, or a name and category target.
// Numeric categories must fall within the registry's class range.
func ValidateTarget(target tracker.Target) error {
	if target.ByKey() {
		return ValidateKey(target.Key)
	}
	if err := target.Validate(); err != nil {
		return err
	}
	if len(strings.TrimSpace(target.Name)) > MaxNameLength {
		return fmt.Errorf("%w: name longer than %d characters", tracker.ErrValidation, MaxNameLength)
	}
	category := strings.TrimSpace(target.Category)
	if n, err := strconv.Atoi(category); err == nil && (n < MinCategory || n > MaxCategory) {
		return fmt.Errorf("%w: category must be between %d and %d", tracker.ErrValidation, MinCategory, MaxCategory)
	}
	return nil
}
