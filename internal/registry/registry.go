// Package registry holds the in-memory lifecycle state of every job. It is
// the single source of truth for job status, progress and results. All
// mutations are serialized by one mutex and readers only ever receive
// snapshot copies.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// Config controls registry retention.
//   - Retention: number of jobs kept before the oldest terminal jobs are
//     evicted on Create. Zero disables eviction.
//   - Logger: optional structured logger for illegal transitions.
type Config struct {
	Retention int
	Logger    *zap.Logger
}

// Registry tracks jobs and enforces the job state machine:
//
//	pending -> running -> completed | failed | cancelled
//	pending -> cancelled
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*entry
	seq   uint64
	cfg   Config
	idGen tracker.IDGenerator
	clock tracker.Clock
	log   *zap.Logger
}

type entry struct {
	job tracker.Job
	seq uint64
}

// New constructs an empty Registry.
func New(cfg Config, idGen tracker.IDGenerator, clock tracker.Clock) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		jobs:  make(map[string]*entry),
		cfg:   cfg,
		idGen: idGen,
		clock: clock,
		log:   logger,
	}
}

// Create validates params against jobType, inserts a pending job and returns
// its ID. No work is started.
func (r *Registry) Create(jobType tracker.JobType, params tracker.JobParams) (string, error) {
	if err := params.Validate(jobType); err != nil {
		return "", err
	}
	id, err := r.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := tracker.Job{
		ID:        id,
		Type:      jobType,
		Params:    params.Clone(),
		Status:    tracker.JobStatusPending,
		CreatedAt: r.clock.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[id]; exists {
		return "", fmt.Errorf("job %s already exists", id)
	}
	r.seq++
	r.jobs[id] = &entry{job: job, seq: r.seq}
	r.evictLocked()
	return id, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (tracker.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return tracker.Job{}, fmt.Errorf("job %s: %w", id, tracker.ErrNotFound)
	}
	return snapshot(e.job), nil
}

// List returns every job, most recently created first.
func (r *Registry) List() []tracker.Job {
	return r.list(func(tracker.Job) bool { return true })
}

// ListByStatus returns jobs in status, most recently created first.
func (r *Registry) ListByStatus(status tracker.JobStatus) []tracker.Job {
	return r.list(func(j tracker.Job) bool { return j.Status == status })
}

// CountActive returns how many jobs of jobType are pending or running.
func (r *Registry) CountActive(jobType tracker.JobType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.jobs {
		if e.job.Type == jobType && !e.job.Status.Terminal() {
			n++
		}
	}
	return n
}

// RequestCancel cancels a pending job immediately, or flags a running job so
// its runner stops at the next checkpoint. It returns the job snapshot after
// the request. Finished jobs yield ErrAlreadyTerminal.
func (r *Registry) RequestCancel(id string) (tracker.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return tracker.Job{}, fmt.Errorf("job %s: %w", id, tracker.ErrNotFound)
	}
	switch e.job.Status {
	case tracker.JobStatusPending:
		if err := r.transitionLocked(e, tracker.JobStatusCancelled); err != nil {
			return tracker.Job{}, err
		}
		e.job.CancelRequested = true
	case tracker.JobStatusRunning:
		e.job.CancelRequested = true
	default:
		return snapshot(e.job), fmt.Errorf("job %s is %s: %w", id, e.job.Status, tracker.ErrAlreadyTerminal)
	}
	return snapshot(e.job), nil
}

// CancelRequested reports whether cancellation was requested for the job.
func (r *Registry) CancelRequested(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	return ok && e.job.CancelRequested
}

// Start moves a pending job to running. A job cancelled before it started
// yields ErrAlreadyTerminal.
func (r *Registry) Start(id string) error {
	return r.mutate(id, func(e *entry) error {
		if e.job.Status == tracker.JobStatusCancelled {
			return fmt.Errorf("start job %s: %w", id, tracker.ErrAlreadyTerminal)
		}
		if err := r.transitionLocked(e, tracker.JobStatusRunning); err != nil {
			return err
		}
		e.job.Progress = &tracker.Progress{Message: "starting"}
		return nil
	})
}

// UpdateProgress records how far a running job has advanced. Current may
// never move backwards.
func (r *Registry) UpdateProgress(id string, current, total int, message string) error {
	return r.mutate(id, func(e *entry) error {
		if e.job.Status != tracker.JobStatusRunning || e.job.Progress == nil {
			return r.illegal(e, "progress update", fmt.Sprintf("status %s", e.job.Status))
		}
		if current < e.job.Progress.Current || current > total {
			return r.illegal(e, "progress update", fmt.Sprintf("current %d total %d after %d",
				current, total, e.job.Progress.Current))
		}
		pct := 100.0
		if total > 0 {
			pct = float64(current) / float64(total) * 100
		}
		if pct < e.job.Progress.Percentage {
			pct = e.job.Progress.Percentage
		}
		e.job.Progress = &tracker.Progress{
			Current:    current,
			Total:      total,
			Percentage: pct,
			Message:    message,
		}
		return nil
	})
}

// RecordOutcome adds a unit outcome to the running tally.
func (r *Registry) RecordOutcome(id string, outcome tracker.Outcome) error {
	return r.mutate(id, func(e *entry) error {
		if e.job.Status != tracker.JobStatusRunning {
			return r.illegal(e, "record outcome", fmt.Sprintf("status %s", e.job.Status))
		}
		e.job.Tally.Add(outcome)
		return nil
	})
}

// Complete finishes a running job and freezes its tally as the result.
func (r *Registry) Complete(id string) error {
	return r.mutate(id, func(e *entry) error {
		if err := r.transitionLocked(e, tracker.JobStatusCompleted); err != nil {
			return err
		}
		result := e.job.Tally
		e.job.Result = &result
		return nil
	})
}

// Fail finishes a running job with an infrastructure error.
func (r *Registry) Fail(id string, cause error) error {
	return r.mutate(id, func(e *entry) error {
		if err := r.transitionLocked(e, tracker.JobStatusFailed); err != nil {
			return err
		}
		e.job.Error = "unknown error"
		if cause != nil {
			e.job.Error = cause.Error()
		}
		return nil
	})
}

// Cancel finishes a running job after its runner observed the cancel flag.
func (r *Registry) Cancel(id string) error {
	return r.mutate(id, func(e *entry) error {
		return r.transitionLocked(e, tracker.JobStatusCancelled)
	})
}

// Prune evicts the oldest terminal jobs beyond the retention limit and
// returns how many were removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked()
}

func (r *Registry) mutate(id string, fn func(e *entry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, tracker.ErrNotFound)
	}
	return fn(e)
}

func (r *Registry) transitionLocked(e *entry, to tracker.JobStatus) error {
	from := e.job.Status
	if !legal(from, to) {
		return r.illegal(e, "transition", fmt.Sprintf("%s -> %s", from, to))
	}
	now := r.clock.Now()
	e.job.Status = to
	if to == tracker.JobStatusRunning && e.job.StartedAt == nil {
		e.job.StartedAt = pointerTime(now)
	}
	if to.Terminal() {
		if e.job.CompletedAt == nil {
			e.job.CompletedAt = pointerTime(now)
		}
		e.job.Progress = nil
	}
	return nil
}

func (r *Registry) illegal(e *entry, op, detail string) error {
	r.log.Error("illegal job state change",
		zap.String("job_id", e.job.ID),
		zap.String("op", op),
		zap.String("detail", detail),
	)
	return fmt.Errorf("job %s %s (%s): %w", e.job.ID, op, detail, tracker.ErrInvalidTransition)
}

func (r *Registry) list(keep func(tracker.Job) bool) []tracker.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		if keep(e.job) {
			entries = append(entries, e)
		}
	}
	sortNewestFirst(entries)
	out := make([]tracker.Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, snapshot(e.job))
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) evictLocked() int {
	if r.cfg.Retention <= 0 || len(r.jobs) <= r.cfg.Retention {
		return 0
	}
	terminal := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		if e.job.Status.Terminal() {
			terminal = append(terminal, e)
		}
	}
	sortNewestFirst(terminal)
	removed := 0
	for i := len(terminal) - 1; i >= 0 && len(r.jobs) > r.cfg.Retention; i-- {
		delete(r.jobs, terminal[i].job.ID)
		removed++
	}
	return removed
}

func legal(from, to tracker.JobStatus) bool {
	switch from {
	case tracker.JobStatusPending:
		return to == tracker.JobStatusRunning || to == tracker.JobStatusCancelled
	case tracker.JobStatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

func sortNewestFirst(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
			return a.job.CreatedAt.After(b.job.CreatedAt)
		}
		return a.seq > b.seq
	})
}

func snapshot(job tracker.Job) tracker.Job {
	out := job
	out.Params = job.Params.Clone()
	if job.StartedAt != nil {
		out.StartedAt = pointerTime(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		out.CompletedAt = pointerTime(*job.CompletedAt)
	}
	if job.Progress != nil {
		p := *job.Progress
		out.Progress = &p
	}
	if job.Result != nil {
		res := *job.Result
		out.Result = &res
	}
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
