package tracker

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of an ingestion job.
type JobStatus string

// Job status values. Completed, failed and cancelled are terminal.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobType identifies the shape of a job's parameters.
type JobType string

// Supported job types.
const (
	JobTypeSingleKey          JobType = "single_key"
	JobTypeSingleNameCategory JobType = "single_name_category"
	JobTypeBatch              JobType = "bulk_batch"
	JobTypeRefreshStale       JobType = "refresh_stale"
)

// Target identifies one registry record to look up, either by its external
// key or by name and category when no key is known yet.
type Target struct {
	Key      string `json:"key,omitempty"`
	Name     string `json:"name,omitempty"`
	Category string `json:"category,omitempty"`
}

// ByKey reports whether the target is looked up by its external key.
func (t Target) ByKey() bool {
	return strings.TrimSpace(t.Key) != ""
}

// Validate checks that the target carries a key or a full name+category pair.
func (t Target) Validate() error {
	if t.ByKey() {
		return nil
	}
	if strings.TrimSpace(t.Name) == "" || strings.TrimSpace(t.Category) == "" {
		return fmt.Errorf("%w: target needs a key or both name and category", ErrValidation)
	}
	return nil
}

// String renders the target for progress messages and logs.
func (t Target) String() string {
	if t.ByKey() {
		return t.Key
	}
	return fmt.Sprintf("%s (class %s)", t.Name, t.Category)
}

// Progress describes how far a running job has advanced.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message"`
}

// JobResult counts unit outcomes.
type JobResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Processed returns the number of units accounted for.
func (r JobResult) Processed() int {
	return r.Success + r.Failed + r.Skipped
}

// Add increments the counter that matches outcome.
func (r *JobResult) Add(outcome Outcome) {
	switch outcome.Kind {
	case OutcomeSuccess:
		r.Success++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// Job is an immutable snapshot of a tracked asynchronous task.
type Job struct {
	ID              string     `json:"id"`
	Type            JobType    `json:"type"`
	Params          JobParams  `json:"params"`
	Status          JobStatus  `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Progress        *Progress  `json:"progress,omitempty"`
	Result          *JobResult `json:"result,omitempty"`
	Tally           JobResult  `json:"tally"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
}

// Snapshot is one successful fetch of a record. Snapshots are append-only.
type Snapshot struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// FailureRecord is one failed fetch attempt kept for diagnostics and history.
type FailureRecord struct {
	Key       string    `json:"key"`
	Name      string    `json:"name,omitempty"`
	Category  string    `json:"category,omitempty"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FailedStatus marks failure rows when merged into a record's history.
const FailedStatus = "!FAILED"

// HistoryEntry is a row of a record's merged history.
type HistoryEntry struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordFilter narrows a paginated record query. String fields match as
// case-insensitive substrings.
type RecordFilter struct {
	Key      string
	Name     string
	Category string
	Status   string
	Page     int
	PageSize int
}

// RecordPage is one page of current records.
type RecordPage struct {
	Records  []Snapshot `json:"records"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// DeleteResult reports how many rows a delete removed per table.
type DeleteResult struct {
	Snapshots int64 `json:"snapshots"`
	Failures  int64 `json:"failures"`
}

// Found reports whether anything was removed.
func (d DeleteResult) Found() bool {
	return d.Snapshots > 0 || d.Failures > 0
}

// Unit is one fetch/parse/persist cycle within a job.
type Unit struct {
	Target         Target
	SkipDuplicates bool
	Staleness      time.Duration
}

// OutcomeKind classifies the result of a unit.
type OutcomeKind string

// Unit outcome kinds.
const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome is the result of processing one unit.
type Outcome struct {
	Kind     OutcomeKind
	Reason   string
	Snapshot *Snapshot
}

// RecordNotification announces a freshly persisted snapshot to subscribers.
type RecordNotification struct {
	JobID          string    `json:"job_id"`
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Changed        bool      `json:"changed"`
	Timestamp      time.Time `json:"timestamp"`
}

// Attributes returns message attributes subscribers can filter on.
func (n RecordNotification) Attributes() map[string]string {
	changed := "false"
	if n.Changed {
		changed = "true"
	}
	return map[string]string{
		"record_key":     n.Key,
		"status_changed": changed,
	}
}
