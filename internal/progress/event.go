// Package progress defines the event structures emitted by the job runner.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageUnitDone     Stage = "UNIT_DONE"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
)

// Terminal reports whether the stage ends a job.
func (s Stage) Terminal() bool {
	return s == StageJobDone || s == StageJobError || s == StageJobCancelled
}

// Event captures a single step of job progress.
type Event struct {
	// JobID identifies the job in the registry.
	JobID string
	// JobType is the job's type label, used to partition metrics.
	JobType string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Target labels the record a unit event refers to.
	Target string
	// Outcome is success, skipped or failed for unit events.
	Outcome string
	// Reason explains failed units.
	Reason string
	// Current and Total mirror the job's progress after the event.
	Current int
	Total   int
	// Dur is the unit latency, or the job runtime on terminal events.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageJobCancelled:
	case StageUnitDone:
		if e.Outcome == "" {
			return errors.New("unit event requires outcome")
		}
		if e.Total > 0 && e.Current > e.Total {
			return fmt.Errorf("unit event current %d exceeds total %d", e.Current, e.Total)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
