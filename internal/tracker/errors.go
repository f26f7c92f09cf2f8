package tracker

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the registry, pipeline and API layers.
var (
	// ErrValidation marks a malformed request rejected before any job exists.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown job id or record key.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited marks a rate limiter denial.
	ErrRateLimited = errors.New("rate limited")
	// ErrAlreadyTerminal is returned when cancelling a finished job.
	ErrAlreadyTerminal = errors.New("job already terminal")
	// ErrInvalidTransition marks an illegal job state change.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrInfrastructure marks failures that abort the enclosing job.
	ErrInfrastructure = errors.New("infrastructure failure")
	// ErrQueueClosed is returned by a job queue that no longer hands out work.
	ErrQueueClosed = errors.New("queue closed")
)

// Unit failure reasons recorded on failed outcomes.
const (
	ReasonCaptchaExhausted = "captcha exhausted"
	ReasonParseError       = "parse error"
	ReasonRateLimited      = "rate limited"
	ReasonScrapeError      = "scrape error"
)

// UnitError is a per-unit upstream failure. It never aborts the job.
type UnitError struct {
	Reason string
	Err    error
}

func (e *UnitError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// NewUnitError wraps err with a failure reason.
func NewUnitError(reason string, err error) *UnitError {
	return &UnitError{Reason: reason, Err: err}
}

// RowError describes one rejected import row. Row is the 1-based line in
// the source file, counting the header.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// RowErrors collects per-row validation failures.
type RowErrors []RowError

func (r RowErrors) Error() string {
	if len(r) == 0 {
		return "no row errors"
	}
	if len(r) == 1 {
		return fmt.Sprintf("row %d: %s", r[0].Row, r[0].Message)
	}
	return fmt.Sprintf("row %d: %s (and %d more)", r[0].Row, r[0].Message, len(r)-1)
}

// Unwrap lets errors.Is match ErrValidation.
func (r RowErrors) Unwrap() error { return ErrValidation }
