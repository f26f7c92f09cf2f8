package tracker

import (
	"fmt"
	"strings"
	"time"
)

// SingleKeyParams refreshes one record by its external key.
type SingleKeyParams struct {
	Key string `json:"key"`
}

// SingleNameCategoryParams refreshes one record by name and category.
type SingleNameCategoryParams struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// BatchParams refreshes an imported list of targets.
type BatchParams struct {
	Targets        []Target      `json:"targets"`
	SkipDuplicates bool          `json:"skip_duplicates"`
	Staleness      time.Duration `json:"staleness"`
}

// RefreshStaleParams refreshes every tracked record older than Staleness.
type RefreshStaleParams struct {
	Staleness time.Duration `json:"staleness"`
}

// JobParams carries the payload for a job. Exactly one field is set and it
// must match the job's type.
type JobParams struct {
	SingleKey          *SingleKeyParams          `json:"single_key,omitempty"`
	SingleNameCategory *SingleNameCategoryParams `json:"single_name_category,omitempty"`
	Batch              *BatchParams              `json:"batch,omitempty"`
	RefreshStale       *RefreshStaleParams       `json:"refresh_stale,omitempty"`
}

// Validate checks that p has the shape jobType requires.
func (p JobParams) Validate(jobType JobType) error {
	if n := p.setCount(); n != 1 {
		return fmt.Errorf("%w: expected exactly one parameter payload, got %d", ErrValidation, n)
	}
	switch jobType {
	case JobTypeSingleKey:
		if p.SingleKey == nil {
			return fmt.Errorf("%w: %s job requires single_key params", ErrValidation, jobType)
		}
		if strings.TrimSpace(p.SingleKey.Key) == "" {
			return fmt.Errorf("%w: key is required", ErrValidation)
		}
	case JobTypeSingleNameCategory:
		if p.SingleNameCategory == nil {
			return fmt.Errorf("%w: %s job requires single_name_category params", ErrValidation, jobType)
		}
		if strings.TrimSpace(p.SingleNameCategory.Name) == "" {
			return fmt.Errorf("%w: name is required", ErrValidation)
		}
		if strings.TrimSpace(p.SingleNameCategory.Category) == "" {
			return fmt.Errorf("%w: category is required", ErrValidation)
		}
	case JobTypeBatch:
		if p.Batch == nil {
			return fmt.Errorf("%w: %s job requires batch params", ErrValidation, jobType)
		}
		if len(p.Batch.Targets) == 0 {
			return fmt.Errorf("%w: batch has no targets", ErrValidation)
		}
		for i, target := range p.Batch.Targets {
			if err := target.Validate(); err != nil {
				return fmt.Errorf("target %d: %w", i, err)
			}
		}
		if p.Batch.SkipDuplicates && p.Batch.Staleness <= 0 {
			return fmt.Errorf("%w: staleness must be positive when skipping duplicates", ErrValidation)
		}
	case JobTypeRefreshStale:
		if p.RefreshStale == nil {
			return fmt.Errorf("%w: %s job requires refresh_stale params", ErrValidation, jobType)
		}
		if p.RefreshStale.Staleness <= 0 {
			return fmt.Errorf("%w: staleness must be positive", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrValidation, jobType)
	}
	return nil
}

// Clone returns a deep copy of p.
func (p JobParams) Clone() JobParams {
	out := JobParams{}
	if p.SingleKey != nil {
		v := *p.SingleKey
		out.SingleKey = &v
	}
	if p.SingleNameCategory != nil {
		v := *p.SingleNameCategory
		out.SingleNameCategory = &v
	}
	if p.Batch != nil {
		v := *p.Batch
		v.Targets = append([]Target(nil), p.Batch.Targets...)
		out.Batch = &v
	}
	if p.RefreshStale != nil {
		v := *p.RefreshStale
		out.RefreshStale = &v
	}
	return out
}

func (p JobParams) setCount() int {
	n := 0
	if p.SingleKey != nil {
		n++
	}
	if p.SingleNameCategory != nil {
		n++
	}
	if p.Batch != nil {
		n++
	}
	if p.RefreshStale != nil {
		n++
	}
	return n
}
