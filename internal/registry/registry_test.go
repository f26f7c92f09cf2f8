package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newRegistry(retention int) *Registry {
	return New(Config{Retention: retention}, &seqIDs{}, &stepClock{now: time.Unix(1_700_000_000, 0).UTC()})
}

func singleKey(key string) tracker.JobParams {
	return tracker.JobParams{SingleKey: &tracker.SingleKeyParams{Key: key}}
}

func TestCreateRejectsInvalidParams(t *testing.T) {
	t.Parallel()

	reg := newRegistry(0)
	_, err := reg.Create(tracker.JobTypeSingleKey, singleKey(""))
	require.ErrorIs(t, err, tracker.ErrValidation)
	_, err = reg.Create(tracker.JobTypeSingleNameCategory, tracker.JobParams{
		SingleNameCategory: &tracker.SingleNameCategoryParams{Name: "ACME"},
	})
	require.ErrorIs(t, err, tracker.ErrValidation)
	require.Empty(t, reg.List())
}

func TestCreatePropagatesIDError(t *testing.T) {
	t.Parallel()

	reg := New(Config{}, failingIDs{}, &stepClock{})
	_, err := reg.Create(tracker.JobTypeSingleKey, singleKey("1"))
	require.ErrorContains(t, err, "entropy exhausted")
}

func TestLifecycleCompleted(t *testing.T) {
	t.Parallel()

	reg := newRegistry(0)
	id, err := reg.Create(tracker.JobTypeSingleKey, singleKey("1234567"))
	require.NoError(t, err)

	job, err := reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusPending, job.Status)
	require.Nil(t, job.StartedAt)
	require.Nil(t, job.Progress)

	require.NoError(t, reg.Start(id))
	job, _ = reg.Get(id)
	require.Equal(t, tracker.JobStatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.Progress)
	started := *job.StartedAt

	require.NoError(t, reg.RecordOutcome(id, tracker.Outcome{Kind: tracker.OutcomeSuccess}))
	require.NoError(t, reg.UpdateProgress(id, 1, 1, "refreshed 1234567"))
	job, _ = reg.Get(id)
	require.Equal(t, 100.0, job.Progress.Percentage)
	require.Nil(t, job.Result)

	require.NoError(t, reg.Complete(id))
	job, _ = reg.Get(id)
	require.Equal(t, tracker.JobStatusCompleted, job.Status)
	require.Equal(t, &tracker.JobResult{Success: 1}, job.Result)
	require.Nil(t, job.Progress)
	require.Empty(t, job.Error)
	require.Equal(t, started, *job.StartedAt)
	require.NotNil(t, job.CompletedAt)

	require.ErrorIs(t, reg.Fail(id, errors.New("late")), tracker.ErrInvalidTransition)
	require.ErrorIs(t, reg.Cancel(id), tracker.ErrInvalidTransition)
	require.ErrorIs(t, reg.Start(id), tracker.ErrInvalidTransition)
	job, _ = reg.Get(id)
	require.Equal(t, tracker.JobStatusCompleted, job.Status)
}

func TestFailSetsErrorOnly(t *testing.T) {
	t.Parallel()

	reg := newRegistry(0)
	id, err := reg.Create(tracker.JobTypeSingleKey, singleKey("1"))
	require.NoError(t, err)
	require.NoError(t, reg.Start(id))
	require.NoError(t, reg.Fail(id, errors.New("store unreachable")))

	job, _ := reg.Get(id)
	require.Equal(t, tracker.JobStatusFailed, job.Status)
	require.Equal(t, "store unreachable", job.Error)
	require.Nil(t, job.Result)
	require.NotNil(t, job.CompletedAt)
}

func TestIllegalTransitionsFromPending(t *testing.T) {
	t.Parallel()

	reg := newRegistry(0)
	id, err := reg.Create(tracker.JobTypeSingleKey, singleKey("1"))
	require.NoError(t, err)

	require.ErrorIs(t, reg.Complete(id), tracker.ErrInvalidTransition)
	require.ErrorIs(t, reg.Fail(id, nil), tracker.ErrInvalidTransition)
	require.ErrorIs(t, reg.UpdateProgress(id, 1, 1, ""), tracker.ErrInvalidTransition)
	require.ErrorIs(t, reg.RecordOutcome(id, tracker.Outcome{Kind: tracker.OutcomeSuccess}), tracker.ErrInvalidTransition)
}

func TestProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	reg := newRegistry(0)
	id, err := reg.Create(tracker.JobTypeRefreshStale, tracker.JobParams{
		RefreshStale: &tracker.RefreshStaleParams{Staleness: time.Hour},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Start(id))
	require.NoError(t, reg.UpdateProgress(id, 2, 4, "two"))
	require.ErrorIs(t, reg.UpdateProgress(id, 1, 4, "back"), tracker.ErrInvalidTransition)
	require.ErrorIs(t, reg.UpdateProgress(id, 5, 4, "past"), tracker.ErrInvalidTransition)

	job, _ := reg.Get(id)
	require.Equal(t, tracker.Progress{Current: 2, Total: 4, Percentage: 50, Message: "two"}, *job.Progress)
}

func TestRequestCancelPendingIsSynchronous(t *testing.T) {
	t.Parallel()

	reg := newRegistry(0)
	id, err := reg.Create(tracker.JobTypeSingleKey, singleKey("1"))
	require.NoError(t, err)

	job, err := reg.RequestCancel(id)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusCancelled, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.Nil(t, job.StartedAt)
	require.ErrorIs(t, reg.Start(id), tracker.ErrAlreadyTerminal)

	_, err = reg.RequestCancel(id)
	require.ErrorIs(t, err, tracker.ErrAlreadyTerminal)
}

func TestStartAfterCancelIsQuiet(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	reg := New(Config{Logger: zap.New(core)}, &seqIDs{}, &stepClock{now: time.Unix(1_700_000_000, 0).UTC()})
	id, err := reg.Create(tracker.JobTypeSingleKey, singleKey("1"))
	require.NoError(t, err)
	_, err = reg.RequestCancel(id)
	require.NoError(t, err)

	err = reg.Start(id)
	require.ErrorIs(t, err, tracker.ErrAlreadyTerminal)
	require.NotErrorIs(t, err, tracker.ErrInvalidTransition)
	require.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	// Other illegal moves out of a terminal state are still reported.
	require.ErrorIs(t, reg.Complete(id), tracker.ErrInvalidTransition)
	require.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestRequestCancelRunningSetsFlag(t *testing.T) {
	t.Parallel()

	reg := newRegistry(0)
	id, err := reg.Create(tracker.JobTypeSingleKey, singleKey("1"))
	require.NoError(t, err)
	require.NoError(t, reg.Start(id))
	require.False(t, reg.CancelRequested(id))

	job, err := reg.RequestCancel(id)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusRunning, job.Status)
	require.True(t, reg.CancelRequested(id))

	require.NoError(t, reg.Cancel(id))
	job, _ = reg.Get(id)
	require.Equal(t, tracker.JobStatusCancelled, job.Status)
	require.Nil(t, job.Result)
}

func TestRequestCancelUnknown(t *testing.T) {
	t.Parallel()

	_, err := newRegistry(0).RequestCancel("missing")
	require.ErrorIs(t, err, tracker.ErrNotFound)
	_, err = newRegistry(0).Get("missing")
	require.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestListNewestFirstAndByStatus(t *testing.T) {
	t.Parallel()

	reg := newRegistry(0)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := reg.Create(tracker.JobTypeSingleKey, singleKey(fmt.Sprint(i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, reg.Start(ids[1]))

	all := reg.List()
	require.Len(t, all, 3)
	require.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].ID, all[1].ID, all[2].ID})

	running := reg.ListByStatus(tracker.JobStatusRunning)
	require.Len(t, running, 1)
	require.Equal(t, ids[1], running[0].ID)
	require.Equal(t, 3, reg.CountActive(tracker.JobTypeSingleKey))
	require.Zero(t, reg.CountActive(tracker.JobTypeRefreshStale))

	require.NoError(t, reg.Complete(ids[1]))
	require.Equal(t, 2, reg.CountActive(tracker.JobTypeSingleKey))
}

func TestSnapshotsAreIsolated(t *testing.T) {
	t.Parallel()

	reg := newRegistry(0)
	id, err := reg.Create(tracker.JobTypeBatch, tracker.JobParams{Batch: &tracker.BatchParams{
		Targets: []tracker.Target{{Key: "1"}},
	}})
	require.NoError(t, err)
	require.NoError(t, reg.Start(id))

	job, _ := reg.Get(id)
	job.Params.Batch.Targets[0].Key = "mutated"
	job.Progress.Current = 99
	*job.StartedAt = time.Time{}

	again, _ := reg.Get(id)
	require.Equal(t, "1", again.Params.Batch.Targets[0].Key)
	require.Equal(t, 0, again.Progress.Current)
	require.False(t, again.StartedAt.IsZero())
}

func TestRetentionEvictsOldestTerminal(t *testing.T) {
	t.Parallel()

	reg := newRegistry(2)
	first, err := reg.Create(tracker.JobTypeSingleKey, singleKey("1"))
	require.NoError(t, err)
	second, err := reg.Create(tracker.JobTypeSingleKey, singleKey("2"))
	require.NoError(t, err)
	_, err = reg.RequestCancel(first)
	require.NoError(t, err)

	third, err := reg.Create(tracker.JobTypeSingleKey, singleKey("3"))
	require.NoError(t, err)

	_, err = reg.Get(first)
	require.ErrorIs(t, err, tracker.ErrNotFound)
	_, err = reg.Get(second)
	require.NoError(t, err)

	// Active jobs are never evicted, even past the limit.
	_, err = reg.Create(tracker.JobTypeSingleKey, singleKey("4"))
	require.NoError(t, err)
	require.Len(t, reg.List(), 3)
	_, err = reg.Get(third)
	require.NoError(t, err)
	require.Equal(t, 0, reg.Prune())
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	reg := newRegistry(0)
	id, err := reg.Create(tracker.JobTypeRefreshStale, tracker.JobParams{
		RefreshStale: &tracker.RefreshStaleParams{Staleness: time.Hour},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Start(id))

	const total = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= total; i++ {
			if err := reg.RecordOutcome(id, tracker.Outcome{Kind: tracker.OutcomeSuccess}); err != nil {
				t.Error(err)
			}
			if err := reg.UpdateProgress(id, i, total, "unit"); err != nil {
				t.Error(err)
			}
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for i := 0; i < total; i++ {
				job, err := reg.Get(id)
				if err != nil || job.Progress == nil {
					continue
				}
				if job.Progress.Current < last {
					t.Errorf("progress went backwards: %d after %d", job.Progress.Current, last)
				}
				last = job.Progress.Current
			}
		}()
	}
	wg.Wait()
	require.NoError(t, reg.Complete(id))
	job, _ := reg.Get(id)
	require.Equal(t, total, job.Result.Success)
}
