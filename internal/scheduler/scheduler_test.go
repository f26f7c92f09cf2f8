package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/tm-status-tracker/internal/jobs"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	seen []time.Duration
	err  error
}

func (f *fakeSubmitter) SubmitRefreshStale(_ context.Context, staleness time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, staleness)
	if f.err != nil {
		return "", f.err
	}
	return "job-1", nil
}

func (f *fakeSubmitter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func TestNewRejectsInvalidCron(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Cron: "every tuesday"}, &fakeSubmitter{}, nil)
	require.Error(t, err)
}

func TestTriggerSubmitsRefresh(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sub := &fakeSubmitter{}
	s, err := New(Config{Cron: "0 3 * * *", Staleness: 15 * 24 * time.Hour}, sub, zap.New(core))
	require.NoError(t, err)

	s.trigger()
	require.Equal(t, []time.Duration{15 * 24 * time.Hour}, sub.seen)
	require.Equal(t, 1, logs.FilterMessage("scheduled refresh submitted").Len())
}

func TestTriggerSkipsAtCapacity(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sub := &fakeSubmitter{err: jobs.ErrAtCapacity}
	s, err := New(Config{Cron: "@hourly"}, sub, zap.New(core))
	require.NoError(t, err)

	s.trigger()
	require.Equal(t, 1, logs.FilterMessage("scheduled refresh skipped").Len())

	sub.err = errors.New("queue closed")
	s.trigger()
	require.Equal(t, 1, logs.FilterMessage("scheduled refresh failed").Len())
}

func TestScheduleFiresAndStops(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("UTC")
	require.NoError(t, err)
	sub := &fakeSubmitter{}
	s, err := New(Config{Cron: "@every 1s", Location: loc}, sub, nil)
	require.NoError(t, err)

	s.Start()
	require.False(t, s.Next().IsZero())
	require.Eventually(t, func() bool { return sub.calls() >= 1 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
