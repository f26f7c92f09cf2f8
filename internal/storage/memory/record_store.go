package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/tm-status-tracker/internal/storage"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// RecordStore provides an in-memory append-only record store for
// development/testing.
type RecordStore struct {
	mu        sync.RWMutex
	snapshots []tracker.Snapshot
	failures  []tracker.FailureRecord
	pingErr   error
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{}
}

// AppendSnapshot records a successful fetch.
func (s *RecordStore) AppendSnapshot(_ context.Context, snapshot tracker.Snapshot) error {
	if snapshot.Key == "" {
		return fmt.Errorf("snapshot key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

// AppendFailure records a failed fetch.
func (s *RecordStore) AppendFailure(_ context.Context, failure tracker.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
	return nil
}

// Latest returns the newest snapshot matching target.
func (s *RecordStore) Latest(_ context.Context, target tracker.Target) (tracker.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  tracker.Snapshot
		found bool
	)
	for _, snap := range s.snapshots {
		if !storage.MatchesTarget(snap, target) {
			continue
		}
		if !found || snap.Timestamp.After(best.Timestamp) {
			best, found = snap, true
		}
	}
	if !found {
		return tracker.Snapshot{}, fmt.Errorf("record %s: %w", target, tracker.ErrNotFound)
	}
	return best, nil
}

// ListCurrent returns the newest snapshot per key.
func (s *RecordStore) ListCurrent(_ context.Context) ([]tracker.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.LatestPerKey(s.snapshots), nil
}

// Search returns a filtered page of current records.
func (s *RecordStore) Search(ctx context.Context, filter tracker.RecordFilter) (tracker.RecordPage, error) {
	current, err := s.ListCurrent(ctx)
	if err != nil {
		return tracker.RecordPage{}, err
	}
	return storage.Paginate(current, filter), nil
}

// History returns snapshots and failures for key, newest first.
func (s *RecordStore) History(_ context.Context, key string) ([]tracker.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		snaps    []tracker.Snapshot
		failures []tracker.FailureRecord
	)
	for _, snap := range s.snapshots {
		if snap.Key == key {
			snaps = append(snaps, snap)
		}
	}
	for _, f := range s.failures {
		if f.Key == key {
			failures = append(failures, f)
		}
	}
	if len(snaps) == 0 && len(failures) == 0 {
		return nil, fmt.Errorf("record %s: %w", key, tracker.ErrNotFound)
	}
	return storage.MergeHistory(snaps, failures), nil
}

// TrackedTargets lists every key seen in snapshots or failures.
func (s *RecordStore) TrackedTargets(_ context.Context) ([]tracker.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.Tracked(storage.LatestPerKey(s.snapshots), s.failures), nil
}

// Delete removes every snapshot and failure for keys.
func (s *RecordStore) Delete(_ context.Context, keys []string) (tracker.DeleteResult, error) {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var res tracker.DeleteResult
	keptSnaps := s.snapshots[:0]
	for _, snap := range s.snapshots {
		if _, ok := drop[snap.Key]; ok {
			res.Snapshots++
			continue
		}
		keptSnaps = append(keptSnaps, snap)
	}
	s.snapshots = keptSnaps
	keptFailures := s.failures[:0]
	for _, f := range s.failures {
		if _, ok := drop[f.Key]; ok {
			res.Failures++
			continue
		}
		keptFailures = append(keptFailures, f)
	}
	s.failures = keptFailures
	return res, nil
}

// Ping reports the configured health error, nil by default.
func (s *RecordStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingErr
}

// SetPingError makes Ping fail with err. Intended for tests.
func (s *RecordStore) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}
