package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/tm-status-tracker/internal/progress"
	"github.com/JakeFAU/tm-status-tracker/internal/storage/memory"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

const correctAnswer = "X7K2QP"

// fakeSite issues a new challenge per fetch and serves the page when the
// correct answer is submitted.
type fakeSite struct {
	mu            sync.Mutex
	nextID        int
	fetches       int
	submitted     []string
	fetchErr      error
	reuseOnReject bool
	bareReject    bool
	stuckID       string
}

func (s *fakeSite) FetchStatus(ctx context.Context, target tracker.Target) (tracker.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return tracker.FetchResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchErr != nil {
		return tracker.FetchResult{}, s.fetchErr
	}
	return tracker.FetchResult{Challenge: s.challengeLocked(target)}, nil
}

func (s *fakeSite) SubmitCaptcha(_ context.Context, challenge tracker.Challenge, answer string) (tracker.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, challenge.ID)
	if answer == correctAnswer {
		return tracker.FetchResult{Page: &tracker.Page{
			Target: challenge.Target,
			URL:    "https://registry.test/status",
			Body:   []byte("<html>" + challenge.Target.String() + "</html>"),
		}}, nil
	}
	if s.bareReject {
		return tracker.FetchResult{Rejected: true}, nil
	}
	next := &challenge
	if !s.reuseOnReject {
		next = s.challengeLocked(challenge.Target)
	}
	return tracker.FetchResult{Challenge: next, Rejected: true, Reason: "invalid captcha"}, nil
}

func (s *fakeSite) challengeLocked(target tracker.Target) *tracker.Challenge {
	id := s.stuckID
	if id == "" {
		s.nextID++
		id = fmt.Sprintf("c-%d", s.nextID)
	}
	return &tracker.Challenge{ID: id, Target: target, Image: []byte(target.String())}
}

func (s *fakeSite) stats() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches, append([]string(nil), s.submitted...)
}

// fakeSolver answers correctly unless the image names a target listed in
// wrongFor, or until wrongFirst answers have been given.
type fakeSolver struct {
	mu         sync.Mutex
	wrongFor   map[string]bool
	wrongFirst int
	err        error
	calls      int
}

func (s *fakeSolver) Solve(_ context.Context, image []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if s.wrongFor[string(image)] || s.calls <= s.wrongFirst {
		return "WRONG1", nil
	}
	return correctAnswer, nil
}

type fakeParser struct {
	status string
	err    error
}

func (p fakeParser) Parse(page tracker.Page) (tracker.Snapshot, error) {
	if p.err != nil {
		return tracker.Snapshot{}, p.err
	}
	key := page.Target.Key
	if key == "" {
		key = "K-" + page.Target.Name
	}
	status := p.status
	if status == "" {
		status = "Registered"
	}
	return tracker.Snapshot{Key: key, Name: page.Target.Name, Category: page.Target.Category, Status: status}, nil
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type fakeLimiter struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (l *fakeLimiter) Wait(_ context.Context, _ string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.err
}

type fakeDiagnostics struct {
	mu       sync.Mutex
	pages    []tracker.Page
	failures []tracker.FailureRecord
}

func (d *fakeDiagnostics) Save(_ context.Context, page tracker.Page, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages = append(d.pages, page)
	return fmt.Sprintf("memory://diag/%d.html", len(d.pages)), nil
}

func (d *fakeDiagnostics) SaveFailure(_ context.Context, failure tracker.FailureRecord) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, failure)
	return fmt.Sprintf("memory://diag/%d.json", len(d.failures)), nil
}

// brokenStore fails snapshot appends.
type brokenStore struct {
	*memory.RecordStore
}

func (brokenStore) AppendSnapshot(context.Context, tracker.Snapshot) error {
	return errors.New("disk full")
}

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

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, string(evt.Stage))
}

func (e *recordingEmitter) stages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}
