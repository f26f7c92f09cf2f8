package scraper

import (
	"sync"
	"time"
)

// DefaultSessionTTL bounds how long an unanswered challenge keeps its
// upstream session open.
const DefaultSessionTTL = 5 * time.Minute

// Sessions maps open challenge IDs to the client state needed to answer
// them. Entries are removed when taken or once they outlive the TTL.
type Sessions[T any] struct {
	mu      sync.Mutex
	items   map[string]sessionEntry[T]
	ttl     time.Duration
	now     func() time.Time
	onEvict func(T)
}

type sessionEntry[T any] struct {
	value   T
	created time.Time
}

// NewSessions builds an empty session table. onEvict, when set, is called
// for entries dropped by Sweep or replaced by Put.
func NewSessions[T any](ttl time.Duration, onEvict func(T)) *Sessions[T] {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions[T]{
		items:   make(map[string]sessionEntry[T]),
		ttl:     ttl,
		now:     time.Now,
		onEvict: onEvict,
	}
}

// Put stores value under id.
func (s *Sessions[T]) Put(id string, value T) {
	s.mu.Lock()
	old, replaced := s.items[id]
	s.items[id] = sessionEntry[T]{value: value, created: s.now()}
	s.mu.Unlock()
	if replaced && s.onEvict != nil {
		s.onEvict(old.value)
	}
}

// Take removes and returns the value stored under id.
func (s *Sessions[T]) Take(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		var zero T
		return zero, false
	}
	delete(s.items, id)
	return e.value, true
}

// Sweep drops expired entries and returns how many were removed.
func (s *Sessions[T]) Sweep() int {
	s.mu.Lock()
	cutoff := s.now().Add(-s.ttl)
	var expired []T
	for id, e := range s.items {
		if e.created.Before(cutoff) {
			expired = append(expired, e.value)
			delete(s.items, id)
		}
	}
	s.mu.Unlock()
	if s.onEvict != nil {
		for _, v := range expired {
			s.onEvict(v)
		}
	}
	return len(expired)
}

// Len returns the number of open sessions.
func (s *Sessions[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
