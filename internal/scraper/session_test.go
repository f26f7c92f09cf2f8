package scraper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionsTakeRemoves(t *testing.T) {
	t.Parallel()

	s := NewSessions[string](time.Minute, nil)
	s.Put("challenge-1", "cookies")
	require.Equal(t, 1, s.Len())

	v, ok := s.Take("challenge-1")
	require.True(t, ok)
	require.Equal(t, "cookies", v)

	_, ok = s.Take("challenge-1")
	require.False(t, ok)
	require.Zero(t, s.Len())
}

func TestSessionsSweepEvictsExpired(t *testing.T) {
	t.Parallel()

	var evicted []string
	s := NewSessions[string](time.Minute, func(v string) { evicted = append(evicted, v) })
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Put("old", "a")
	now = now.Add(45 * time.Second)
	s.Put("new", "b")
	now = now.Add(30 * time.Second)

	require.Equal(t, 1, s.Sweep())
	require.Equal(t, []string{"a"}, evicted)
	_, ok := s.Take("new")
	require.True(t, ok)
}

func TestSessionsPutReplacesAndEvicts(t *testing.T) {
	t.Parallel()

	var evicted []string
	s := NewSessions[string](0, func(v string) { evicted = append(evicted, v) })
	s.Put("challenge-1", "first")
	s.Put("challenge-1", "second")

	require.Equal(t, []string{"first"}, evicted)
	v, ok := s.Take("challenge-1")
	require.True(t, ok)
	require.Equal(t, "second", v)
}
