// Package system provides a real clock implementation.
package system

import (
	"fmt"
	"time"
)

// Clock implements tracker.Clock using time.Now in a fixed location.
type Clock struct {
	loc *time.Location
}

// New creates a UTC Clock.
func New() *Clock {
	return &Clock{loc: time.UTC}
}

// NewInZone creates a Clock reporting times in the named IANA zone, for
// registries whose dates are local (e.g. "Asia/Kolkata").
func NewInZone(name string) (*Clock, error) {
	if name == "" {
		return New(), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return &Clock{loc: loc}, nil
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	if c == nil || c.loc == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.loc)
}
