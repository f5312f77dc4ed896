// Package system provides a wall clock pinned to the scheduler timezone.
package system

import "time"

// Clock implements push.Clock using time.Now.
type Clock struct {
	loc *time.Location
}

// New creates a Clock reporting times in loc. A nil loc means UTC.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Now returns the current time in the clock's location.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the clock's timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}
