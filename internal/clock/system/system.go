// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements download.Clock with UTC wall time truncated to
// microseconds, the resolution of the SQL stores.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
