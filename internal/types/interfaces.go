package types

import "time"

// Clock abstracts time for testability. Every job and worker receives a
// Clock instead of calling time.Now directly, so tests can simulate specific
// instants, timezones, and DST transitions deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// FixedClock implements Clock returning a fixed instant. Test helper.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.T }
