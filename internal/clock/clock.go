package clock

import "time"

// Fixed is a settable clock for tests of time-dependent transitions.
// Params: stored instant.
// Returns: deterministic clock implementation.
type Fixed struct {
	At time.Time
}

// Now returns the stored instant.
// Params: none.
// Returns: fixed timestamp.
func (f Fixed) Now() time.Time {
	return f.At
}

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}
