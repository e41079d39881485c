package query

import "time"

// Clock supplies "now" to relative datetime filters (today, thisWeek, ...).
// Injected rather than calling time.Now() directly so tests can pin a
// deterministic instant.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a test Clock that always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }
