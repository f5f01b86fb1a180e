package domain

import "time"

// Clock supplies the current instant. Services take "now" from a Clock so
// past/future checks are deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
