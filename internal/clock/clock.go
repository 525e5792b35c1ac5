package clock

import "time"

// Clock abstracts time operations for testability. Every wait in the
// rotation runner (backoff, timeouts) goes through a Clock so tests can
// drive time forward without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real uses the standard library time functions.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
