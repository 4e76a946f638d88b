package types

import "time"

// Clock abstracts time for testability. Every time-windowed policy (quota
// month, cooldown, claimant cap) reads "now" through a Clock.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
