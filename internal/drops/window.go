package drops

import (
	"math"
	"time"
)

// MonthWindow returns the UTC calendar-month interval [start, end) containing
// now. Every monthly quota computation uses this window, so a drop issued at
// 23:59:59 on the last day counts against that month and the counter resets
// at the boundary.
func MonthWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return start, end
}

// CooldownRemaining returns the whole seconds a caller must wait before the
// cooldown elapses, or 0 when it already has. Partial seconds round up, and
// an in-progress cooldown never reports less than 1.
func CooldownRemaining(last time.Time, cooldownSeconds int, now time.Time) int {
	if cooldownSeconds <= 0 {
		return 0
	}
	elapsed := now.Sub(last)
	remaining := time.Duration(cooldownSeconds)*time.Second - elapsed
	if remaining <= 0 {
		return 0
	}
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
