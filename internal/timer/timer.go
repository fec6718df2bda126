// Package timer is the single source of truth for attempt deadlines.
// Server time is authoritative: nothing a client reports can move a deadline.
package timer

import "time"

// Clock abstracts the wall clock so deadlines can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Remaining returns endsAt - now clamped to zero.
func Remaining(endsAt, now time.Time) time.Duration {
	d := endsAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RemainingSeconds is Remaining expressed in seconds for API responses.
func RemainingSeconds(endsAt, now time.Time) float64 {
	return Remaining(endsAt, now).Seconds()
}

// IsUp reports whether the deadline has passed, allowing an optional grace period.
// A deadline reached exactly is not yet up.
func IsUp(endsAt, now time.Time, grace time.Duration) bool {
	return now.After(endsAt.Add(grace))
}

// WindowEnd computes the deadline of a subject window opened at now.
// The tightest of the subject duration and the optional absolute bounds wins.
// It returns false when nothing bounds the window.
func WindowEnd(now time.Time, subject time.Duration, bounds ...*time.Time) (time.Time, bool) {
	var (
		end time.Time
		ok  bool
	)
	if subject > 0 {
		end, ok = now.Add(subject), true
	}
	for _, b := range bounds {
		if b == nil {
			continue
		}
		if !ok || b.Before(end) {
			end, ok = *b, true
		}
	}
	return end, ok
}

// TimeUsed returns whole seconds spent between startedAt and the earlier of now and endsAt.
func TimeUsed(startedAt, endsAt, now time.Time) int {
	stop := now
	if endsAt.Before(stop) {
		stop = endsAt
	}
	used := stop.Sub(startedAt)
	if used < 0 {
		return 0
	}
	return int(used / time.Second)
}
