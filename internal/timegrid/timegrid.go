// Package timegrid provides pure helpers for aligning timestamps to interval
// boundaries. All arithmetic is on UTC Unix epoch seconds.
package timegrid

import "time"

// Floor truncates t down to the previous multiple of d seconds.
func Floor(t time.Time, seconds int64) time.Time {
	if seconds <= 0 {
		return t.UTC()
	}
	unix := t.Unix()
	return time.Unix(unix-mod(unix, seconds), 0).UTC()
}

// Next returns the first boundary strictly after Floor(t).
func Next(t time.Time, seconds int64) time.Time {
	return Floor(t, seconds).Add(time.Duration(seconds) * time.Second)
}

// Aligned reports whether t sits exactly on a d-second boundary with no
// sub-second component.
func Aligned(t time.Time, seconds int64) bool {
	if t.Nanosecond() != 0 {
		return false
	}
	return seconds > 0 && mod(t.Unix(), seconds) == 0
}

// Ticks enumerates every boundary in [Floor(from), to), in ascending order.
func Ticks(from, to time.Time, seconds int64) []time.Time {
	if seconds <= 0 || !to.After(from) {
		return nil
	}
	var out []time.Time
	for t := Floor(from, seconds); t.Before(to); t = t.Add(time.Duration(seconds) * time.Second) {
		out = append(out, t)
	}
	return out
}

// mod is a floored modulo, correct for timestamps before the epoch.
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
