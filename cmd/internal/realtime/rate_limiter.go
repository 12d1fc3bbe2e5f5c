package realtime

import "time"

// frameLimiter is a per-connection fixed-window counter for inbound frames.
// Connections are single-reader, so no locking is needed.
type frameLimiter struct {
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
}

func newFrameLimiter(limit int, window time.Duration) *frameLimiter {
	if limit <= 0 {
		limit = 120
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &frameLimiter{limit: limit, window: window}
}

// allow reports whether a frame arriving at "now" is within the limit.
func (l *frameLimiter) allow(now time.Time) bool {
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}
