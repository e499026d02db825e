package discord

import (
	"sync"
	"time"
)

// limiter tracks send timestamps for one webhook inside a sliding window, plus
// a hard block applied when Discord answers 429. Only the queue worker mutates
// it, but the mutex keeps stat reads safe.
type limiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int

	sends        []time.Time
	blockedUntil time.Time

	now func() time.Time
}

func newLimiter(limit int, window time.Duration) *limiter {
	return &limiter{
		window: window,
		limit:  limit,
		now:    time.Now,
	}
}

// reserve reports whether a send may go out now. When it may not, it returns
// the earliest time a send could succeed and whether the wait comes from a
// 429 block rather than a full window.
func (l *limiter) reserve() (ok bool, until time.Time, blocked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.blockedUntil) {
		return false, l.blockedUntil, true
	}

	l.prune(now)
	if len(l.sends) < l.limit {
		return true, time.Time{}, false
	}
	// The oldest send leaves the window at sends[0]+window.
	return false, l.sends[0].Add(l.window), false
}

// record notes a completed send attempt.
func (l *limiter) record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	l.sends = append(l.sends, now)
}

// block refuses all sends until the given time.
func (l *limiter) block(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
}

// prune drops timestamps that have left the window. Callers hold the mutex.
func (l *limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.sends) && !l.sends[i].After(cutoff) {
		i++
	}
	l.sends = l.sends[i:]
}
