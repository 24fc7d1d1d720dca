package apikey

import (
	"sync"
	"time"
)

// RateLimiter bounds how often a single api key may pass the validator.
// Allow reports whether the call at time.Now() is within (max, window) for
// keyID, and if not, how long the caller should wait before retrying.
// Abstracted so a shared backend (Redis) can stand in for the in-process
// default once the gateway runs as more than one replica.
type RateLimiter interface {
	Allow(keyID string, max int, window time.Duration) (allowed bool, retryAfter time.Duration)
}

// MemoryLimiter is a sliding-window limiter keyed by api key id, entirely
// in-process. Each key tracks the timestamps of its recent calls and trims
// everything older than the window on every check.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string][]time.Time)}
}

func (l *MemoryLimiter) Allow(keyID string, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 {
		return true, 0
	}
	now := time.Now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.windows[keyID]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= max {
		retryAfter := kept[0].Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.windows[keyID] = kept
		return false, retryAfter
	}

	kept = append(kept, now)
	l.windows[keyID] = kept
	return true, 0
}

// Sweep drops tracked keys that have had no activity within maxAge, bounding
// memory use for a store with many stale keys. Intended to run on a ticker.
func (l *MemoryLimiter) Sweep(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, hits := range l.windows {
		if len(hits) == 0 || hits[len(hits)-1].Before(cutoff) {
			delete(l.windows, id)
		}
	}
}
