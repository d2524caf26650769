// Package ratelimit enforces optional per-route token buckets.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key (route host in practice).
// The set of keys is bounded by the config, so entries are never pruned.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
}

func New() *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter)}
}

// Allow reports whether one more request for key fits within rps/burst.
func (l *Limiter) Allow(key string, rps float64, burst int) bool {
	l.mu.RLock()
	lim, ok := l.buckets[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		lim, ok = l.buckets[key]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(rps), burst)
			l.buckets[key] = lim
		}
		l.mu.Unlock()
	}
	return lim.Allow()
}
