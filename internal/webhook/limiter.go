// ABOUTME: Sliding-window rate limiter keyed by service id
// ABOUTME: Bounded key set with an injectable clock

package webhook

import (
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 60
	DefaultRateWindow = 60 * time.Second
	defaultMaxKeys    = 10000
)

// Limiter allows at most limit events per key in any rolling window.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	maxKeys int
	hits    map[string][]time.Time
	now     func() time.Time
}

// NewLimiter creates a limiter; non-positive values fall back to defaults.
func NewLimiter(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		maxKeys: defaultMaxKeys,
		hits:    make(map[string][]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the limiter's time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow records an event for key and reports whether it is within the limit.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	hits, known := l.hits[key]
	if !known && len(l.hits) >= l.maxKeys {
		l.pruneLocked(cutoff)
		if len(l.hits) >= l.maxKeys {
			return false
		}
	}

	hits = trim(hits, cutoff)
	if len(hits) >= l.limit {
		l.hits[key] = hits
		return false
	}
	l.hits[key] = append(hits, now)
	return true
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

func (l *Limiter) pruneLocked(cutoff time.Time) {
	for key, hits := range l.hits {
		if hits = trim(hits, cutoff); len(hits) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = hits
		}
	}
}

// trim drops timestamps at or before cutoff. hits is sorted ascending.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
