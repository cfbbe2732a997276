// Package ratelimit implements a fixed-window request limiter keyed by
// client and route. Counting is in-process; windows reset wholesale when
// they expire, and a background janitor purges dead entries.
package ratelimit

import (
	"sync"
	"time"

	"github.com/campuskb/campuskb/config"
)

const purgeInterval = 60 * time.Second

type entry struct {
	count   int
	resetAt time.Time
}

type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	stop    chan struct{}
}

func New() *Limiter {
	l := &Limiter{
		entries: make(map[string]*entry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// NewWithClock constructs a limiter without the janitor, using the supplied
// clock. For tests.
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		now:     now,
		stop:    make(chan struct{}),
	}
}

func (l *Limiter) Close() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// Allow records one request for {clientID, route} against the rule and
// reports whether it fits the current window. When denied, retryAfter is the
// time remaining until the window resets.
func (l *Limiter) Allow(clientID, route string, rule config.RateLimitRule) (allowed bool, retryAfter time.Duration) {
	if rule.MaxRequests <= 0 || rule.Window <= 0 {
		return true, 0
	}
	key := clientID + ":" + route
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || now.After(e.resetAt) || now.Equal(e.resetAt) {
		l.entries[key] = &entry{count: 1, resetAt: now.Add(rule.Window)}
		return true, 0
	}
	if e.count >= rule.MaxRequests {
		return false, e.resetAt.Sub(now)
	}
	e.count++
	return true, 0
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.purge()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) purge() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if now.After(e.resetAt) {
			delete(l.entries, k)
		}
	}
}
