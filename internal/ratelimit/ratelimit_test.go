package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/campuskb/campuskb/config"
)

func TestAllowWithinBudget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(func() time.Time { return now })
	rule := config.RateLimitRule{MaxRequests: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("1.2.3.4", "/ask", rule)
		if !ok {
			t.Fatalf("request %d denied", i+1)
		}
	}
	ok, retryAfter := l.Allow("1.2.3.4", "/ask", rule)
	if ok {
		t.Fatalf("fourth request should be denied")
	}
	if retryAfter != time.Minute {
		t.Fatalf("retryAfter = %s", retryAfter)
	}
}

func TestWindowReset(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(func() time.Time { return now })
	rule := config.RateLimitRule{MaxRequests: 1, Window: time.Minute}

	if ok, _ := l.Allow("c", "/ask", rule); !ok {
		t.Fatalf("first request denied")
	}
	if ok, _ := l.Allow("c", "/ask", rule); ok {
		t.Fatalf("second request in window allowed")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := l.Allow("c", "/ask", rule); !ok {
		t.Fatalf("request after window expiry denied")
	}
}

func TestRetryAfterShrinks(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(func() time.Time { return now })
	rule := config.RateLimitRule{MaxRequests: 1, Window: time.Minute}

	l.Allow("c", "/ask", rule)
	now = now.Add(40 * time.Second)
	_, retryAfter := l.Allow("c", "/ask", rule)
	if retryAfter != 20*time.Second {
		t.Fatalf("retryAfter = %s, want 20s", retryAfter)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(func() time.Time { return now })
	rule := config.RateLimitRule{MaxRequests: 1, Window: time.Minute}

	l.Allow("a", "/ask", rule)
	if ok, _ := l.Allow("b", "/ask", rule); !ok {
		t.Fatalf("different client should have its own window")
	}
	if ok, _ := l.Allow("a", "/scrape", rule); !ok {
		t.Fatalf("different route should have its own window")
	}
}

func TestPurgeDropsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(func() time.Time { return now })
	rule := config.RateLimitRule{MaxRequests: 5, Window: time.Minute}

	l.Allow("a", "/ask", rule)
	l.Allow("b", "/ask", rule)
	now = now.Add(2 * time.Minute)
	l.Allow("c", "/ask", rule)
	l.purge()

	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()
	if n != 1 {
		t.Fatalf("entries after purge = %d, want 1", n)
	}
}

func TestConcurrentAllowNeverExceedsBudget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(func() time.Time { return now })
	rule := config.RateLimitRule{MaxRequests: 50, Window: time.Minute}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if ok, _ := l.Allow("shared", "/ask", rule); ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Fatalf("allowed = %d, want exactly 50", allowed)
	}
}
