package gateway

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys so
	// rotating connection ids cannot exhaust memory.
	maxTrackedKeys = 4096

	// rateWindow is the sliding window for frame counting.
	rateWindow = 60 * time.Second
)

type rateEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter bounds inbound frame rate per connection. Safe for
// concurrent use.
type RateLimiter struct {
	perMin  int
	mu      sync.Mutex
	entries map[string]*rateEntry
}

// NewRateLimiter creates a limiter allowing perMin frames per key per
// window. perMin <= 0 disables limiting.
func NewRateLimiter(perMin int) *RateLimiter {
	return &RateLimiter{perMin: perMin, entries: make(map[string]*rateEntry)}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.perMin > 0 }

// Allow reports whether the key is within its budget, pruning stale
// entries and enforcing the hard cap on tracked keys.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateWindow {
				delete(r.entries, k)
			}
		}
		// Hard eviction if pruning freed nothing.
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateWindow {
		r.entries[key] = &rateEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.perMin
}

// Forget drops a key's window state, typically on disconnect.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}
