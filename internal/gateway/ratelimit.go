package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked limiter keys so rotating source
// addresses cannot grow the map without bound.
const maxTrackedKeys = 4096

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket. rpm <= 0 disables it.
// Safe for concurrent use.
type RateLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
	now     func() time.Time
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Enabled reports whether requests are limited at all.
func (r *RateLimiter) Enabled() bool { return r != nil && r.rpm > 0 }

// Allow reports whether key may make another request now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.entries) >= maxTrackedKeys {
		r.evictLocked(now)
	}
	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(float64(r.rpm)/60), r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// evictLocked drops idle keys, then arbitrary ones if still at the cap.
func (r *RateLimiter) evictLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) >= time.Minute {
			delete(r.entries, k)
		}
	}
	for k := range r.entries {
		if len(r.entries) < maxTrackedKeys {
			break
		}
		delete(r.entries, k)
	}
}

// ClientIP returns the request's remote host without port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
