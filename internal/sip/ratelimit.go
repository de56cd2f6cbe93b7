package sip

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// Per-source budget for request-initiating methods (REGISTER, INVITE).
	// Generous enough for a phone rebooting or an office re-registering
	// behind one NAT, tight enough to blunt scanners.
	limiterRate  = rate.Limit(10)
	limiterBurst = 20

	// limiterIdle is how long a source's bucket survives without traffic.
	limiterIdle = 3 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per source IP. It is consulted before
// any transaction work for REGISTER and INVITE; callers drop or 503 the
// request when Allow returns false.
type RateLimiter struct {
	mu      sync.Mutex
	sources map[string]*limiterEntry
}

// NewRateLimiter creates an empty per-source limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{sources: make(map[string]*limiterEntry)}
}

// Allow reports whether the source ("ip:port") may proceed, consuming one
// token if so.
func (r *RateLimiter) Allow(source string) bool {
	ip := sourceIP(source)
	if ip == "" {
		return true
	}

	r.mu.Lock()
	e, ok := r.sources[ip]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(limiterRate, limiterBurst)}
		r.sources[ip] = e
	}
	e.lastSeen = time.Now()
	r.mu.Unlock()

	return e.lim.Allow()
}

// Cleanup forgets buckets idle longer than limiterIdle. Runs from the
// server's housekeeping loop alongside nonce expiry.
func (r *RateLimiter) Cleanup() {
	cutoff := time.Now().Add(-limiterIdle)
	r.mu.Lock()
	for ip, e := range r.sources {
		if e.lastSeen.Before(cutoff) {
			delete(r.sources, ip)
		}
	}
	r.mu.Unlock()
}
