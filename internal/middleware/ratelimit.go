package myMiddleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go-assoc-chat/internal/metrics"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per authenticated user. Buckets left
// idle long enough to refill completely are dropped by Sweep.
type RateLimiter struct {
	mu    sync.Mutex
	m     map[string]*bucket
	rps   float64
	burst int
	clock clock.Clock
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{m: make(map[string]*bucket), rps: rps, burst: burst, clock: clock.New()}
}

func (p *RateLimiter) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.m[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// Allow spends one token from key's bucket.
func (p *RateLimiter) Allow(key string) bool {
	now := p.clock.Now()
	return p.get(key, now).AllowN(now, 1)
}

// refillTime is how long an empty bucket takes to fill up.
func (p *RateLimiter) refillTime() time.Duration {
	return time.Duration(float64(p.burst) / p.rps * float64(time.Second))
}

// Sweep drops every bucket untouched for at least its refill time; a fresh
// bucket would behave the same. It returns how many were dropped.
func (p *RateLimiter) Sweep() int {
	cutoff := p.clock.Now().Add(-p.refillTime())
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key, b := range p.m {
		if !b.lastSeen.After(cutoff) {
			delete(p.m, key)
			n++
		}
	}
	return n
}

// Len returns how many buckets are held.
func (p *RateLimiter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Run sweeps every interval until ctx ends.
func (p *RateLimiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Limit rejects with 429 once the caller's bucket is empty. It must run
// after AuthMiddleware; unauthenticated requests are keyed by remote address.
func (p *RateLimiter) Limit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, _, ok := UserFrom(r.Context())
			if !ok {
				key = r.RemoteAddr
			}
			if !p.Allow(key) {
				metrics.RateLimited.WithLabelValues(route).Inc()
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
