package worker

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterMaxIdle       = 10 * time.Minute
)

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// PerClientRateLimiter keeps one token bucket per client address. Buckets
// idle for longer than limiterMaxIdle are dropped on the next sweep.
type PerClientRateLimiter struct {
	lastSweep time.Time
	now       func() time.Time
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	requests  atomic.Int64
	rejected  atomic.Int64
	mu        sync.Mutex
}

// NewPerClientRateLimiter allows each client rps requests per second with
// bursts of up to burst requests.
func NewPerClientRateLimiter(rps float64, burst int) *PerClientRateLimiter {
	return newPerClientRateLimiter(rps, burst, time.Now)
}

func newPerClientRateLimiter(rps float64, burst int, now func() time.Time) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		limit:     rate.Limit(rps),
		burst:     max(burst, 1),
		now:       now,
		clients:   make(map[string]*clientLimiter),
		lastSweep: now(),
	}
}

// Allow takes a token from the client's bucket.
func (p *PerClientRateLimiter) Allow(client string) bool {
	p.requests.Add(1)
	now := p.now()

	p.mu.Lock()
	if now.Sub(p.lastSweep) > limiterSweepInterval {
		for key, c := range p.clients {
			if now.Sub(c.lastSeen) > limiterMaxIdle {
				delete(p.clients, key)
			}
		}
		p.lastSweep = now
	}
	c, ok := p.clients[client]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(p.limit, p.burst)}
		p.clients[client] = c
	}
	c.lastSeen = now
	allowed := c.lim.AllowN(now, 1)
	p.mu.Unlock()

	if !allowed {
		p.rejected.Add(1)
	}
	return allowed
}

// retryAfter is the whole number of seconds until one token refills.
func (p *PerClientRateLimiter) retryAfter() string {
	if p.limit <= 0 || p.limit >= 1 {
		return "1"
	}
	return strconv.Itoa(int(1/float64(p.limit) + 0.5))
}

// Stats reports the limiter settings and counters.
func (p *PerClientRateLimiter) Stats() map[string]any {
	p.mu.Lock()
	active := len(p.clients)
	p.mu.Unlock()

	return map[string]any{
		"rate":           float64(p.limit),
		"burst":          p.burst,
		"active_clients": active,
		"total_requests": p.requests.Load(),
		"total_rejected": p.rejected.Load(),
	}
}

// PerClientRateLimitMiddleware answers 429 once a client's bucket is empty.
// Run it after middleware.RealIP so RemoteAddr holds the client address.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	retryAfter := limiter.retryAfter()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", retryAfter)
				writeErrorStatus(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
