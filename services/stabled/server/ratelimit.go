package server

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stablecore/observability"
)

// RateLimit throttles each caller independently.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per authenticated caller.
type RateLimiter struct {
	limit    RateLimit
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
	idle     time.Duration
}

// NewRateLimiter constructs a limiter. Buckets idle for five minutes are
// dropped on the next request.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		visitors: make(map[string]*visitor),
		now:      time.Now,
		idle:     5 * time.Minute,
	}
}

// Middleware rejects requests beyond the caller's budget with 429. It must
// run after authentication.
func (l *RateLimiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFromContext(r.Context())
			if !ok {
				caller = r.RemoteAddr
			}
			if !l.allow(caller) {
				observability.HTTP().RecordThrottle(route, "rate_limit")
				writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) allow(id string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idle {
			delete(l.visitors, key)
		}
	}
	entry, ok := l.visitors[id]
	if !ok {
		perSecond := l.limit.RequestsPerMinute / 60.0
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := l.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		l.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
