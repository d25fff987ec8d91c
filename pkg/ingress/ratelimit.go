package ingress

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a sliding one-minute window per client key
type RateLimiter struct {
	mu        sync.Mutex
	perMinute int
	windows   map[string][]time.Time
	now       func() time.Time
}

// NewRateLimiter allows perMinute requests per key; 0 allows everything
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		windows:   make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Allow records a request for key and reports whether it is within limits
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.perMinute <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Minute)
	window := r.windows[key][:0]
	for _, at := range r.windows[key] {
		if at.After(cutoff) {
			window = append(window, at)
		}
	}
	if len(window) >= r.perMinute {
		r.windows[key] = window
		return false
	}
	r.windows[key] = append(window, now)
	return true
}

// Middleware rejects over-limit clients with 429
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Allow(clientKey(req)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func clientKey(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
