package main

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client IP. Each client gets its own token
// bucket; unknown clients are admitted at the configured steady rate.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter admitting perMinute requests per client with
// the given burst. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(perMinute / 60.0),
		burst:     burst,
		visitors:  make(map[string]*rate.Limiter),
	}
}

// Middleware wraps next with the per-client admission check.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || l.perSecond <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiterFor(clientID(r)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) limiterFor(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(l.perSecond, l.burst)
		l.visitors[id] = limiter
	}
	return limiter
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
