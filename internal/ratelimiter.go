package internal

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a sliding-window counter per key (client IP or user id).
// A non-positive limit disables it.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := now.Add(-r.window)
	recent := r.hits[key]
	idx := 0
	for _, ts := range recent {
		if ts.After(windowStart) {
			recent[idx] = ts
			idx++
		}
	}
	recent = recent[:idx]
	if len(recent) >= r.limit {
		r.hits[key] = recent
		return false
	}
	if len(recent) == 0 && len(r.hits) > 4096 {
		r.sweep(windowStart)
	}
	r.hits[key] = append(recent, now)
	return true
}

// sweep drops keys with no hits inside the window. Caller holds mu.
func (r *RateLimiter) sweep(windowStart time.Time) {
	for key, recent := range r.hits {
		if len(recent) == 0 || !recent[len(recent)-1].After(windowStart) {
			delete(r.hits, key)
		}
	}
}

// clientIP keys a request by its peer address. X-Forwarded-For is only
// honoured when the server sits behind a proxy that sets it.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
