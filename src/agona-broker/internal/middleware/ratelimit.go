package middleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mhiscox/agona/src/agona-broker/internal/metrics"
)

// RateLimiter keeps one token bucket per client key. Buckets live in process
// memory, so the limit is per instance and approximate.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limit    int
	window   time.Duration
	interval time.Duration
	now      func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows limit requests per window, refilled evenly.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		buckets:  make(map[string]*bucket),
		limit:    limit,
		window:   window,
		interval: window / time.Duration(limit),
		now:      time.Now,
	}
}

func (rl *RateLimiter) Limit() int { return rl.limit }

// Allow takes one token for key. resetAt is when the bucket is full again.
func (rl *RateLimiter) Allow(key string) (allowed bool, remaining int, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(rl.interval), rl.limit)}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	allowed = b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	remaining = max(0, int(math.Floor(tokens)))
	missing := float64(rl.limit) - tokens
	resetAt = now.Add(time.Duration(missing * float64(rl.interval)))
	return allowed, remaining, resetAt
}

// retryAfter is how long until the next token for key, in whole seconds.
func (rl *RateLimiter) retryAfter(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		return 1
	}
	deficit := 1 - b.lim.TokensAt(rl.now())
	secs := int(math.Ceil(deficit * rl.interval.Seconds()))
	return max(1, secs)
}

// Sweep drops buckets idle for longer than idle.
func (rl *RateLimiter) Sweep(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// RunJanitor sweeps idle buckets until ctx is done.
func (rl *RateLimiter) RunJanitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep(2 * rl.window)
		}
	}
}

// ClientKey prefers an API key and falls back to the client address.
func ClientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "api_key:" + key
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return "api_key:" + strings.TrimPrefix(auth, "Bearer ")
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimit refuses requests over the limit with 429. m may be nil.
func RateLimit(limiter *RateLimiter, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			allowed, remaining, resetAt := limiter.Allow(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !allowed {
				if m != nil {
					m.RateLimited.Inc()
				}
				retryAfter := limiter.retryAfter(key)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":       "Too many requests",
					"retry_after": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
