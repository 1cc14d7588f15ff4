package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelrelay/relay/internal/config"
)

// RateLimiter applies a token-bucket limit per request source. OAuth
// endpoints get a quarter of the configured budget: they are the brute-force
// target and a legitimate client hits them rarely.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*sourceBucket

	limit      rate.Limit
	burst      int
	authLimit  rate.Limit
	authBurst  int
	trustProxy bool
}

type sourceBucket struct {
	general  *rate.Limiter
	auth     *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds the limiter from the configured window and max.
func NewRateLimiter(cfg config.RateLimit, trustProxy bool) *RateLimiter {
	window := time.Duration(cfg.WindowMs) * time.Millisecond
	perSec := float64(cfg.Max) / window.Seconds()
	rl := &RateLimiter{
		buckets:    make(map[string]*sourceBucket),
		limit:      rate.Limit(perSec),
		burst:      cfg.Max,
		authLimit:  rate.Limit(perSec / 4),
		authBurst:  max(cfg.Max/4, 1),
		trustProxy: trustProxy,
	}
	go rl.reap()
	return rl
}

// Handler returns the middleware handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket := rl.bucketFor(rl.source(r))
		limiter := bucket.general
		if isAuthPath(r.URL.Path) {
			limiter = bucket.auth
		}
		if !limiter.Allow() {
			retryAfter := retryAfterSeconds(limiter)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":               "rate_limited",
				"message":             "too many requests from this source",
				"retry_after_seconds": retryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds estimates how long until the bucket refills one token,
// rounded up so the caller never retries early. At least one second.
func retryAfterSeconds(l *rate.Limiter) int {
	limit := float64(l.Limit())
	if limit <= 0 {
		return 1
	}
	secs := int(math.Ceil(1 / limit))
	if secs < 1 {
		return 1
	}
	return secs
}

// source derives the limiting key. X-Forwarded-For is honored only when the
// server is configured behind a trusted proxy; otherwise it is spoofable.
func (rl *RateLimiter) source(r *http.Request) string {
	if rl.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) bucketFor(source string) *sourceBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[source]
	if !ok {
		b = &sourceBucket{
			general: rate.NewLimiter(rl.limit, rl.burst),
			auth:    rate.NewLimiter(rl.authLimit, rl.authBurst),
		}
		rl.buckets[source] = b
	}
	b.lastSeen = time.Now()
	return b
}

// reap drops buckets idle for ten minutes so the map does not grow without
// bound under address churn.
func (rl *RateLimiter) reap() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		rl.mu.Lock()
		for source, b := range rl.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(rl.buckets, source)
			}
		}
		rl.mu.Unlock()
	}
}

func isAuthPath(path string) bool {
	switch path {
	case "/authorize", "/token", "/oauth/authorize", "/oauth/token", "/oauth/register", "/oauth/revoke", "/oauth/callback":
		return true
	}
	return false
}
