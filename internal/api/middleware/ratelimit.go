package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures keyed rate limiting.
type RateLimitConfig struct {
	// Rate is the number of requests allowed per second per key.
	Rate  rate.Limit
	Burst int
	// CleanupInterval is how often idle limiters are evicted.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept.
	MaxAge time.Duration
}

// DefaultRateLimitConfig allows 20 requests/second with a burst of 40.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// WebhookRateLimitConfig is looser than the default. Twilio fans status
// callbacks out from a small set of addresses.
func WebhookRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(50),
		Burst:           100,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedRateLimiter holds one token bucket per key, usually a client IP.
type KeyedRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limitEntry
	cfg     RateLimitConfig
	stopCh  chan struct{}
	once    sync.Once
}

// NewKeyedRateLimiter creates a limiter and starts its background cleanup.
func NewKeyedRateLimiter(cfg RateLimitConfig) *KeyedRateLimiter {
	rl := &KeyedRateLimiter{
		entries: make(map[string]*limitEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request for key may proceed.
func (rl *KeyedRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[key]
	if !ok {
		entry = &limitEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Len returns the number of tracked keys.
func (rl *KeyedRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop terminates the background cleanup goroutine. Safe to call twice.
func (rl *KeyedRateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *KeyedRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *KeyedRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for key, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}

// RateLimit returns middleware that limits requests by client IP. Rejected
// requests get 429 with a Retry-After header.
func RateLimit(limiter *KeyedRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)

			if !limiter.Allow(ip) {
				slog.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client IP from RemoteAddr without the port. chi's
// RealIP middleware should run first when behind a reverse proxy.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
