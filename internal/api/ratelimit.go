package api

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimitConfig limits requests per client IP within a fixed window.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"` // read X-Forwarded-For / X-Real-IP
}

// DefaultRateLimitConfig returns a disabled limiter allowing 1000 requests
// per minute once enabled.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerIP: 1000,
		WindowSize:    time.Minute,
		BurstSize:     100,
		CleanupPeriod: 5 * time.Minute,
		ExemptPaths:   []string{"/health", "/metrics"},
	}
}

// RateLimiter counts requests per client IP. Expired windows are swept
// during Allow once every CleanupPeriod.
type RateLimiter struct {
	cfg         RateLimitConfig
	exempt      map[string]bool
	mu          sync.Mutex
	clients     map[string]*clientWindow
	nextCleanup time.Time
	limited     atomic.Uint64
	allowed     atomic.Uint64
	now         func() time.Time
}

type clientWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a RateLimiter. Zero fields take defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerIP <= 0 {
		cfg.RequestsPerIP = def.RequestsPerIP
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.BurstSize < 0 {
		cfg.BurstSize = 0
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = def.CleanupPeriod
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	return &RateLimiter{
		cfg:     cfg,
		exempt:  exempt,
		clients: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

// Limit is the number of requests a client may make per window.
func (rl *RateLimiter) Limit() int {
	return rl.cfg.RequestsPerIP + rl.cfg.BurstSize
}

// Allow records a request from ip and reports whether it is within the
// limit, how many requests remain and when the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.nextCleanup) {
		rl.sweep(now)
		rl.nextCleanup = now.Add(rl.cfg.CleanupPeriod)
	}

	c, ok := rl.clients[ip]
	if !ok || now.After(c.windowEnd) {
		c = &clientWindow{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients[ip] = c
	}

	limit := rl.Limit()
	if c.count >= limit {
		rl.limited.Add(1)
		return false, 0, c.windowEnd
	}
	c.count++
	rl.allowed.Add(1)
	return true, limit - c.count, c.windowEnd
}

func (rl *RateLimiter) sweep(now time.Time) {
	for ip, c := range rl.clients {
		if now.After(c.windowEnd) {
			delete(rl.clients, ip)
		}
	}
}

// RateLimiterStats holds rate limiter statistics.
type RateLimiterStats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	tracked := len(rl.clients)
	rl.mu.Unlock()
	return RateLimiterStats{
		TrackedIPs: tracked,
		Allowed:    rl.allowed.Load(),
		Limited:    rl.limited.Load(),
	}
}

// Middleware rejects requests over the limit with 429 and sets the
// X-RateLimit-* headers on every limited path.
func (rl *RateLimiter) Middleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, rl.cfg.TrustProxy)
		allowed, remaining, reset := rl.Allow(ip)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)
			retryAfter := int(reset.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondJSON(w, http.StatusTooManyRequests, map[string]any{
				"success":     false,
				"error":       "too many requests",
				"retry_after": retryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the request's client address. Behind a trusted proxy the
// rightmost X-Forwarded-For entry is used since clients cannot forge it.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
