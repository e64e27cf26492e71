package api

import (
	"log/slog"
	"net/http"
	"time"
)

// MiddlewareConfig configures WithMiddleware.
type MiddlewareConfig struct {
	APIKeys      []string // empty disables authentication
	APIKeyHeader string
	RateLimit    RateLimitConfig
	Logger       *slog.Logger
}

// WithMiddleware wraps the handler with recovery, request logging, and
// optionally rate limiting and API key authentication.
func WithMiddleware(handler http.Handler, cfg MiddlewareConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Last applied runs first.
	h := recoveryMiddleware(handler, logger)
	if cfg.RateLimit.Enabled {
		h = NewRateLimiter(cfg.RateLimit).Middleware(h, logger)
	}
	h = loggingMiddleware(h, logger)
	if len(cfg.APIKeys) > 0 {
		header := cfg.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		h = authMiddleware(h, cfg.APIKeys, header)
	}
	return h
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func authMiddleware(next http.Handler, keys []string, header string) http.Handler {
	validKeys := make(map[string]bool, len(keys))
	for _, key := range keys {
		validKeys[key] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Probes and scrapers stay unauthenticated.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(header)
		if apiKey == "" {
			respondError(w, http.StatusUnauthorized, "missing API key", "")
			return
		}
		if !validKeys[apiKey] {
			respondError(w, http.StatusUnauthorized, "invalid API key", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func recoveryMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
