// Package middleware provides the HTTP middleware stack for the funneld
// API: correlation IDs, panic recovery, API key authentication, rate
// limiting, request logging, and CORS.
package middleware

import (
	"log/slog"
	"net/http"
)

// Option applies one middleware to a handler.
type Option func(http.Handler) http.Handler

// Apply wraps a base handler with a chain of middleware options. The first
// option becomes the outermost middleware.
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// WithCorrelationID returns an option that adds correlation ID middleware.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery returns an option that adds panic recovery middleware.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithAuth returns an option that adds API key authentication. A nil
// authenticator disables authentication entirely.
func WithAuth(auth KeyAuthenticator, logger *slog.Logger) Option {
	if auth == nil {
		return passthrough
	}

	return Authenticate(auth, logger)
}

// WithRateLimit returns an option that adds rate limiting. A nil limiter
// disables it.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return passthrough
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger returns an option that adds request logging.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS returns an option that adds CORS headers.
func WithCORS(cfg CORSConfigProvider) Option {
	return CORS(cfg)
}

func passthrough(next http.Handler) http.Handler { return next }
