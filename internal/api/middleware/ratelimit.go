package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/funneld-io/funneld/internal/config"
)

// Rate limiter defaults. Burst is twice the sustained rate unless
// overridden.
const (
	burstMultiplier        = 2
	defaultGlobalRPS       = 200
	defaultTenantRPS       = 50
	defaultUnauthRPS       = 10
	maxTrackedTenants      = 1000
	limiterCleanupInterval = 5 * time.Minute
	limiterIdleTimeout     = time.Hour
)

type (
	// RateLimiter decides whether a request proceeds. tenantKey is the
	// caller's tenant identity, empty for unauthenticated requests.
	RateLimiter interface {
		Allow(tenantKey string) bool
	}

	// RateLimitConfig holds rate limiter settings.
	RateLimitConfig struct {
		GlobalRPS int
		TenantRPS int
		UnauthRPS int
	}

	// InMemoryRateLimiter is a three-tier token bucket limiter: one global
	// bucket, one bucket per tenant, and one shared bucket for
	// unauthenticated traffic. Suitable for single-node deployments.
	InMemoryRateLimiter struct {
		global    *rate.Limiter
		unauth    *rate.Limiter
		perTenant map[string]*tenantLimiter
		mu        sync.Mutex

		tenantRPS     int
		cleanupTicker *time.Ticker
		done          chan struct{}
		closeOnce     sync.Once
	}

	tenantLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
	}
)

// LoadRateLimitConfig loads limiter settings from environment variables.
func LoadRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalRPS: config.GetEnvInt("FUNNELD_RATE_LIMIT_GLOBAL_RPS", defaultGlobalRPS),
		TenantRPS: config.GetEnvInt("FUNNELD_RATE_LIMIT_TENANT_RPS", defaultTenantRPS),
		UnauthRPS: config.GetEnvInt("FUNNELD_RATE_LIMIT_UNAUTH_RPS", defaultUnauthRPS),
	}
}

// NewInMemoryRateLimiter creates a limiter and starts its idle-tenant
// cleanup loop. Close releases the loop.
func NewInMemoryRateLimiter(cfg *RateLimitConfig) *InMemoryRateLimiter {
	l := &InMemoryRateLimiter{
		global:        rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalRPS*burstMultiplier),
		unauth:        rate.NewLimiter(rate.Limit(cfg.UnauthRPS), cfg.UnauthRPS*burstMultiplier),
		perTenant:     map[string]*tenantLimiter{},
		tenantRPS:     cfg.TenantRPS,
		cleanupTicker: time.NewTicker(limiterCleanupInterval),
		done:          make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow applies the global tier first, then the tenant or unauthenticated
// tier.
func (l *InMemoryRateLimiter) Allow(tenantKey string) bool {
	if !l.global.Allow() {
		return false
	}

	if tenantKey == "" {
		return l.unauth.Allow()
	}

	return l.tenant(tenantKey).Allow()
}

func (l *InMemoryRateLimiter) tenant(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.perTenant[key]; ok {
		t.lastAccess = time.Now()

		return t.limiter
	}

	// Bound memory under tenant-key churn; evicted tenants simply get a
	// fresh bucket on their next request.
	if len(l.perTenant) >= maxTrackedTenants {
		l.evictOldestLocked()
	}

	t := &tenantLimiter{
		limiter:    rate.NewLimiter(rate.Limit(l.tenantRPS), l.tenantRPS*burstMultiplier),
		lastAccess: time.Now(),
	}
	l.perTenant[key] = t

	return t.limiter
}

func (l *InMemoryRateLimiter) evictOldestLocked() {
	var (
		oldestKey  string
		oldestSeen time.Time
	)

	for key, t := range l.perTenant {
		if oldestKey == "" || t.lastAccess.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = t.lastAccess
		}
	}

	delete(l.perTenant, oldestKey)
}

func (l *InMemoryRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.done:
			return
		case <-l.cleanupTicker.C:
			l.mu.Lock()

			cutoff := time.Now().Add(-limiterIdleTimeout)
			for key, t := range l.perTenant {
				if t.lastAccess.Before(cutoff) {
					delete(l.perTenant, key)
				}
			}

			l.mu.Unlock()
		}
	}
}

// Close stops the cleanup loop.
func (l *InMemoryRateLimiter) Close() {
	l.closeOnce.Do(func() {
		l.cleanupTicker.Stop()
		close(l.done)
	})
}

// RateLimit rejects requests over the configured rates with 429 and a
// Retry-After hint. Public endpoints bypass it.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			var tenantKey string
			if caller := GetCaller(r.Context()); caller != nil {
				tenantKey = strconv.FormatInt(caller.Scope.TenantID, 10)
			}

			if !limiter.Allow(tenantKey) {
				logger.Warn("Request rate limited",
					slog.String("path", r.URL.Path),
					slog.String("tenant_key", tenantKey),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)

				envelope := map[string]any{
					"error": map[string]any{
						"code":    "rate_limited",
						"message": "too many requests",
					},
				}

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)

				if err := json.NewEncoder(w).Encode(envelope); err != nil {
					logger.Error("Failed to encode rate limit response",
						slog.String("error", err.Error()),
					)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
