package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funneld-io/funneld/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCorrelationIDGeneratedAndEchoed(t *testing.T) {
	var seen string

	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}), WithCorrelationID())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))

	// Inbound header is honored.
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
}

func TestGetCorrelationIDWithoutMiddleware(t *testing.T) {
	assert.Equal(t, "unknown", GetCorrelationID(context.Background()))
}

func TestRecoveryConvertsPanicToEnvelope(t *testing.T) {
	handler := Apply(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), WithCorrelationID(), WithRecovery(testLogger()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "internal_error", envelope.Error.Code)
	assert.NotContains(t, envelope.Error.Message, "boom")
}

// staticAuth authenticates exactly one key.
type staticAuth struct {
	key    string
	result *storage.APIKey
}

func (a *staticAuth) Authenticate(_ context.Context, presented string) (*storage.APIKey, error) {
	if presented == a.key {
		return a.result, nil
	}

	return nil, storage.ErrInvalidAPIKey
}

func TestAuthenticateAttachesCallerScope(t *testing.T) {
	auth := &staticAuth{
		key:    "fd_ak_good",
		result: &storage.APIKey{ID: 3, TenantID: 1, WorkspaceID: 2, Name: "ci"},
	}

	var caller *Caller

	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = GetCaller(r.Context())
		w.WriteHeader(http.StatusOK)
	}), WithAuth(auth, testLogger()))

	req := httptest.NewRequest(http.MethodGet, "/v1/analytics/funnels", nil)
	req.Header.Set("X-API-Key", "fd_ak_good")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, caller)
	assert.Equal(t, int64(1), caller.Scope.TenantID)
	assert.Equal(t, int64(2), caller.Scope.WorkspaceID)
	assert.Equal(t, "ci", caller.KeyName)
}

func TestAuthenticateAcceptsBearerHeader(t *testing.T) {
	auth := &staticAuth{
		key:    "fd_ak_good",
		result: &storage.APIKey{ID: 3, TenantID: 1, WorkspaceID: 2},
	}

	handler := Apply(okHandler(), WithAuth(auth, testLogger()))

	req := httptest.NewRequest(http.MethodGet, "/v1/analytics/funnels", nil)
	req.Header.Set("Authorization", "Bearer fd_ak_good")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateRejectsMissingAndInvalidKeys(t *testing.T) {
	auth := &staticAuth{key: "fd_ak_good"}
	handler := Apply(okHandler(), WithAuth(auth, testLogger()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analytics/funnels", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/analytics/funnels", nil)
	req.Header.Set("X-API-Key", "fd_ak_wrong")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "unauthorized", envelope.Error.Code)
}

func TestPublicEndpointBypassesAuth(t *testing.T) {
	RegisterPublicEndpoint("/ping-auth-test")

	handler := Apply(okHandler(), WithAuth(&staticAuth{key: "x"}, testLogger()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping-auth-test", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterTiers(t *testing.T) {
	limiter := NewInMemoryRateLimiter(&RateLimitConfig{GlobalRPS: 1000, TenantRPS: 1, UnauthRPS: 1})
	defer limiter.Close()

	// Tenant tier: burst of 2, then denied.
	assert.True(t, limiter.Allow("1"))
	assert.True(t, limiter.Allow("1"))
	assert.False(t, limiter.Allow("1"))

	// Independent tenant is unaffected.
	assert.True(t, limiter.Allow("2"))

	// Unauthenticated tier is shared.
	assert.True(t, limiter.Allow(""))
	assert.True(t, limiter.Allow(""))
	assert.False(t, limiter.Allow(""))
}

func TestRateLimitMiddlewareRejectsWith429(t *testing.T) {
	limiter := NewInMemoryRateLimiter(&RateLimitConfig{GlobalRPS: 1000, TenantRPS: 100, UnauthRPS: 1})
	defer limiter.Close()

	handler := Apply(okHandler(), WithRateLimit(limiter, testLogger()))

	// Burst of 2 for the unauthenticated tier.
	for range 2 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analytics/funnels", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analytics/funnels", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestNilOptionsAreNoOps(t *testing.T) {
	handler := Apply(okHandler(),
		WithAuth(nil, testLogger()),
		WithRateLimit(nil, testLogger()),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analytics/funnels", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
