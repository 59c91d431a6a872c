package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/funneld-io/funneld/internal/funnel"
	"github.com/funneld-io/funneld/internal/storage"
)

// KeyAuthenticator verifies a presented API key. storage.APIKeyStore is
// the production implementation.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, presented string) (*storage.APIKey, error)
}

// authKey is the context key for the authenticated caller.
type authKey struct{}

// Caller is the authenticated identity attached to a request.
type Caller struct {
	Scope   funnel.Scope
	KeyID   int64
	KeyName string
}

// publicEndpoints are paths that bypass authentication and rate limiting.
var (
	publicEndpointsMu sync.RWMutex
	publicEndpoints   = map[string]bool{}
)

// RegisterPublicEndpoint marks a path as reachable without authentication.
// Health probes use it; never register business endpoints.
func RegisterPublicEndpoint(path string) {
	publicEndpointsMu.Lock()
	defer publicEndpointsMu.Unlock()

	publicEndpoints[path] = true
}

func isPublicEndpoint(path string) bool {
	publicEndpointsMu.RLock()
	defer publicEndpointsMu.RUnlock()

	return publicEndpoints[path]
}

// Authenticate verifies the API key on every non-public request and
// attaches the caller's tenant scope to the context.
func Authenticate(auth KeyAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			presented := presentedKey(r)
			if presented == "" {
				writeAuthError(w, r, logger, "missing API key")

				return
			}

			key, err := auth.Authenticate(r.Context(), presented)
			if err != nil {
				if !errors.Is(err, storage.ErrInvalidAPIKey) && !errors.Is(err, storage.ErrAPIKeyRevoked) {
					logger.Error("API key authentication error",
						slog.String("correlation_id", GetCorrelationID(r.Context())),
						slog.String("error", err.Error()),
					)
				}

				writeAuthError(w, r, logger, "invalid API key")

				return
			}

			caller := &Caller{
				Scope:   funnel.Scope{TenantID: key.TenantID, WorkspaceID: key.WorkspaceID},
				KeyID:   key.ID,
				KeyName: key.Name,
			}

			ctx := context.WithValue(r.Context(), authKey{}, caller)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCaller extracts the authenticated caller, nil when authentication is
// disabled or the endpoint is public.
func GetCaller(ctx context.Context) *Caller {
	if caller, ok := ctx.Value(authKey{}).(*Caller); ok {
		return caller
	}

	return nil
}

// WithCaller attaches a caller to a context. Tests and the dev-mode scope
// fallback use it.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, authKey{}, caller)
}

func presentedKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	bearer := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(bearer, "Bearer "); ok {
		return strings.TrimSpace(after)
	}

	return ""
}

func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, message string) {
	envelope := map[string]any{
		"error": map[string]any{
			"code":    "unauthorized",
			"message": message,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		logger.Error("Failed to encode auth error response",
			slog.String("correlation_id", GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}
