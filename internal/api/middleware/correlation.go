package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// correlationIDKey is the context key for the request correlation ID.
type correlationIDKey struct{}

// CorrelationID attaches a correlation ID to every request. An inbound
// X-Correlation-ID header is honored; otherwise a new ID is generated.
// The ID is echoed on the response and carried in the request context.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = uuid.NewString()
			}

			w.Header().Set("X-Correlation-ID", correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID extracts the correlation ID from the request context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}
