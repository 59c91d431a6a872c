package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery recovers from handler panics, logs the stack, and answers with
// the standard error envelope.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func(ctx context.Context) {
				if err := recover(); err != nil {
					correlationID := GetCorrelationID(ctx)

					logger.Error("HTTP request panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", correlationID),
						slog.Any("panic", err),
						slog.String("stack_trace", string(debug.Stack())),
					)

					envelope := map[string]any{
						"error": map[string]any{
							"code":    "internal_error",
							"message": "an internal error occurred",
							"details": map[string]string{"correlation_id": correlationID},
						},
					}

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)

					if err := json.NewEncoder(w).Encode(envelope); err != nil {
						logger.Error("Failed to encode panic response",
							slog.String("correlation_id", correlationID),
							slog.String("error", err.Error()),
						)
					}
				}
			}(r.Context())

			next.ServeHTTP(w, r)
		})
	}
}
