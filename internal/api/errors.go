package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/funneld-io/funneld/internal/api/middleware"
	"github.com/funneld-io/funneld/internal/orchestrator"
)

type (
	// ErrorEnvelope is the wire error format.
	ErrorEnvelope struct {
		Error ErrorBody `json:"error"`
	}

	// ErrorBody carries the taxonomy code and a client-safe message.
	ErrorBody struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	}
)

// statusByCode maps taxonomy codes to HTTP status.
var statusByCode = map[orchestrator.Code]int{
	orchestrator.CodeInvalidSchema:           http.StatusBadRequest,
	orchestrator.CodeUnauthorized:            http.StatusUnauthorized,
	orchestrator.CodeNotFound:                http.StatusNotFound,
	orchestrator.CodeConflict:                http.StatusConflict,
	orchestrator.CodeInsufficientPermissions: http.StatusForbidden,
	orchestrator.CodePayloadTooLarge:         http.StatusRequestEntityTooLarge,
	orchestrator.CodeRateLimited:             http.StatusTooManyRequests,
	orchestrator.CodeTimeout:                 http.StatusGatewayTimeout,
	orchestrator.CodeInternalError:           http.StatusInternalServerError,
}

// writeError renders any error as the envelope. Orchestrator errors carry
// their own code; everything else is classified here so handlers can
// return component errors directly.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := orchestrator.CodeInternalError
	message := "an internal error occurred"

	var classified *orchestrator.Error
	if errors.As(err, &classified) {
		code = classified.Code
		message = classified.Message()
	} else if c := orchestrator.Classify(err); c != orchestrator.CodeInternalError {
		code = c
		message = err.Error()
	}

	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	correlationID := middleware.GetCorrelationID(r.Context())

	if code == orchestrator.CodeInternalError {
		s.logger.Error("Request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}

	s.writeErrorBody(w, r, status, ErrorBody{
		Code:    string(code),
		Message: message,
		Details: map[string]any{"correlation_id": correlationID},
	})
}

// writeInvalid renders a 400 invalid_schema envelope with a direct message.
func (s *Server) writeInvalid(w http.ResponseWriter, r *http.Request, message string) {
	s.writeErrorBody(w, r, http.StatusBadRequest, ErrorBody{
		Code:    string(orchestrator.CodeInvalidSchema),
		Message: message,
		Details: map[string]any{"correlation_id": middleware.GetCorrelationID(r.Context())},
	})
}

func (s *Server) writeErrorBody(w http.ResponseWriter, r *http.Request, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(ErrorEnvelope{Error: body}); err != nil {
		s.logger.Error("Failed to encode error response",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// writeJSON renders a success payload.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("path", r.URL.Path),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}
