package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/funneld-io/funneld/internal/api/middleware"
	"github.com/funneld-io/funneld/internal/orchestrator"
)

const healthCheckTimeout = 2 * time.Second

type (
	// HealthStatus is the health check response.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"service_name"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route pairs a mux pattern with its handler. Used for declarative
	// registration of routes that bypass auth and rate limiting.
	Route struct {
		Path    string
		Handler http.HandlerFunc
	}
)

// setupRoutes registers all HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness probe
		Route{"GET /ready", s.handleReady},   // K8s readiness probe
		Route{"GET /health", s.handleHealth}, // status, uptime, version
		Route{"/", s.handleNotFound},         // catch-all 404
	)

	// Funnel management
	mux.HandleFunc("POST /v1/analytics/funnels", s.handleCreateFunnel)
	mux.HandleFunc("GET /v1/analytics/funnels", s.handleListFunnels)
	mux.HandleFunc("GET /v1/analytics/funnels/{id}", s.handleGetFunnel)
	mux.HandleFunc("PATCH /v1/analytics/funnels/{id}", s.handleUpdateFunnel)
	mux.HandleFunc("DELETE /v1/analytics/funnels/{id}", s.handleArchiveFunnel)
	mux.HandleFunc("POST /v1/analytics/funnels/{id}/publish", s.handlePublish)

	// Analytics
	mux.HandleFunc("GET /v1/analytics/funnels/{id}/conversion", s.handleConversion)
	mux.HandleFunc("GET /v1/analytics/funnels/{id}/dropoff", s.handleDropOff)
	mux.HandleFunc("GET /v1/analytics/funnels/{id}/cohorts", s.handleCohorts)
	mux.HandleFunc("GET /v1/analytics/funnels/{id}/timing", s.handleTiming)
	mux.HandleFunc("GET /v1/analytics/funnels/{id}/bottlenecks", s.handleBottlenecks)
	mux.HandleFunc("GET /v1/analytics/funnels/{id}/paths", s.handlePaths)
	mux.HandleFunc("GET /v1/analytics/funnels/{id}/attribution", s.handleAttribution)
	mux.HandleFunc("GET /v1/analytics/funnels/{id}/live", s.handleLive)
	mux.HandleFunc("GET /v1/analytics/funnels/{id}/users/{userId}", s.handleUserProgress)
	mux.HandleFunc("POST /v1/analytics/funnels/compare", s.handleCompare)

	// Exports
	mux.HandleFunc("POST /v1/analytics/funnels/{id}/export", s.handleCreateExport)
	mux.HandleFunc("GET /v1/analytics/exports/{exportId}/status", s.handleExportStatus)
	mux.HandleFunc("GET /v1/analytics/exports/{exportId}/download", s.handleExportDownload)
}

// registerPublicRoutes registers routes that bypass authentication and rate
// limiting. Only health endpoints belong here; never register business
// logic endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Go 1.22 method-based patterns look like "GET /ping" but
		// r.URL.Path carries only "/ping", so strip the method prefix
		// before registering the bypass.
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == 2 && validHTTPMethods[parts[0]] {
			path = parts[1]
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to liveness probes.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to readiness probes with a storage health check.
// Returns 503 when the storage backend is unreachable so the pod stops
// receiving traffic until it recovers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := s.health.HealthCheck(ctx); err != nil {
			s.logger.Error("Storage health check failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)

			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)

			if _, writeErr := w.Write([]byte("storage unavailable")); writeErr != nil {
				s.logger.Error("Failed to write unavailable response",
					slog.String("correlation_id", correlationID),
					slog.String("error", writeErr.Error()),
				)
			}

			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("ready")); err != nil {
		s.logger.Error("Failed to write ready response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth returns basic health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: "funneld",
		Version:     "v1.0.0", // TODO: inject version at build time
		Uptime:      uptime,
	})
}

// handleNotFound renders the envelope 404 for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeErrorBody(w, r, http.StatusNotFound, ErrorBody{
		Code:    string(orchestrator.CodeNotFound),
		Message: "the requested resource was not found",
		Details: map[string]any{"correlation_id": middleware.GetCorrelationID(r.Context())},
	})
}
