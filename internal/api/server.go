package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/funneld-io/funneld/internal/api/middleware"
	"github.com/funneld-io/funneld/internal/export"
	"github.com/funneld-io/funneld/internal/orchestrator"
)

// HealthChecker verifies that the storage backend is reachable. The
// readiness endpoint delegates to it; nil disables the check.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	orch        *orchestrator.Orchestrator
	exports     *export.Manager
	health      HealthChecker
	auth        middleware.KeyAuthenticator
	rateLimiter middleware.RateLimiter
}

// NewServer creates the HTTP server with its middleware stack.
//
// Configuration (what) is separated from dependencies (how): cfg carries
// ports, timeouts, and CORS settings while the runtime collaborators are
// injected explicitly. A nil auth disables authentication, a nil limiter
// disables rate limiting, and a nil health checker makes readiness
// unconditional.
func NewServer(
	cfg *ServerConfig,
	orch *orchestrator.Orchestrator,
	exports *export.Manager,
	auth middleware.KeyAuthenticator,
	rateLimiter middleware.RateLimiter,
	health HealthChecker,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		orch:        orch,
		exports:     exports,
		health:      health,
		auth:        auth,
		rateLimiter: rateLimiter,
	}

	server.setupRoutes(mux)

	if auth != nil {
		logger.Info("API key authentication middleware enabled")
	} else {
		logger.Warn("API key authentication disabled - scope comes from request headers")
	}

	if rateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - tag every request and response
	//   2. Recovery - catch panics in all downstream middleware
	//   3. Auth - resolve the caller's tenant/workspace scope (optional)
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(auth, logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown. It handles
// graceful shutdown on SIGINT and SIGTERM.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting funneld API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server and its middleware resources.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop the rate limiter's background cleanup goroutine.
	if s.rateLimiter != nil {
		if limiter, ok := s.rateLimiter.(interface{ Close() }); ok {
			s.logger.Info("Closing rate limiter")
			limiter.Close()
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
