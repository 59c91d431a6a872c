// Package main provides the funneld funnel analytics service.
//
// The service serves the funnel management and analytics HTTP API, consumes
// normalized events from Kafka for realtime state tracking, and runs the
// background export workers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/funneld-io/funneld/internal/analytics"
	"github.com/funneld-io/funneld/internal/api"
	"github.com/funneld-io/funneld/internal/api/middleware"
	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/config"
	"github.com/funneld-io/funneld/internal/export"
	"github.com/funneld-io/funneld/internal/orchestrator"
	"github.com/funneld-io/funneld/internal/realtime"
	"github.com/funneld-io/funneld/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "funneld"
)

const (
	defaultMetricsPort = 9090
	sweepInterval      = time.Hour
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting funneld service",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	rateLimitConfig := middleware.LoadRateLimitConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(rateLimitConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", rateLimitConfig.GlobalRPS),
		slog.Int("tenant_rps", rateLimitConfig.TenantRPS),
		slog.Int("unauth_rps", rateLimitConfig.UnauthRPS),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	funnelStore := storage.NewFunnelStore(dbConn, logger)
	stateStore := storage.NewUserStateStore(dbConn, logger)
	repo := storage.NewAnalyticsRepository(dbConn, logger)
	exportStore := storage.NewExportStore(dbConn, logger)

	var auth middleware.KeyAuthenticator

	if serverConfig.AuthEnabled {
		auth = storage.NewAPIKeyStore(dbConn, logger)

		logger.Info("API key authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("API key authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set FUNNELD_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	resultCache := cache.New(logger)
	defer resultCache.Close()

	channels := analytics.LoadChannelAliases(analytics.ChannelConfigPath())
	engine := analytics.NewEngine(funnelStore, repo, resultCache, channels, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Realtime pipeline: Kafka -> pool -> tracker -> user state.
	metrics := realtime.NewMetrics(prometheus.DefaultRegisterer)
	tracker := realtime.NewTracker(funnelStore, stateStore, resultCache, metrics, logger)
	pool := realtime.NewPool(tracker, logger)

	var consumer *realtime.Consumer

	if config.GetEnvBool("FUNNELD_REALTIME_ENABLED", true) {
		consumerConfig := realtime.LoadConsumerConfig()
		consumer = realtime.NewConsumer(consumerConfig, pool, metrics, logger)

		go func() {
			if runErr := consumer.Run(ctx); runErr != nil {
				logger.Error("Kafka consumer stopped", slog.String("error", runErr.Error()))
			}
		}()

		logger.Info("Realtime consumer started",
			slog.String("topic", consumerConfig.Topic),
			slog.String("group_id", consumerConfig.GroupID),
		)
	} else {
		logger.Warn("Realtime event consumption disabled")
	}

	// Export pipeline: manager enqueues, workers poll and produce artifacts.
	exportConfig := export.LoadConfig()
	exportManager := export.NewManager(exportStore, funnelStore, exportConfig, logger)

	workers := make([]*export.Worker, 0, exportConfig.Workers)
	for range exportConfig.Workers {
		worker := export.NewWorker(exportStore, engine, funnelStore, repo, resultCache, nil, exportConfig, logger)
		workers = append(workers, worker)

		go worker.Run(ctx)
	}

	logger.Info("Export workers started",
		slog.Int("workers", exportConfig.Workers),
		slog.String("directory", exportConfig.Directory),
		slog.Duration("retention", exportConfig.Retention),
	)

	// Slow-cadence maintenance: one worker sweeps expired artifacts, and the
	// tracker persists the abandoned transition for idle user states.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if len(workers) > 0 {
					workers[0].SweepExpired(ctx)
				}

				tracker.SweepAbandoned(ctx)
			}
		}
	}()

	startMetricsServer(logger)

	orch := orchestrator.New(funnelStore, engine, exportManager, logger)

	server := api.NewServer(serverConfig, orch, exportManager, auth, rateLimiter, dbConn)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Server has shut down; stop the background pipelines in dependency
	// order: consumer first so no new events reach the pool.
	cancel()

	if consumer != nil {
		if closeErr := consumer.Close(); closeErr != nil {
			logger.Error("Failed to close consumer", slog.String("error", closeErr.Error()))
		}
	}

	pool.Close()

	for _, worker := range workers {
		worker.Close()
	}

	logger.Info("funneld service stopped")
}

// startMetricsServer exposes prometheus counters on a side port, away from
// the public API surface.
func startMetricsServer(logger *slog.Logger) {
	port := config.GetEnvInt("FUNNELD_METRICS_PORT", defaultMetricsPort)
	if port <= 0 {
		logger.Warn("Metrics server disabled")

		return
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	go func() {
		addr := fmt.Sprintf(":%d", port)
		logger.Info("Metrics server listening", slog.String("address", addr))

		if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec // internal metrics port
			logger.Error("Metrics server stopped", slog.String("error", err.Error()))
		}
	}()
}
