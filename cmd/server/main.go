package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/freshwallet/service/config"
	"github.com/brojonat/freshwallet/service/db"
	"github.com/brojonat/freshwallet/service/metrics"
	"github.com/brojonat/freshwallet/service/scanner"
	"github.com/brojonat/freshwallet/service/server"
	"github.com/brojonat/freshwallet/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load() // Load .env if present

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Scan history is optional
	var store server.ScanStore
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		dbStore := db.NewStore(dbPool, metricsCollector)
		if err := dbStore.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure database schema", "error", err)
			os.Exit(1)
		}
		store = dbStore
		logger.Info("connected to database")
	} else {
		logger.Warn("DATABASE_URL not set, scan history disabled")
	}

	var sources []scanner.Source
	if cfg.SourcesFile != "" {
		var err error
		sources, err = scanner.LoadSources(cfg.SourcesFile)
		if err != nil {
			logger.Error("failed to load sources", "path", cfg.SourcesFile, "error", err)
			os.Exit(1)
		}
		logger.Info("loaded source groups", "path", cfg.SourcesFile, "groups", len(sources))
	}

	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	// SSE streaming is optional; the API works without NATS
	ssePublisher, err := server.NewSSEPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Warn("failed to connect SSE publisher to NATS, streaming disabled", "error", err)
		ssePublisher = nil
	}

	httpServer := server.New(cfg.ServerAddr, store, temporalClient, sources, ssePublisher, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
		"task_queue", cfg.TemporalTaskQueue,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
