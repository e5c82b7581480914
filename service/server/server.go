package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/freshwallet/service/metrics"
	"github.com/brojonat/freshwallet/service/scanner"
	"github.com/brojonat/freshwallet/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API of the scan service.
type Server struct {
	addr         string
	store        ScanStore
	scheduler    temporal.Scheduler
	sources      []scanner.Source
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The scheduler starts scan workflows and reports their status.
// The store is optional - if nil, scan history endpoints won't be available.
// The sources are the configured source groups requests may refer to by name.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, store ScanStore, scheduler temporal.Scheduler, sources []scanner.Source, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:         addr,
		store:        store,
		scheduler:    scheduler,
		sources:      sources,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Handler builds the routed, instrumented handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Scan routes
	route("POST /api/v1/scans", "/api/v1/scans", handleStartScan(s.scheduler, s.sources, s.logger))
	route("GET /api/v1/scans/{workflow_id}/status", "/api/v1/scans/status", handleGetScanStatus(s.scheduler, s.logger))
	route("GET /api/v1/sources", "/api/v1/sources", handleListSources(s.sources))

	if s.store != nil {
		route("GET /api/v1/scans", "/api/v1/scans", handleListScans(s.store, s.logger))
		route("GET /api/v1/scans/{id}", "/api/v1/scans/id", handleGetScan(s.store, s.logger))
	} else {
		s.logger.Warn("scan store not configured, history endpoints disabled")
	}

	if s.ssePublisher != nil {
		route("GET /api/v1/stream/scans/{id}", "/api/v1/stream/scans", handleStreamScan(s.ssePublisher, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
