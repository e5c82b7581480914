package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal        *prometheus.CounterVec
	solanaRPCCallDuration      *prometheus.HistogramVec
	solanaRPCRateLimitHits     *prometheus.CounterVec
	solanaRPCRetries           *prometheus.CounterVec
	solanaRPCSignaturesPerCall *prometheus.HistogramVec
	transactionsSkippedTotal   *prometheus.CounterVec

	// Detection Metrics
	scansTotal          *prometheus.CounterVec
	scanDuration        *prometheus.HistogramVec
	scanDetectionsTotal *prometheus.CounterVec
	walksTotal          *prometheus.CounterVec
	walkHops            *prometheus.HistogramVec
	walkCacheHitsTotal  prometheus.Counter

	// Workflow Metrics
	activityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		solanaRPCSignaturesPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_signatures_per_call",
				Help:    "Number of signatures fetched per GetSignaturesForAddress call",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"endpoint"},
		),
		transactionsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_transactions_skipped_total",
				Help: "Transactions dropped while fetching details, by reason",
			},
			[]string{"reason"},
		),

		// Detection Metrics
		scansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freshwallet_scans_total",
				Help: "Total number of scans by mode and outcome",
			},
			[]string{"mode", "status"},
		),
		scanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "freshwallet_scan_duration_seconds",
				Help:    "Duration of scans in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"mode"},
		),
		scanDetectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freshwallet_detections_total",
				Help: "Fresh accounts detected, by funding source",
			},
			[]string{"source"},
		),
		walksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freshwallet_walks_total",
				Help: "Chain walks by mode and verdict",
			},
			[]string{"mode", "verdict"},
		),
		walkHops: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "freshwallet_walk_hops",
				Help:    "Relay hops followed per chain walk",
				Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
			},
			[]string{"verdict"},
		),
		walkCacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "freshwallet_walk_cache_hits_total",
				Help: "Destinations resolved from the scan cache instead of a new walk",
			},
		),

		// Workflow Metrics
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scan_activity_duration_seconds",
				Help:    "Duration of scan workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordRPCSignaturesPerCall records the number of signatures fetched.
func (m *Metrics) RecordRPCSignaturesPerCall(endpoint string, count float64) {
	m.solanaRPCSignaturesPerCall.WithLabelValues(endpoint).Observe(count)
}

// RecordTransactionsSkipped records transactions dropped during detail fetches.
func (m *Metrics) RecordTransactionsSkipped(reason string, count int) {
	m.transactionsSkippedTotal.WithLabelValues(reason).Add(float64(count))
}

// Detection metric helpers

// RecordScan records a finished scan. status is "completed", "canceled" or "failed".
func (m *Metrics) RecordScan(mode, status string, duration float64) {
	m.scansTotal.WithLabelValues(mode, status).Inc()
	m.scanDuration.WithLabelValues(mode).Observe(duration)
}

// RecordDetection records one fresh account attributed to a source.
func (m *Metrics) RecordDetection(source string) {
	m.scanDetectionsTotal.WithLabelValues(source).Inc()
}

// RecordWalk records a chain walk verdict and the hops it took.
func (m *Metrics) RecordWalk(mode string, fresh bool, hops int) {
	verdict := "not_fresh"
	if fresh {
		verdict = "fresh"
	}
	m.walksTotal.WithLabelValues(mode, verdict).Inc()
	m.walkHops.WithLabelValues(verdict).Observe(float64(hops))
}

// RecordCacheHit records a destination served from the scan cache.
func (m *Metrics) RecordCacheHit() {
	m.walkCacheHitsTotal.Inc()
}

// Workflow metric helpers

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, err error, duration float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
