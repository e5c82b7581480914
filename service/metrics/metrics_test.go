package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue sums the samples of a gathered family whose labels include want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
	}
	return total
}

func TestRecordWalk(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordWalk("relay-following", true, 1)
	m.RecordWalk("relay-following", false, 0)
	m.RecordWalk("relay-following", false, 3)

	assert.Equal(t, 1.0, counterValue(t, reg, "freshwallet_walks_total", map[string]string{"verdict": "fresh"}))
	assert.Equal(t, 2.0, counterValue(t, reg, "freshwallet_walks_total", map[string]string{"verdict": "not_fresh"}))
}

func TestRecordScanAndDetections(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordScan("strict", "completed", 12.5)
	m.RecordDetection("binance")
	m.RecordDetection("binance")
	m.RecordCacheHit()

	assert.Equal(t, 1.0, counterValue(t, reg, "freshwallet_scans_total", map[string]string{"mode": "strict", "status": "completed"}))
	assert.Equal(t, 2.0, counterValue(t, reg, "freshwallet_detections_total", map[string]string{"source": "binance"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "freshwallet_walk_cache_hits_total", nil))
}

func TestRecordDBQueryStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDBQuery("insert", "scans", 0.01, nil)
	m.RecordDBQuery("insert", "scans", 0.01, errors.New("boom"))

	assert.Equal(t, 1.0, counterValue(t, reg, "db_operations_total", map[string]string{"status": "success"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "db_operations_total", map[string]string{"status": "error"}))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	h := HTTPMetricsMiddleware(m, "/api/v1/scans")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1.0, counterValue(t, reg, "http_requests_total", map[string]string{
		"handler": "/api/v1/scans",
		"method":  "POST",
		"status":  "2xx",
	}))
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	h := HTTPMetricsMiddleware(nil, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPMetricsMiddleware_Flushes(t *testing.T) {
	h := HTTPMetricsMiddleware(nil, "/api/v1/stream/scans")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("event: connected\n\n"))
		require.NoError(t, http.NewResponseController(w).Flush())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stream/scans/x", nil))
	assert.True(t, rec.Flushed)
}

func TestStatusCodeToString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToString(204))
	assert.Equal(t, "4xx", statusCodeToString(404))
	assert.Equal(t, "5xx", statusCodeToString(503))
	assert.Equal(t, "unknown", statusCodeToString(99))
}
