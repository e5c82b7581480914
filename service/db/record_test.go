package db

import (
	"testing"
	"time"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/scanner"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() scanner.Request {
	return scanner.Request{
		Sources:     []scanner.Source{{Name: "binance", Accounts: []string{"SrcA"}}},
		Filter:      scanner.RangeFilter(1_000_000_000, 2_000_000_000),
		WindowHours: 24,
		Mode:        detector.ModeRelay,
	}
}

func TestNewScanRecord(t *testing.T) {
	id := uuid.New()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	funded := started.Add(-time.Hour)

	res := &scanner.Result{
		Detections: []*detector.Result{{
			Origin:       detector.Origin{Source: "binance", SourceAccount: "SrcA", Amount: 1_500_000_000, Signature: "sig", Timestamp: &funded},
			Account:      "Dest",
			IsFresh:      true,
			FinalAccount: "Fresh",
			Path:         []string{"Dest", "Fresh"},
			Hops:         1,
			Mode:         detector.ModeRelay,
			State:        detector.StateFresh,
			Reason:       "single credit",
		}},
		Skipped: []scanner.Skipped{{Account: "Bad", Stage: "analyze", Error: "boom"}},
		Stats:   scanner.Stats{StartedAt: started, APICalls: 42, CacheHits: 1},
	}

	scan, err := NewScanRecord(id, "scan-"+id.String(), testRequest(), res, finished)
	require.NoError(t, err)

	assert.Equal(t, id, scan.ID)
	assert.Equal(t, StatusCompleted, scan.Status)
	assert.Equal(t, "relay-following", scan.Mode)
	assert.Equal(t, 24, scan.WindowHours)
	assert.Equal(t, 1, scan.ResultCount)
	assert.Equal(t, 1, scan.SkippedCount)
	assert.Equal(t, int64(42), scan.APICalls)
	assert.Equal(t, 1, scan.CacheHits)
	assert.Equal(t, started, scan.StartedAt)
	require.NotNil(t, scan.FinishedAt)
	assert.Equal(t, finished, *scan.FinishedAt)
	assert.JSONEq(t, `{"kind":"range","min":1000000000,"max":2000000000}`, string(scan.Filter))
	assert.JSONEq(t, `[{"name":"binance","accounts":["SrcA"]}]`, string(scan.Sources))

	detections, err := scan.DecodeDetections()
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, "Fresh", detections[0].FinalAccount)
	assert.Equal(t, detector.ModeRelay, detections[0].Mode)
	require.NotNil(t, detections[0].Timestamp)
	assert.True(t, funded.Equal(*detections[0].Timestamp))

	skipped, err := scan.DecodeSkipped()
	require.NoError(t, err)
	assert.Equal(t, res.Skipped, skipped)
}

func TestNewScanRecord_CanceledAndFailed(t *testing.T) {
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	scan, err := NewScanRecord(uuid.New(), "", testRequest(), &scanner.Result{Canceled: true}, finished)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, scan.Status)
	assert.Equal(t, finished, scan.StartedAt)

	scan, err = NewScanRecord(uuid.New(), "", testRequest(), nil, finished)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, scan.Status)
	assert.Empty(t, scan.Detections)

	detections, err := scan.DecodeDetections()
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestDecodeDetections_Invalid(t *testing.T) {
	scan := &Scan{ID: uuid.New(), Detections: []byte(`{"not":"a list"}`)}
	_, err := scan.DecodeDetections()
	assert.Error(t, err)
}

func TestJSONOr(t *testing.T) {
	assert.Equal(t, []byte("[]"), jsonOr(nil, "[]"))
	assert.Equal(t, []byte(`[1]`), jsonOr([]byte(`[1]`), "[]"))
}
