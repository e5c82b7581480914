package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ scanner.ProgressSink = (*ProgressPublisher)(nil)
var _ Publisher = (*MockPublisher)(nil)
var _ Publisher = (*JetStreamPublisher)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProgressPublisher(t *testing.T) {
	mock := NewMockPublisher()
	p := NewProgressPublisher(mock, "scan-1", testLogger())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	ctx := context.Background()
	p.Phase(ctx, scanner.PhaseCollecting)
	p.Counters(ctx, scanner.Counters{SourcesScanned: 1, SourcesTotal: 2, APICalls: 7})
	p.Log(ctx, "binance: 3 transfers")

	events := mock.GetProgressEvents()
	require.Len(t, events, 3)

	assert.Equal(t, EventPhase, events[0].Type)
	assert.Equal(t, scanner.PhaseCollecting, events[0].Phase)

	assert.Equal(t, EventCounters, events[1].Type)
	require.NotNil(t, events[1].Counters)
	assert.Equal(t, int64(7), events[1].Counters.APICalls)

	assert.Equal(t, EventLog, events[2].Type)
	assert.Equal(t, "binance: 3 transfers", events[2].Message)

	for _, e := range events {
		assert.Equal(t, "scan-1", e.ScanID)
		assert.Equal(t, fixed, e.PublishedAt)
	}
}

func TestProgressPublisher_ErrorsAreSwallowed(t *testing.T) {
	mock := NewMockPublisher()
	mock.SetProgressError(errors.New("nats down"))
	p := NewProgressPublisher(mock, "scan-1", testLogger())

	assert.NotPanics(t, func() {
		p.Phase(context.Background(), scanner.PhaseDone)
	})
	assert.Empty(t, mock.GetProgressEvents())
}

func TestMockPublisher_Detections(t *testing.T) {
	mock := NewMockPublisher()
	ctx := context.Background()

	require.NoError(t, mock.PublishDetections(ctx, "a", []*detector.Result{{Account: "D1"}, {Account: "D2"}}))
	require.NoError(t, mock.PublishDetections(ctx, "b", []*detector.Result{{Account: "D3"}}))

	assert.Len(t, mock.GetDetectionEvents(), 3)
	assert.Len(t, mock.GetDetectionEventsForScan("a"), 2)

	mock.SetDetectionsError(errors.New("boom"))
	assert.Error(t, mock.PublishDetections(ctx, "c", []*detector.Result{{Account: "D4"}}))

	mock.Reset()
	assert.Empty(t, mock.GetDetectionEvents())
	require.NoError(t, mock.Close())
	assert.True(t, mock.IsClosed())
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "scans.abc.progress", ProgressSubject("abc"))
	assert.Equal(t, "scans.abc.detections", DetectionsSubject("abc"))
	assert.Equal(t, "scans.abc.*", ScanSubjects("abc"))
}
