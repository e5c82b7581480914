package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/freshwallet/service/db"
	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/metrics"
	natspkg "github.com/brojonat/freshwallet/service/nats"
	"github.com/brojonat/freshwallet/service/scanner"
	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// ErrTypeInvalidRequest is the application error type for scan requests that
// can never succeed. Activities failing with it are not retried.
const ErrTypeInvalidRequest = "InvalidScanRequest"

// ScanWorkflowInput contains the input parameters for a scan workflow.
// An empty ScanID makes the workflow generate one, which is how scheduled
// runs get a distinct ID each time.
type ScanWorkflowInput struct {
	ScanID  string          `json:"scan_id,omitempty"`
	Request scanner.Request `json:"request"`
}

// ScanWorkflowResult contains the result of a scan workflow.
type ScanWorkflowResult struct {
	ScanID       string          `json:"scan_id"`
	Result       *scanner.Result `json:"result,omitempty"`
	Recorded     bool            `json:"recorded"`
	Published    int             `json:"published"`
	RecordError  *string         `json:"record_error,omitempty"`
	PublishError *string         `json:"publish_error,omitempty"`
	Error        *string         `json:"error,omitempty"`
}

// RunScanInput contains parameters for the RunScan activity.
type RunScanInput struct {
	ScanID  string          `json:"scan_id"`
	Request scanner.Request `json:"request"`
}

// RecordScanInput contains parameters for the RecordScan activity.
type RecordScanInput struct {
	ScanID     string          `json:"scan_id"`
	WorkflowID string          `json:"workflow_id"`
	Request    scanner.Request `json:"request"`
	Result     *scanner.Result `json:"result,omitempty"` // nil records a failed scan
}

// RecordScanResult contains the result of the RecordScan activity.
type RecordScanResult struct {
	Recorded bool `json:"recorded"` // false when no store is configured
}

// PublishDetectionsInput contains parameters for the PublishDetections activity.
type PublishDetectionsInput struct {
	ScanID     string             `json:"scan_id"`
	Detections []*detector.Result `json:"detections"`
}

// PublishDetectionsResult contains the result of the PublishDetections activity.
type PublishDetectionsResult struct {
	Published int `json:"published"`
}

// ScanRunner executes a scan.
type ScanRunner interface {
	Run(ctx context.Context, req scanner.Request, progress scanner.ProgressSink) (*scanner.Result, error)
}

// ScanStore defines the database operations needed by activities.
// This allows for easy mocking in tests.
type ScanStore interface {
	SaveScan(ctx context.Context, scan *db.Scan) (*db.Scan, error)
}

// Activities holds the dependencies needed by Temporal activities.
// Store and publisher are optional; a nil one turns its activity into a no-op.
type Activities struct {
	scanner   ScanRunner
	store     ScanStore
	publisher natspkg.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	runner ScanRunner,
	store ScanStore,
	publisher natspkg.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		scanner:   runner,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// RunScan executes one scan. Progress is logged, sent as activity heartbeats,
// and published to NATS when a publisher is configured.
func (a *Activities) RunScan(ctx context.Context, input RunScanInput) (result *scanner.Result, err error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("RunScan", err, time.Since(start).Seconds())
		}
	}()

	if verr := input.Request.Validate(); verr != nil {
		a.logger.WarnContext(ctx, "rejecting invalid scan request",
			"scan_id", input.ScanID,
			"error", verr,
		)
		return nil, temporalsdk.NewNonRetryableApplicationError(verr.Error(), ErrTypeInvalidRequest, verr)
	}

	progress := scanner.MultiProgress{
		scanner.LogProgress{Logger: a.logger, ScanID: input.ScanID},
		heartbeatProgress{},
	}
	if a.publisher != nil {
		progress = append(progress, natspkg.NewProgressPublisher(a.publisher, input.ScanID, a.logger))
	}

	result, err = a.scanner.Run(ctx, input.Request, progress)
	if err != nil {
		a.logger.ErrorContext(ctx, "scan failed",
			"scan_id", input.ScanID,
			"error", err,
		)
		return nil, fmt.Errorf("scan %s failed: %w", input.ScanID, err)
	}

	a.logger.InfoContext(ctx, "scan completed",
		"scan_id", input.ScanID,
		"detections", len(result.Detections),
		"skipped", len(result.Skipped),
		"canceled", result.Canceled,
	)
	return result, nil
}

// RecordScan persists the scan record.
func (a *Activities) RecordScan(ctx context.Context, input RecordScanInput) (result *RecordScanResult, err error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("RecordScan", err, time.Since(start).Seconds())
		}
	}()

	if a.store == nil {
		a.logger.DebugContext(ctx, "no store configured, not recording scan", "scan_id", input.ScanID)
		return &RecordScanResult{Recorded: false}, nil
	}

	id, err := uuid.Parse(input.ScanID)
	if err != nil {
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid scan id %q", input.ScanID), ErrTypeInvalidRequest, err)
	}

	scan, err := db.NewScanRecord(id, input.WorkflowID, input.Request, input.Result, time.Now().UTC())
	if err != nil {
		return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidRequest, err)
	}

	if _, err := a.store.SaveScan(ctx, scan); err != nil {
		a.logger.ErrorContext(ctx, "failed to record scan",
			"scan_id", input.ScanID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to record scan: %w", err)
	}

	a.logger.InfoContext(ctx, "scan recorded",
		"scan_id", input.ScanID,
		"status", scan.Status,
		"detections", scan.ResultCount,
	)
	return &RecordScanResult{Recorded: true}, nil
}

// PublishDetections publishes detections to NATS.
func (a *Activities) PublishDetections(ctx context.Context, input PublishDetectionsInput) (result *PublishDetectionsResult, err error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("PublishDetections", err, time.Since(start).Seconds())
		}
	}()

	if a.publisher == nil || len(input.Detections) == 0 {
		return &PublishDetectionsResult{Published: 0}, nil
	}

	if err := a.publisher.PublishDetections(ctx, input.ScanID, input.Detections); err != nil {
		return nil, fmt.Errorf("failed to publish detections: %w", err)
	}

	a.logger.InfoContext(ctx, "published detections",
		"scan_id", input.ScanID,
		"count", len(input.Detections),
	)
	return &PublishDetectionsResult{Published: len(input.Detections)}, nil
}

// heartbeatProgress reports scan progress as activity heartbeats.
type heartbeatProgress struct{}

func (heartbeatProgress) Phase(ctx context.Context, phase scanner.Phase) {
	activity.RecordHeartbeat(ctx, string(phase))
}

func (heartbeatProgress) Counters(ctx context.Context, c scanner.Counters) {
	activity.RecordHeartbeat(ctx, c)
}

func (heartbeatProgress) Log(ctx context.Context, msg string) {
	activity.RecordHeartbeat(ctx, msg)
}
