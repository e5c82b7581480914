package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/freshwallet/service/scanner"
	"github.com/google/uuid"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ScanWorkflow runs one fresh-account scan.
//
// The workflow performs these steps:
// 1. Run the scan (RunScan activity, heartbeating progress)
// 2. Record the scan in the database (RecordScan activity, best effort)
// 3. Publish detections to NATS (PublishDetections activity, best effort)
//
// Only a failure of step 1 fails the workflow.
func ScanWorkflow(ctx workflow.Context, input ScanWorkflowInput) (*ScanWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)

	scanID := input.ScanID
	if scanID == "" {
		encoded := workflow.SideEffect(ctx, func(workflow.Context) interface{} {
			return uuid.NewString()
		})
		if err := encoded.Get(&scanID); err != nil {
			return nil, fmt.Errorf("failed to generate scan id: %w", err)
		}
	}
	workflowID := workflow.GetInfo(ctx).WorkflowExecution.ID

	logger.Info("ScanWorkflow started",
		"scan_id", scanID,
		"mode", input.Request.Mode.String(),
		"window_hours", input.Request.WindowHours,
	)

	result := &ScanWorkflowResult{ScanID: scanID}

	runCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    5 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        2,
			NonRetryableErrorTypes: []string{ErrTypeInvalidRequest},
		},
	})
	stepCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeInvalidRequest},
		},
	})

	// Step 1: run the scan
	var scanResult *scanner.Result
	err := workflow.ExecuteActivity(runCtx, a.RunScan, RunScanInput{
		ScanID:  scanID,
		Request: input.Request,
	}).Get(ctx, &scanResult)
	if err != nil {
		logger.Error("scan failed", "scan_id", scanID, "error", err)
		errMsg := fmt.Sprintf("scan failed: %v", err)
		result.Error = &errMsg

		// Leave a failed record behind so the scan shows up in listings.
		recordErr := workflow.ExecuteActivity(stepCtx, a.RecordScan, RecordScanInput{
			ScanID:     scanID,
			WorkflowID: workflowID,
			Request:    input.Request,
		}).Get(ctx, nil)
		if recordErr != nil {
			logger.Warn("failed to record failed scan", "scan_id", scanID, "error", recordErr)
		}
		return result, fmt.Errorf("scan failed: %w", err)
	}
	if scanResult == nil {
		scanResult = &scanner.Result{}
	}
	result.Result = scanResult

	// Step 2: record the scan
	var recordResult *RecordScanResult
	err = workflow.ExecuteActivity(stepCtx, a.RecordScan, RecordScanInput{
		ScanID:     scanID,
		WorkflowID: workflowID,
		Request:    input.Request,
		Result:     scanResult,
	}).Get(ctx, &recordResult)
	if err != nil {
		logger.Warn("failed to record scan, continuing", "scan_id", scanID, "error", err)
		errMsg := fmt.Sprintf("failed to record scan: %v", err)
		result.RecordError = &errMsg
	} else if recordResult != nil {
		result.Recorded = recordResult.Recorded
	}

	// Step 3: publish detections
	if len(scanResult.Detections) > 0 {
		var publishResult *PublishDetectionsResult
		err = workflow.ExecuteActivity(stepCtx, a.PublishDetections, PublishDetectionsInput{
			ScanID:     scanID,
			Detections: scanResult.Detections,
		}).Get(ctx, &publishResult)
		if err != nil {
			logger.Warn("failed to publish detections, continuing", "scan_id", scanID, "error", err)
			errMsg := fmt.Sprintf("failed to publish detections: %v", err)
			result.PublishError = &errMsg
		} else if publishResult != nil {
			result.Published = publishResult.Published
		}
	}

	logger.Info("ScanWorkflow completed",
		"scan_id", scanID,
		"detections", len(scanResult.Detections),
		"recorded", result.Recorded,
		"published", result.Published,
		"canceled", scanResult.Canceled,
	)

	return result, nil
}
