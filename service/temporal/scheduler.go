package temporal

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrScanNotFound is returned when no workflow exists for a scan.
var ErrScanNotFound = errors.New("scan workflow not found")

// StartedScan identifies a scan that was handed to Temporal.
type StartedScan struct {
	ScanID     string `json:"scan_id"`
	WorkflowID string `json:"workflow_id"`
}

// ScanStatus is the execution status of a scan workflow.
type ScanStatus struct {
	WorkflowID string              `json:"workflow_id"`
	Status     string              `json:"status"` // running, completed, failed, canceled, terminated, timed_out
	StartTime  *time.Time          `json:"start_time,omitempty"`
	CloseTime  *time.Time          `json:"close_time,omitempty"`
	Result     *ScanWorkflowResult `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Scheduler starts scan workflows and manages schedules for recurring scans.
type Scheduler interface {
	// StartScan starts a ScanWorkflow. An empty ScanID is filled in.
	StartScan(ctx context.Context, input ScanWorkflowInput) (*StartedScan, error)

	// GetScanStatus reports the status of a scan workflow, including its
	// result once completed.
	GetScanStatus(ctx context.Context, workflowID string) (*ScanStatus, error)

	// CreateScanSchedule creates a schedule running the scan on the given interval.
	CreateScanSchedule(ctx context.Context, name string, input ScanWorkflowInput, interval time.Duration) error

	// DeleteScanSchedule deletes the named schedule.
	DeleteScanSchedule(ctx context.Context, name string) error

	// ListScanSchedules returns the names of all scan schedules.
	ListScanSchedules(ctx context.Context) ([]string, error)
}

const (
	workflowIDPrefix = "scan-"
	schedulePrefix   = "scan-schedule-"
)

// scanWorkflowID returns the workflow ID for a scan.
func scanWorkflowID(scanID string) string {
	return workflowIDPrefix + scanID
}

// scheduleID returns the Temporal schedule ID for a named recurring scan.
func scheduleID(name string) string {
	return schedulePrefix + name
}

// scheduleName is the inverse of scheduleID. ok is false for schedules not
// created by this service.
func scheduleName(id string) (name string, ok bool) {
	return strings.CutPrefix(id, schedulePrefix)
}
