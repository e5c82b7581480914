package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartScan starts a ScanWorkflow on the configured task queue.
func (c *Client) StartScan(ctx context.Context, input ScanWorkflowInput) (*StartedScan, error) {
	if input.ScanID == "" {
		input.ScanID = uuid.NewString()
	}
	id := scanWorkflowID(input.ScanID)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, ScanWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start scan workflow",
			"scan_id", input.ScanID,
			"workflow_id", id,
			"error", err,
		)
		return nil, fmt.Errorf("failed to start scan workflow %q: %w", id, err)
	}

	c.logger.Info("scan workflow started",
		"scan_id", input.ScanID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)

	return &StartedScan{ScanID: input.ScanID, WorkflowID: run.GetID()}, nil
}

// GetScanStatus describes the workflow and, once it has closed, fetches its
// result or failure.
func (c *Client) GetScanStatus(ctx context.Context, workflowID string) (*ScanStatus, error) {
	desc, err := c.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrScanNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to describe workflow %q: %w", workflowID, err)
	}

	info := desc.GetWorkflowExecutionInfo()
	status := &ScanStatus{
		WorkflowID: workflowID,
		Status:     statusName(info.GetStatus()),
	}
	if ts := info.GetStartTime(); ts != nil {
		t := ts.AsTime()
		status.StartTime = &t
	}
	if ts := info.GetCloseTime(); ts != nil {
		t := ts.AsTime()
		status.CloseTime = &t
	}

	switch info.GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_UNSPECIFIED:
		return status, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		var result ScanWorkflowResult
		if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
			return nil, fmt.Errorf("failed to get result of workflow %q: %w", workflowID, err)
		}
		status.Result = &result
	default:
		if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, nil); err != nil {
			status.Error = err.Error()
		}
	}
	return status, nil
}

// CreateScanSchedule creates a new Temporal schedule for a recurring scan.
func (c *Client) CreateScanSchedule(ctx context.Context, name string, input ScanWorkflowInput, interval time.Duration) error {
	id := scheduleID(name)

	c.logger.Debug("creating scan schedule",
		"name", name,
		"schedule_id", id,
		"interval", interval,
	)

	// Every scheduled run generates its own scan ID.
	input.ScanID = ""

	workflowAction := client.ScheduleWorkflowAction{
		ID:        "scheduled-" + id,
		Workflow:  ScanWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{input},
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: &workflowAction,
		Memo: map[string]interface{}{
			"name":         name,
			"mode":         input.Request.Mode.String(),
			"window_hours": input.Request.WindowHours,
			"created_by":   "freshwallet",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"name", name,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("scan schedule created",
		"name", name,
		"schedule_id", id,
		"interval", interval,
	)

	return nil
}

// DeleteScanSchedule deletes the Temporal schedule of a recurring scan.
func (c *Client) DeleteScanSchedule(ctx context.Context, name string) error {
	id := scheduleID(name)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"name", name,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("scan schedule deleted",
		"name", name,
		"schedule_id", id,
	)

	return nil
}

// ListScanSchedules lists the names of all scan schedules.
func (c *Client) ListScanSchedules(ctx context.Context) ([]string, error) {
	iter, err := c.client.ScheduleClient().List(ctx, client.ScheduleListOptions{
		PageSize: 100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	names := []string{}
	for iter.HasNext() {
		schedule, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate schedules: %w", err)
		}
		if name, ok := scheduleName(schedule.ID); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

func statusName(s enumspb.WorkflowExecutionStatus) string {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return "running"
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return "completed"
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return "failed"
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return "canceled"
	case enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return "terminated"
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return "timed_out"
	case enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return "continued_as_new"
	default:
		return "unknown"
	}
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
