package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]time.Duration // map[scheduleID]interval
	started   []ScanWorkflowInput
	statuses  map[string]*ScanStatus // map[workflowID]status
	startErr  error
	createErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]time.Duration),
		statuses:  make(map[string]*ScanStatus),
	}
}

// StartScan records the input and marks the scan as running.
func (m *MockScheduler) StartScan(ctx context.Context, input ScanWorkflowInput) (*StartedScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return nil, m.startErr
	}

	if input.ScanID == "" {
		input.ScanID = uuid.NewString()
	}
	id := scanWorkflowID(input.ScanID)
	m.started = append(m.started, input)
	if _, exists := m.statuses[id]; !exists {
		m.statuses[id] = &ScanStatus{WorkflowID: id, Status: "running"}
	}
	return &StartedScan{ScanID: input.ScanID, WorkflowID: id}, nil
}

// GetScanStatus returns the status set for the workflow.
func (m *MockScheduler) GetScanStatus(ctx context.Context, workflowID string) (*ScanStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, exists := m.statuses[workflowID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrScanNotFound, workflowID)
	}
	return status, nil
}

// CreateScanSchedule records that a schedule was created.
func (m *MockScheduler) CreateScanSchedule(ctx context.Context, name string, input ScanWorkflowInput, interval time.Duration) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(name)
	if _, exists := m.schedules[id]; exists {
		return fmt.Errorf("schedule %q already exists", id)
	}
	m.schedules[id] = interval
	return nil
}

// DeleteScanSchedule records that a schedule was deleted.
func (m *MockScheduler) DeleteScanSchedule(ctx context.Context, name string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(name)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}

	delete(m.schedules, id)
	return nil
}

// ListScanSchedules returns the names of all schedules.
func (m *MockScheduler) ListScanSchedules(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.schedules))
	for id := range m.schedules {
		if name, ok := scheduleName(id); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// SetStatus sets the status returned for a workflow.
func (m *MockScheduler) SetStatus(status *ScanStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.WorkflowID] = status
}

// SetStartError makes StartScan return an error.
func (m *MockScheduler) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// SetCreateError makes CreateScanSchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.createErr = err
}

// SetDeleteError makes DeleteScanSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// StartedScans returns the inputs of all started scans.
func (m *MockScheduler) StartedScans() []ScanWorkflowInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScanWorkflowInput, len(m.started))
	copy(out, m.started)
	return out
}

// ScheduleExists checks if a named schedule exists.
func (m *MockScheduler) ScheduleExists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.schedules[scheduleID(name)]
	return exists
}

// GetScheduleInterval returns the interval of a named schedule.
func (m *MockScheduler) GetScheduleInterval(name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval, exists := m.schedules[scheduleID(name)]
	return interval, exists
}

// ScheduleCount returns the number of schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}

// Reset clears all state and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = make(map[string]time.Duration)
	m.statuses = make(map[string]*ScanStatus)
	m.started = nil
	m.startErr = nil
	m.createErr = nil
	m.deleteErr = nil
}
