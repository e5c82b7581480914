package nats

import (
	"context"
	"sync"

	"github.com/brojonat/freshwallet/service/detector"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu              sync.RWMutex
	progressEvents  []*ProgressEvent
	detectionEvents []*DetectionEvent
	progressError   error
	detectionsError error
	closed          bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		progressEvents:  make([]*ProgressEvent, 0),
		detectionEvents: make([]*DetectionEvent, 0),
	}
}

// PublishProgress records the event and returns any configured error.
func (m *MockPublisher) PublishProgress(ctx context.Context, event *ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.progressError != nil {
		return m.progressError
	}

	m.progressEvents = append(m.progressEvents, event)
	return nil
}

// PublishDetections records one event per detection and returns any configured error.
func (m *MockPublisher) PublishDetections(ctx context.Context, scanID string, detections []*detector.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.detectionsError != nil {
		return m.detectionsError
	}

	for _, d := range detections {
		m.detectionEvents = append(m.detectionEvents, &DetectionEvent{ScanID: scanID, Detection: d})
	}
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetProgressEvents returns all published progress events (for testing).
func (m *MockPublisher) GetProgressEvents() []*ProgressEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*ProgressEvent, len(m.progressEvents))
	copy(events, m.progressEvents)
	return events
}

// GetDetectionEvents returns all published detection events (for testing).
func (m *MockPublisher) GetDetectionEvents() []*DetectionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*DetectionEvent, len(m.detectionEvents))
	copy(events, m.detectionEvents)
	return events
}

// GetDetectionEventsForScan returns detection events published for a specific scan.
func (m *MockPublisher) GetDetectionEventsForScan(scanID string) []*DetectionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*DetectionEvent, 0)
	for _, event := range m.detectionEvents {
		if event.ScanID == scanID {
			events = append(events, event)
		}
	}
	return events
}

// SetProgressError configures the mock to return an error on PublishProgress.
func (m *MockPublisher) SetProgressError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressError = err
}

// SetDetectionsError configures the mock to return an error on PublishDetections.
func (m *MockPublisher) SetDetectionsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detectionsError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressEvents = make([]*ProgressEvent, 0)
	m.detectionEvents = make([]*DetectionEvent, 0)
	m.progressError = nil
	m.detectionsError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
