package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/scanner"
)

// Event types carried by ProgressEvent.
const (
	EventPhase    = "phase"
	EventCounters = "counters"
	EventLog      = "log"
)

// ProgressEvent reports scan progress. It is published to the subject
// "scans.{scan_id}.progress" in JetStream.
type ProgressEvent struct {
	ScanID string `json:"scan_id"`
	Type   string `json:"type"` // phase, counters or log

	Phase    scanner.Phase     `json:"phase,omitempty"`
	Counters *scanner.Counters `json:"counters,omitempty"`
	Message  string            `json:"message,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// DetectionEvent carries one fresh-account detection. It is published to the
// subject "scans.{scan_id}.detections" in JetStream.
type DetectionEvent struct {
	ScanID    string           `json:"scan_id"`
	Detection *detector.Result `json:"detection"`

	PublishedAt time.Time `json:"published_at"`
}

// ProgressSubject returns the subject progress events of a scan are published to.
func ProgressSubject(scanID string) string {
	return fmt.Sprintf("scans.%s.progress", scanID)
}

// DetectionsSubject returns the subject detections of a scan are published to.
func DetectionsSubject(scanID string) string {
	return fmt.Sprintf("scans.%s.detections", scanID)
}

// ScanSubjects returns a filter matching every event of a scan.
func ScanSubjects(scanID string) string {
	return fmt.Sprintf("scans.%s.*", scanID)
}
