package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/scanner"
	"github.com/google/uuid"
)

// NewScanRecord builds the record for a finished scan. A nil result yields a
// failed record carrying only the request.
func NewScanRecord(id uuid.UUID, workflowID string, req scanner.Request, res *scanner.Result, finishedAt time.Time) (*Scan, error) {
	filter, err := json.Marshal(req.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter: %w", err)
	}
	sources, err := json.Marshal(req.Sources)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sources: %w", err)
	}

	scan := &Scan{
		ID:          id,
		WorkflowID:  workflowID,
		Status:      StatusFailed,
		Mode:        req.Mode.String(),
		WindowHours: req.WindowHours,
		Filter:      filter,
		Sources:     sources,
		StartedAt:   finishedAt,
		FinishedAt:  &finishedAt,
	}
	if res == nil {
		return scan, nil
	}

	scan.Detections, err = json.Marshal(res.Detections)
	if err != nil {
		return nil, fmt.Errorf("failed to encode detections: %w", err)
	}
	scan.Skipped, err = json.Marshal(res.Skipped)
	if err != nil {
		return nil, fmt.Errorf("failed to encode skipped accounts: %w", err)
	}

	scan.Status = StatusCompleted
	if res.Canceled {
		scan.Status = StatusCanceled
	}
	scan.ResultCount = len(res.Detections)
	scan.SkippedCount = len(res.Skipped)
	scan.APICalls = res.Stats.APICalls
	scan.CacheHits = res.Stats.CacheHits
	if !res.Stats.StartedAt.IsZero() {
		scan.StartedAt = res.Stats.StartedAt
	}
	return scan, nil
}

// DecodeDetections unmarshals the stored detections of a scan.
func (s *Scan) DecodeDetections() ([]*detector.Result, error) {
	out := []*detector.Result{}
	if len(s.Detections) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(s.Detections, &out); err != nil {
		return nil, fmt.Errorf("failed to decode detections of scan %s: %w", s.ID, err)
	}
	return out, nil
}

// DecodeSkipped unmarshals the stored skipped entries of a scan.
func (s *Scan) DecodeSkipped() ([]scanner.Skipped, error) {
	out := []scanner.Skipped{}
	if len(s.Skipped) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(s.Skipped, &out); err != nil {
		return nil, fmt.Errorf("failed to decode skipped entries of scan %s: %w", s.ID, err)
	}
	return out, nil
}
