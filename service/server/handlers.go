package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/freshwallet/service/db"
	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/scanner"
	"github.com/brojonat/freshwallet/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxWindowHours     = 24 * 30
	defaultListLimit   = 50
	maxListLimit       = 500
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// ScanStore is the read side of scan persistence used by the API.
type ScanStore interface {
	GetScan(ctx context.Context, id uuid.UUID) (*db.Scan, error)
	ListScans(ctx context.Context, params db.ListScansParams) ([]*db.Scan, error)
}

// startScanRequest is the body of POST /api/v1/scans.
// Sources may be given inline, by name from the configured source groups, or
// both. Amounts are decimal SOL strings.
type startScanRequest struct {
	Sources               map[string][]string `json:"sources"`
	SourceNames           []string            `json:"source_names"`
	MinSOL                string              `json:"min_sol"`
	MaxSOL                string              `json:"max_sol"`
	TargetSOL             string              `json:"target_sol"`
	TolerancePct          float64             `json:"tolerance_pct"`
	WindowHours           int                 `json:"window_hours"`
	Mode                  string              `json:"mode"`
	MaxTransfersPerSource int                 `json:"max_transfers_per_source"`
}

// handleStartScan returns a handler that validates a scan request and starts
// a ScanWorkflow for it.
// POST /api/v1/scans
func handleStartScan(scheduler temporal.Scheduler, configured []scanner.Source, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var body startScanRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			logger.Debug("failed to decode scan request", "error", err)
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		req, err := buildScanRequest(body, configured)
		if err != nil {
			logger.Debug("invalid scan request", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		started, err := scheduler.StartScan(r.Context(), temporal.ScanWorkflowInput{
			ScanID:  uuid.NewString(),
			Request: req,
		})
		if err != nil {
			logger.Error("failed to start scan", "error", err)
			writeError(w, "failed to start scan", http.StatusInternalServerError)
			return
		}

		logger.Info("scan started",
			"scan_id", started.ScanID,
			"workflow_id", started.WorkflowID,
			"mode", req.Mode.String(),
			"window_hours", req.WindowHours,
			"filter", req.Filter.String(),
		)

		writeJSON(w, map[string]interface{}{
			"scan_id":     started.ScanID,
			"workflow_id": started.WorkflowID,
			"status_url":  fmt.Sprintf("/api/v1/scans/%s/status", started.WorkflowID),
			"stream_url":  fmt.Sprintf("/api/v1/stream/scans/%s", started.ScanID),
		}, http.StatusAccepted)
	})
}

// buildScanRequest validates the API body and turns it into a scan request.
func buildScanRequest(body startScanRequest, configured []scanner.Source) (scanner.Request, error) {
	var sources []scanner.Source
	if len(body.SourceNames) > 0 {
		named, err := scanner.SelectSources(configured, body.SourceNames)
		if err != nil {
			return scanner.Request{}, errorf("invalid source_names: %v", err)
		}
		sources = append(sources, named...)
	}
	sources = append(sources, scanner.SourcesFromMap(body.Sources)...)
	if len(sources) == 0 {
		return scanner.Request{}, errorf("at least one source is required (sources or source_names)")
	}
	for _, src := range sources {
		for _, addr := range src.Accounts {
			if err := validateAddress(addr); err != nil {
				return scanner.Request{}, errorf("invalid address in source %q: %v", src.Name, err)
			}
		}
	}

	filter, err := scanner.ParseFilter(body.MinSOL, body.MaxSOL, body.TargetSOL, body.TolerancePct)
	if err != nil {
		return scanner.Request{}, errorf("%v", err)
	}

	if body.WindowHours <= 0 {
		return scanner.Request{}, errorf("window_hours must be positive")
	}
	if body.WindowHours > maxWindowHours {
		return scanner.Request{}, errorf("window_hours cannot exceed %d", maxWindowHours)
	}

	mode, err := detector.ParseMode(body.Mode)
	if err != nil {
		return scanner.Request{}, errorf("%v", err)
	}

	if body.MaxTransfersPerSource < 0 {
		return scanner.Request{}, errorf("max_transfers_per_source cannot be negative")
	}

	req := scanner.Request{
		Sources:               sources,
		Filter:                filter,
		WindowHours:           body.WindowHours,
		Mode:                  mode,
		MaxTransfersPerSource: body.MaxTransfersPerSource,
	}
	if err := req.Validate(); err != nil {
		return scanner.Request{}, errorf("%v", err)
	}
	return req, nil
}

// handleGetScanStatus returns a handler that reports the state of a scan workflow.
// GET /api/v1/scans/{workflow_id}/status
func handleGetScanStatus(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.PathValue("workflow_id")
		if workflowID == "" {
			writeError(w, "workflow_id is required", http.StatusBadRequest)
			return
		}

		status, err := scheduler.GetScanStatus(r.Context(), workflowID)
		if err != nil {
			if errors.Is(err, temporal.ErrScanNotFound) {
				writeError(w, "scan not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get scan status", "workflow_id", workflowID, "error", err)
			writeError(w, "failed to get scan status", http.StatusInternalServerError)
			return
		}

		writeJSON(w, status, http.StatusOK)
	})
}

// scanResponse is the JSON response format for a stored scan.
type scanResponse struct {
	ID           string             `json:"id"`
	WorkflowID   string             `json:"workflow_id"`
	Status       string             `json:"status"`
	Mode         string             `json:"mode"`
	WindowHours  int                `json:"window_hours"`
	Filter       json.RawMessage    `json:"filter"`
	Sources      json.RawMessage    `json:"sources"`
	ResultCount  int                `json:"result_count"`
	SkippedCount int                `json:"skipped_count"`
	APICalls     int64              `json:"api_calls"`
	CacheHits    int                `json:"cache_hits"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
	Detections   []*detector.Result `json:"detections,omitempty"`
	Skipped      []scanner.Skipped  `json:"skipped,omitempty"`
}

// scanToResponse converts a stored scan to the response format. Detections
// and skipped entries are only included when full is set.
func scanToResponse(s *db.Scan, full bool) (scanResponse, error) {
	resp := scanResponse{
		ID:           s.ID.String(),
		WorkflowID:   s.WorkflowID,
		Status:       s.Status,
		Mode:         s.Mode,
		WindowHours:  s.WindowHours,
		Filter:       rawOrNull(s.Filter),
		Sources:      rawOrNull(s.Sources),
		ResultCount:  s.ResultCount,
		SkippedCount: s.SkippedCount,
		APICalls:     s.APICalls,
		CacheHits:    s.CacheHits,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}
	if !full {
		return resp, nil
	}

	var err error
	if resp.Detections, err = s.DecodeDetections(); err != nil {
		return resp, err
	}
	if resp.Skipped, err = s.DecodeSkipped(); err != nil {
		return resp, err
	}
	return resp, nil
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

// handleListScans returns a handler that lists recorded scans, newest first.
// GET /api/v1/scans?limit=N&offset=N
func handleListScans(store ScanStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		// Parse limit (default 50, max 500)
		limit := int32(defaultListLimit)
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > maxListLimit {
				writeError(w, fmt.Sprintf("limit cannot exceed %d", maxListLimit), http.StatusBadRequest)
				return
			}
			limit = int32(parsedLimit)
		}

		// Parse offset (default 0)
		offset := int32(0)
		if offsetStr := query.Get("offset"); offsetStr != "" {
			var parsedOffset int
			if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedOffset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			offset = int32(parsedOffset)
		}

		scans, err := store.ListScans(r.Context(), db.ListScansParams{Limit: limit, Offset: offset})
		if err != nil {
			logger.Error("failed to list scans", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("scans listed", "count", len(scans))

		resp := make([]scanResponse, 0, len(scans))
		for _, s := range scans {
			sr, _ := scanToResponse(s, false)
			resp = append(resp, sr)
		}

		writeJSON(w, map[string]interface{}{
			"scans":  resp,
			"count":  len(resp),
			"limit":  limit,
			"offset": offset,
		}, http.StatusOK)
	})
}

// handleGetScan returns a handler that retrieves one recorded scan with its
// detections.
// GET /api/v1/scans/{id}
func handleGetScan(store ScanStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, "invalid scan id: must be a UUID", http.StatusBadRequest)
			return
		}

		scan, err := store.GetScan(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrScanNotFound) {
				writeError(w, "scan not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get scan", "scan_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp, err := scanToResponse(scan, true)
		if err != nil {
			logger.Error("failed to decode scan", "scan_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, resp, http.StatusOK)
	})
}

// handleListSources returns a handler that lists the configured source groups.
// GET /api/v1/sources
func handleListSources(sources []scanner.Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sources == nil {
			sources = []scanner.Source{}
		}
		writeJSON(w, map[string]interface{}{
			"sources": sources,
		}, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, map[string]string{"error": message}, status)
}

// validateAddress validates a Solana address.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum %d characters", maxAddressLength)
	}

	for _, r := range address {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errorf("address contains invalid characters")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("address contains invalid characters: must be base58")
	}

	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return errorf("invalid solana address: %v", err)
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
