package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/scanner"
)

// ScanRequest is the body of a scan start request. Amounts are decimal SOL
// strings; give either TargetSOL or both MinSOL and MaxSOL.
type ScanRequest struct {
	Sources               map[string][]string `json:"sources,omitempty"`
	SourceNames           []string            `json:"source_names,omitempty"`
	MinSOL                string              `json:"min_sol,omitempty"`
	MaxSOL                string              `json:"max_sol,omitempty"`
	TargetSOL             string              `json:"target_sol,omitempty"`
	TolerancePct          float64             `json:"tolerance_pct,omitempty"`
	WindowHours           int                 `json:"window_hours"`
	Mode                  string              `json:"mode,omitempty"`
	MaxTransfersPerSource int                 `json:"max_transfers_per_source,omitempty"`
}

// StartedScan identifies a scan accepted by the server.
type StartedScan struct {
	ScanID     string `json:"scan_id"`
	WorkflowID string `json:"workflow_id"`
	StatusURL  string `json:"status_url"`
	StreamURL  string `json:"stream_url"`
}

// ScanOutcome is the result of a finished scan workflow.
type ScanOutcome struct {
	ScanID       string          `json:"scan_id"`
	Result       *scanner.Result `json:"result,omitempty"`
	Recorded     bool            `json:"recorded"`
	Published    int             `json:"published"`
	RecordError  *string         `json:"record_error,omitempty"`
	PublishError *string         `json:"publish_error,omitempty"`
	Error        *string         `json:"error,omitempty"`
}

// ScanStatus is the execution status of a scan workflow.
type ScanStatus struct {
	WorkflowID string       `json:"workflow_id"`
	Status     string       `json:"status"`
	StartTime  *time.Time   `json:"start_time,omitempty"`
	CloseTime  *time.Time   `json:"close_time,omitempty"`
	Result     *ScanOutcome `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Done reports whether the workflow has closed.
func (s *ScanStatus) Done() bool {
	return s.Status != "running" && s.Status != "unknown" && s.Status != ""
}

// Scan is a recorded scan. Detections and Skipped are only set by GetScan.
type Scan struct {
	ID           string             `json:"id"`
	WorkflowID   string             `json:"workflow_id"`
	Status       string             `json:"status"`
	Mode         string             `json:"mode"`
	WindowHours  int                `json:"window_hours"`
	Filter       *scanner.Filter    `json:"filter,omitempty"`
	Sources      []scanner.Source   `json:"sources,omitempty"`
	ResultCount  int                `json:"result_count"`
	SkippedCount int                `json:"skipped_count"`
	APICalls     int64              `json:"api_calls"`
	CacheHits    int                `json:"cache_hits"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
	Detections   []*detector.Result `json:"detections,omitempty"`
	Skipped      []scanner.Skipped  `json:"skipped,omitempty"`
}

// Event is one server-sent event of a scan stream.
type Event struct {
	Type string
	Data json.RawMessage
}

// Client is the HTTP client for the freshwallet scan service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new scan service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// StartScan asks the server to start a scan.
func (c *Client) StartScan(ctx context.Context, scanReq ScanRequest) (*StartedScan, error) {
	body, err := json.Marshal(scanReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/scans", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var started StartedScan
	if err := c.do(req, http.StatusAccepted, &started); err != nil {
		return nil, err
	}

	c.logger.Debug("scan started", "scan_id", started.ScanID, "workflow_id", started.WorkflowID)
	return &started, nil
}

// GetScanStatus retrieves the workflow status of a scan.
func (c *Client) GetScanStatus(ctx context.Context, workflowID string) (*ScanStatus, error) {
	u := fmt.Sprintf("%s/api/v1/scans/%s/status", c.baseURL, url.PathEscape(workflowID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var status ScanStatus
	if err := c.do(req, http.StatusOK, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// WaitForScan polls the status of a scan until its workflow closes.
func (c *Client) WaitForScan(ctx context.Context, workflowID string, interval time.Duration) (*ScanStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.GetScanStatus(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if status.Done() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListScans retrieves recorded scans, newest first.
func (c *Client) ListScans(ctx context.Context, limit, offset int) ([]*Scan, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	u := c.baseURL + "/api/v1/scans"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var response struct {
		Scans []*Scan `json:"scans"`
	}
	if err := c.do(req, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Scans, nil
}

// GetScan retrieves one recorded scan including its detections.
func (c *Client) GetScan(ctx context.Context, id string) (*Scan, error) {
	u := fmt.Sprintf("%s/api/v1/scans/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var scan Scan
	if err := c.do(req, http.StatusOK, &scan); err != nil {
		return nil, err
	}
	return &scan, nil
}

// ListSources retrieves the source groups configured on the server.
func (c *Client) ListSources(ctx context.Context) ([]scanner.Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/sources", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var response struct {
		Sources []scanner.Source `json:"sources"`
	}
	if err := c.do(req, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Sources, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// StreamScan follows the event stream of a scan, calling fn for every event
// until ctx is canceled, the server closes the stream, or fn returns an
// error. The stream request does not use the client's timeout.
func (c *Client) StreamScan(ctx context.Context, scanID string, fn func(Event) error) error {
	u := fmt.Sprintf("%s/api/v1/stream/scans/%s", c.baseURL, url.PathEscape(scanID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	lines := bufio.NewScanner(resp.Body)
	lines.Buffer(make([]byte, 64*1024), 4<<20)
	var event, data string
	for lines.Scan() {
		line := lines.Text()

		// Empty line indicates end of event
		if line == "" {
			if event != "" && data != "" {
				if err := fn(Event{Type: event, Data: json.RawMessage(data)}); err != nil {
					return err
				}
			}
			event, data = "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := lines.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("error reading stream: %w", err)
	}
	return nil
}

// do sends req and decodes a JSON response with the expected status into out.
func (c *Client) do(req *http.Request, wantStatus int, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
