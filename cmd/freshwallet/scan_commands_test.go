package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/freshwallet/client"
	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// probeApp runs a command with the scan request flags and hands its context
// to fn.
func probeApp(fn func(c *cli.Context) error) *cli.App {
	return &cli.App{
		Name: "freshwallet",
		Commands: []*cli.Command{
			{
				Name:   "probe",
				Flags:  scanRequestFlags(),
				Action: fn,
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sources-file"},
		},
	}
}

func writeSourcesFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.json")
	data := fmt.Sprintf(`{"binance": [%q], "okx": [%q]}`, addrA, addrB)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLocalScanRequest(t *testing.T) {
	path := writeSourcesFile(t)

	var got scanner.Request
	app := probeApp(func(c *cli.Context) error {
		var err error
		got, err = localScanRequest(c)
		return err
	})

	err := app.Run([]string{"freshwallet", "--sources-file", path, "probe",
		"-s", "okx",
		"-a", "kraken:" + addrC,
		"--min-sol", "1",
		"--max-sol", "2.5",
		"--window-hours", "6",
		"--mode", "relay",
	})
	require.NoError(t, err)

	require.Len(t, got.Sources, 2)
	assert.Equal(t, scanner.Source{Name: "okx", Accounts: []string{addrB}}, got.Sources[0])
	assert.Equal(t, scanner.Source{Name: "kraken", Accounts: []string{addrC}}, got.Sources[1])
	assert.Equal(t, scanner.RangeFilter(1_000_000_000, 2_500_000_000), got.Filter)
	assert.Equal(t, 6, got.WindowHours)
	assert.Equal(t, detector.ModeRelay, got.Mode)
}

func TestLocalScanRequest_TargetFilter(t *testing.T) {
	var got scanner.Request
	app := probeApp(func(c *cli.Context) error {
		var err error
		got, err = localScanRequest(c)
		return err
	})

	err := app.Run([]string{"freshwallet", "probe", "-a", "binance:" + addrA, "--target-sol", "0.5", "--tolerance-pct", "2"})
	require.NoError(t, err)
	assert.Equal(t, scanner.TargetFilter(500_000_000, 2), got.Filter)
	assert.Equal(t, detector.ModeStrict, got.Mode)
	assert.Equal(t, 24, got.WindowHours)
}

func TestLocalScanRequest_Errors(t *testing.T) {
	path := writeSourcesFile(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "no sources",
			args:    []string{"probe", "--min-sol", "1", "--max-sol", "2"},
			wantErr: "no source",
		},
		{
			name:    "source without file",
			args:    []string{"probe", "-s", "binance", "--min-sol", "1", "--max-sol", "2"},
			wantErr: "sources file",
		},
		{
			name:    "unknown source",
			args:    []string{"--sources-file", path, "probe", "-s", "kraken", "--min-sol", "1", "--max-sol", "2"},
			wantErr: "unknown source",
		},
		{
			name:    "missing filter",
			args:    []string{"probe", "-a", "binance:" + addrA},
			wantErr: "either target or both min and max",
		},
		{
			name:    "bad mode",
			args:    []string{"probe", "-a", "binance:" + addrA, "--min-sol", "1", "--max-sol", "2", "--mode", "fast"},
			wantErr: "fast",
		},
		{
			name:    "bad window",
			args:    []string{"probe", "-a", "binance:" + addrA, "--min-sol", "1", "--max-sol", "2", "--window-hours", "0"},
			wantErr: "window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := probeApp(func(c *cli.Context) error {
				_, err := localScanRequest(c)
				return err
			})
			err := app.Run(append([]string{"freshwallet"}, tt.args...))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScanStartCommand(t *testing.T) {
	var got client.ScanRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/scans", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(client.StartedScan{
			ScanID:     "scan-1",
			WorkflowID: "scan-scan-1",
			StatusURL:  "/api/v1/scans/scan-scan-1/status",
			StreamURL:  "/api/v1/stream/scans/scan-1",
		})
	}))
	defer server.Close()

	err := newApp().Run([]string{"freshwallet", "--server-url", server.URL, "scan", "start",
		"-s", "binance",
		"-a", "kraken:" + addrC,
		"--target-sol", "1.5",
		"--tolerance-pct", "3",
		"--window-hours", "12",
		"--mode", "relay",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"binance"}, got.SourceNames)
	assert.Equal(t, map[string][]string{"kraken": {addrC}}, got.Sources)
	assert.Equal(t, "1.5", got.TargetSOL)
	assert.Equal(t, 3.0, got.TolerancePct)
	assert.Empty(t, got.MinSOL)
	assert.Equal(t, 12, got.WindowHours)
	assert.Equal(t, "relay", got.Mode)
}

func TestScanStartCommand_Wait(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/scans":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(client.StartedScan{ScanID: "scan-1", WorkflowID: "scan-scan-1"})
		case "/api/v1/scans/scan-scan-1/status":
			status := "running"
			if polls.Add(1) > 1 {
				status = "completed"
			}
			json.NewEncoder(w).Encode(client.ScanStatus{
				WorkflowID: "scan-scan-1",
				Status:     status,
				Result: &client.ScanOutcome{
					ScanID: "scan-1",
					Result: &scanner.Result{Detections: []*detector.Result{{Account: addrB, IsFresh: true, FinalAccount: addrB}}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	err := newApp().Run([]string{"freshwallet", "--server-url", server.URL, "scan", "start",
		"-a", "binance:" + addrA, "--min-sol", "1", "--max-sol", "2",
		"--wait", "--poll-interval", "10ms",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), polls.Load())
}

func TestScanStartCommand_InvalidAccount(t *testing.T) {
	err := newApp().Run([]string{"freshwallet", "--server-url", "http://127.0.0.1:0", "scan", "start", "-a", "binance", "--min-sol", "1", "--max-sol", "2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected name:address")
}

func TestScanStartCommand_ServerRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"window_hours must be positive"}`))
	}))
	defer server.Close()

	err := newApp().Run([]string{"freshwallet", "--server-url", server.URL, "scan", "start", "-a", "binance:" + addrA, "--min-sol", "1", "--max-sol", "2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window_hours must be positive")
}

func TestScanStatusCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/scans/scan-abc/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(client.ScanStatus{WorkflowID: "scan-abc", Status: "running"})
	}))
	defer server.Close()

	err := newApp().Run([]string{"freshwallet", "--server-url", server.URL, "scan", "status", "scan-abc"})
	require.NoError(t, err)

	err = newApp().Run([]string{"freshwallet", "--server-url", server.URL, "scan", "status"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires exactly one argument")
}

func TestScanListCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/scans", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "10", r.URL.Query().Get("offset"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"scans": []client.Scan{
				{ID: "a", Status: "completed", Mode: "strict", WindowHours: 24, ResultCount: 2, StartedAt: time.Now()},
			},
		})
	}))
	defer server.Close()

	err := newApp().Run([]string{"freshwallet", "--server-url", server.URL, "scan", "list", "-n", "5", "--offset", "10"})
	require.NoError(t, err)

	err = newApp().Run([]string{"freshwallet", "--server-url", server.URL, "--json", "scan", "ls", "-n", "5", "--offset", "10"})
	require.NoError(t, err)
}

func TestScanGetCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/scans/6f1c", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		filter := scanner.RangeFilter(1, 2)
		json.NewEncoder(w).Encode(client.Scan{
			ID:         "6f1c",
			Status:     "completed",
			Mode:       "relay-following",
			Filter:     &filter,
			Sources:    []scanner.Source{{Name: "binance", Accounts: []string{addrA}}},
			Detections: []*detector.Result{{Account: addrB, IsFresh: true, FinalAccount: addrB}},
			Skipped:    []scanner.Skipped{{Account: addrC, Stage: "analyze", Error: "throttled"}},
			StartedAt:  time.Now(),
		})
	}))
	defer server.Close()

	for _, args := range [][]string{
		{"scan", "get", "6f1c"},
		{"scan", "get", "--jq", ".detections[].account", "6f1c"},
		{"scan", "get", "--where", ".hops > 0", "6f1c"},
	} {
		err := newApp().Run(append([]string{"freshwallet", "--server-url", server.URL}, args...))
		require.NoError(t, err, args)
	}

	err := newApp().Run([]string{"freshwallet", "--server-url", server.URL, "scan", "get", "--jq", ".[", "6f1c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestScanWatchCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/scans/scan-1", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: connected\ndata: {\"scan_id\":\"scan-1\"}\n\n")
		fmt.Fprintf(w, "event: phase\ndata: {\"scan_id\":\"scan-1\",\"type\":\"phase\",\"phase\":\"analyzing\"}\n\n")
		fmt.Fprintf(w, "event: counters\ndata: {\"scan_id\":\"scan-1\",\"type\":\"counters\",\"counters\":{\"sources_total\":2}}\n\n")
		fmt.Fprintf(w, ": keepalive\n\n")
		fmt.Fprintf(w, "event: detection\ndata: {\"scan_id\":\"scan-1\",\"detection\":{\"account\":%q,\"final_account\":%q,\"is_fresh\":true,\"mode\":\"strict\"}}\n\n", addrB, addrB)
	}))
	defer server.Close()

	err := newApp().Run([]string{"freshwallet", "--server-url", server.URL, "scan", "watch", "scan-1"})
	require.NoError(t, err)

	err = newApp().Run([]string{"freshwallet", "--server-url", server.URL, "--json", "scan", "watch", "scan-1"})
	require.NoError(t, err)
}

func TestPrintEvent_BadPayload(t *testing.T) {
	err := printEvent(client.Event{Type: "detection", Data: json.RawMessage(`not-json`)}, false)
	assert.Error(t, err)
}
