package scanner

import (
	"context"
	"log/slog"
)

// Phase is the stage a scan is in.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhaseAnalyzing  Phase = "analyzing"
	PhaseDone       Phase = "done"
)

// Counters is a progress snapshot.
type Counters struct {
	SourcesScanned  int   `json:"sources_scanned"`
	SourcesTotal    int   `json:"sources_total"`
	Destinations    int   `json:"destinations"` // unique destinations retained for analysis
	AccountsScanned int   `json:"accounts_scanned"`
	Detections      int   `json:"detections"`
	APICalls        int64 `json:"api_calls"`
}

// ProgressSink receives progress as a scan runs. Implementations must not
// block for long; the scan waits on every call.
type ProgressSink interface {
	Phase(ctx context.Context, phase Phase)
	Counters(ctx context.Context, c Counters)
	Log(ctx context.Context, msg string)
}

// NopProgress discards all progress.
type NopProgress struct{}

func (NopProgress) Phase(context.Context, Phase)       {}
func (NopProgress) Counters(context.Context, Counters) {}
func (NopProgress) Log(context.Context, string)        {}

// LogProgress writes progress to a structured logger. A nil Logger uses
// slog.Default.
type LogProgress struct {
	Logger *slog.Logger
	ScanID string
}

func (p LogProgress) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p LogProgress) Phase(ctx context.Context, phase Phase) {
	p.logger().InfoContext(ctx, "scan phase", "scan_id", p.ScanID, "phase", string(phase))
}

func (p LogProgress) Counters(ctx context.Context, c Counters) {
	p.logger().DebugContext(ctx, "scan progress",
		"scan_id", p.ScanID,
		"sources_scanned", c.SourcesScanned,
		"sources_total", c.SourcesTotal,
		"destinations", c.Destinations,
		"accounts_scanned", c.AccountsScanned,
		"detections", c.Detections,
		"api_calls", c.APICalls,
	)
}

func (p LogProgress) Log(ctx context.Context, msg string) {
	p.logger().InfoContext(ctx, msg, "scan_id", p.ScanID)
}

// MultiProgress fans progress out to several sinks in order.
type MultiProgress []ProgressSink

func (m MultiProgress) Phase(ctx context.Context, phase Phase) {
	for _, s := range m {
		s.Phase(ctx, phase)
	}
}

func (m MultiProgress) Counters(ctx context.Context, c Counters) {
	for _, s := range m {
		s.Counters(ctx, c)
	}
}

func (m MultiProgress) Log(ctx context.Context, msg string) {
	for _, s := range m {
		s.Log(ctx, msg)
	}
}
