package nats

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/freshwallet/service/scanner"
)

// ProgressPublisher adapts a Publisher to scanner.ProgressSink for one scan.
// Publish failures are logged and never interrupt the scan.
type ProgressPublisher struct {
	pub    Publisher
	scanID string
	now    func() time.Time
	logger *slog.Logger
}

// NewProgressPublisher returns a sink publishing the progress of scanID.
func NewProgressPublisher(pub Publisher, scanID string, logger *slog.Logger) *ProgressPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressPublisher{
		pub:    pub,
		scanID: scanID,
		now:    time.Now,
		logger: logger,
	}
}

func (p *ProgressPublisher) Phase(ctx context.Context, phase scanner.Phase) {
	p.send(ctx, &ProgressEvent{Type: EventPhase, Phase: phase})
}

func (p *ProgressPublisher) Counters(ctx context.Context, c scanner.Counters) {
	p.send(ctx, &ProgressEvent{Type: EventCounters, Counters: &c})
}

func (p *ProgressPublisher) Log(ctx context.Context, msg string) {
	p.send(ctx, &ProgressEvent{Type: EventLog, Message: msg})
}

func (p *ProgressPublisher) send(ctx context.Context, event *ProgressEvent) {
	event.ScanID = p.scanID
	event.PublishedAt = p.now().UTC()
	if err := p.pub.PublishProgress(ctx, event); err != nil {
		p.logger.WarnContext(ctx, "failed to publish scan progress",
			"scan_id", p.scanID,
			"type", event.Type,
			"error", err,
		)
	}
}
