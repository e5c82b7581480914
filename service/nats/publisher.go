package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing scan events to NATS.
type Publisher interface {
	// PublishProgress publishes a single progress event to JetStream.
	// The event is published to the subject "scans.{scan_id}.progress".
	PublishProgress(ctx context.Context, event *ProgressEvent) error

	// PublishDetections publishes one event per detection to
	// "scans.{scan_id}.detections". Individual failures are logged and
	// counted; the returned error reports how many failed.
	PublishDetections(ctx context.Context, scanID string, detections []*detector.Result) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes scan events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for scan events.
	StreamName = "SCANS"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "scans.>"

	// StreamRetention is how long messages are retained (7 days by default).
	StreamRetention = 7 * 24 * time.Hour
)

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := Connect(natsURL, "freshwallet-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := EnsureStream(context.Background(), js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// Connect dials NATS with unlimited reconnects.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// EnsureStream creates the JetStream stream if it doesn't exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	logger.Info("creating JetStream stream", "stream", StreamName)

	streamConfig := jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Progress and detections of fresh-account scans",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	if _, err := js.CreateStream(ctx, streamConfig); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishProgress publishes a single progress event.
func (p *JetStreamPublisher) PublishProgress(ctx context.Context, event *ProgressEvent) error {
	return p.publish(ctx, ProgressSubject(event.ScanID), "progress", event)
}

// PublishDetections publishes each detection as its own event.
func (p *JetStreamPublisher) PublishDetections(ctx context.Context, scanID string, detections []*detector.Result) error {
	if len(detections) == 0 {
		return nil
	}

	subject := DetectionsSubject(scanID)
	failed := 0
	for _, d := range detections {
		event := &DetectionEvent{
			ScanID:      scanID,
			Detection:   d,
			PublishedAt: time.Now().UTC(),
		}
		if err := p.publish(ctx, subject, "detections", event); err != nil {
			p.logger.ErrorContext(ctx, "failed to publish detection",
				"scan_id", scanID,
				"account", d.FinalAccount,
				"error", err,
			)
			failed++
		}
	}

	p.logger.DebugContext(ctx, "published detections",
		"scan_id", scanID,
		"count", len(detections),
		"failed", failed,
	)

	if failed > 0 {
		return fmt.Errorf("failed to publish %d of %d detections", failed, len(detections))
	}
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject, kind string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", kind, err)
	}

	start := time.Now()
	_, err = p.js.Publish(ctx, subject, data)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(kind, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
