package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/freshwallet/service/metrics"
	natspkg "github.com/brojonat/freshwallet/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SSEPublisher manages Server-Sent Events connections for scan streaming.
type SSEPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*SSEPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := natspkg.Connect(natsURL, "freshwallet-sse-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// sseFrame is one event ready to be written to a client.
type sseFrame struct {
	event string
	data  []byte
}

// frameFromMessage converts a JetStream message on a scan subject into an SSE
// frame. Progress events are sent under their type (phase, counters, log);
// detections under "detection".
func frameFromMessage(subject string, data []byte) (sseFrame, error) {
	switch {
	case strings.HasSuffix(subject, ".progress"):
		var event natspkg.ProgressEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return sseFrame{}, fmt.Errorf("failed to unmarshal progress event: %w", err)
		}
		name := event.Type
		if name == "" {
			name = "progress"
		}
		return sseFrame{event: name, data: data}, nil

	case strings.HasSuffix(subject, ".detections"):
		var event natspkg.DetectionEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return sseFrame{}, fmt.Errorf("failed to unmarshal detection event: %w", err)
		}
		return sseFrame{event: "detection", data: data}, nil

	default:
		return sseFrame{}, fmt.Errorf("unexpected subject %q", subject)
	}
}

// handleStreamScan streams the progress and detections of one scan as SSE.
// Events already in the stream are replayed first, so a client that connects
// after the scan started still sees the whole run.
// GET /api/v1/stream/scans/{id}
func handleStreamScan(publisher *SSEPublisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scanID := r.PathValue("id")
		if scanID == "" || strings.ContainsAny(scanID, ".*> \t\r\n") {
			writeError(w, "invalid scan id", http.StatusBadRequest)
			return
		}

		rc := http.NewResponseController(w)
		// Streams outlive the server's write timeout.
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		_ = rc.Flush()

		logger.DebugContext(r.Context(), "SSE client connected",
			"scan_id", scanID,
			"remote_addr", r.RemoteAddr,
		)
		if publisher.metrics != nil {
			publisher.metrics.RecordSSEConnectionChange(1)
			defer publisher.metrics.RecordSSEConnectionChange(-1)
		}

		// Ephemeral consumer, removed by the server once it goes inactive.
		cons, err := publisher.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject:     natspkg.ScanSubjects(scanID),
			AckPolicy:         jetstream.AckExplicitPolicy,
			DeliverPolicy:     jetstream.DeliverAllPolicy,
			InactiveThreshold: time.Minute,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"scan_id", scanID,
				"error", err,
			)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
					return
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages",
					"error", err,
				)
				return
			}
			<-r.Context().Done()
			cc.Stop()
		}()

		send := func(event string, data []byte) {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
			_ = rc.Flush()
			if publisher.metrics != nil {
				publisher.metrics.RecordSSEEventSent(event)
			}
		}

		send("connected", []byte(fmt.Sprintf(`{"scan_id":%q}`, scanID)))

		keepalive := time.NewTicker(10 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				_ = rc.Flush()

			case msg := <-msgChan:
				frame, err := frameFromMessage(msg.Subject(), msg.Data())
				msg.Ack()
				if err != nil {
					logger.WarnContext(r.Context(), "dropping scan event",
						"scan_id", scanID,
						"error", err,
					)
					continue
				}

				send(frame.event, frame.data)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"scan_id", scanID,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				return
			}
		}
	})
}
