package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// BusPublisher broadcasts events as JSON on a NATS subject for display hosts.
type BusPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewBusPublisher(conn *nats.Conn, subject string, log *slog.Logger) *BusPublisher {
	return &BusPublisher{conn: conn, subject: subject, logger: log.With(slog.String("component", "telemetry-bus"))}
}

func (p *BusPublisher) Record(_ context.Context, evt Event) {
	data, err := json.Marshal(wireEvent(evt))
	if err != nil {
		p.logger.Warn("failed to marshal telemetry event", slogError(err))
		return
	}
	subject := p.subject + "." + string(evt.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish telemetry event", slogError(err))
	}
}

type wireLatency struct {
	Translate  int64 `json:"translate"`
	Synthesize int64 `json:"synthesize"`
	Playback   int64 `json:"playback"`
	Total      int64 `json:"total"`
}

type wire struct {
	Event
	Latency *wireLatency `json:"latency_ms,omitempty"`
}

func wireEvent(evt Event) wire {
	w := wire{Event: evt}
	if evt.Kind == KindUtterance {
		w.Latency = &wireLatency{
			Translate:  evt.Latency.Translate.Milliseconds(),
			Synthesize: evt.Latency.Synthesize.Milliseconds(),
			Playback:   evt.Latency.Playback.Milliseconds(),
			Total:      evt.Latency.Total.Milliseconds(),
		}
	}
	return w
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
