package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder turns events into OpenTelemetry instruments.
type MetricsRecorder struct {
	translate  metric.Float64Histogram
	synthesize metric.Float64Histogram
	playback   metric.Float64Histogram
	total      metric.Float64Histogram
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	states     metric.Int64Counter
}

// NewMetricsRecorder registers the bridge instruments on meter.
func NewMetricsRecorder(meter metric.Meter) (*MetricsRecorder, error) {
	var (
		m   MetricsRecorder
		err error
	)
	histogram := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
		return h
	}
	m.translate = histogram("bridge.translate.duration", "Translation latency per utterance")
	m.synthesize = histogram("bridge.synthesize.duration", "Synthesis latency per utterance")
	m.playback = histogram("bridge.playback.duration", "Playback duration per segment")
	m.total = histogram("bridge.utterance.duration", "Utterance admission to end of playback")
	if err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("bridge.utterances.completed", metric.WithDescription("Utterances played to completion")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("bridge.units.failed", metric.WithDescription("Utterances dropped by a stage failure")); err != nil {
		return nil, err
	}
	if m.states, err = meter.Int64Counter("bridge.session.transitions", metric.WithDescription("Session state transitions")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *MetricsRecorder) Record(ctx context.Context, evt Event) {
	switch evt.Kind {
	case KindState:
		m.states.Add(ctx, 1, metric.WithAttributes(attribute.String("state", evt.State)))
	case KindUnitFailure:
		m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", evt.Stage)))
	case KindUtterance:
		lang := metric.WithAttributes(attribute.String("language", evt.Language))
		m.translate.Record(ctx, millis(evt.Latency.Translate), lang)
		m.synthesize.Record(ctx, millis(evt.Latency.Synthesize), lang)
		m.playback.Record(ctx, millis(evt.Latency.Playback), lang)
		m.total.Record(ctx, millis(evt.Latency.Total), lang)
		m.completed.Add(ctx, 1, lang)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
