package telemetry

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-bridge/internal/eventstore"
)

// Journal writes events into the event store.
type Journal struct {
	store  *eventstore.Store
	logger *slog.Logger
}

func NewJournal(store *eventstore.Store, log *slog.Logger) *Journal {
	return &Journal{store: store, logger: log.With(slog.String("component", "journal"))}
}

func (j *Journal) Record(ctx context.Context, evt Event) {
	// Events outside a session have no sessions row to reference.
	if !j.store.Enabled() || evt.SessionID == "" {
		return
	}
	// Journal writes must survive the cancellation that ends a session.
	ctx = context.WithoutCancel(ctx)

	if evt.Kind == KindState && evt.State == "initializing" {
		if err := j.store.BeginSession(ctx, evt.SessionID); err != nil {
			j.logger.Warn("failed to journal session start", slogError(err))
		}
	}

	for _, row := range rows(evt) {
		if err := j.store.AppendEvent(ctx, row); err != nil {
			j.logger.Warn("failed to journal event", slog.String("kind", string(evt.Kind)), slogError(err))
			return
		}
	}

	if evt.Kind == KindState && evt.State == "idle" {
		if err := j.store.EndSession(ctx, evt.SessionID); err != nil {
			j.logger.Warn("failed to journal session end", slogError(err))
		}
	}
}

func rows(evt Event) []eventstore.Event {
	base := eventstore.Event{
		SessionID:   evt.SessionID,
		Kind:        string(evt.Kind),
		State:       evt.State,
		Language:    evt.Language,
		UtteranceID: evt.UtteranceID,
		Sequence:    evt.Sequence,
		Stage:       evt.Stage,
		CreatedAt:   evt.Timestamp,
	}
	if evt.Kind != KindUtterance {
		return []eventstore.Event{base}
	}
	stages := []struct {
		name string
		ms   int64
	}{
		{"translate", evt.Latency.Translate.Milliseconds()},
		{"synthesize", evt.Latency.Synthesize.Milliseconds()},
		{"playback", evt.Latency.Playback.Milliseconds()},
		{"total", evt.Latency.Total.Milliseconds()},
	}
	out := make([]eventstore.Event, 0, len(stages))
	for _, s := range stages {
		row := base
		row.Stage = s.name
		row.LatencyMS = s.ms
		out = append(out, row)
	}
	return out
}
