// Package telemetry carries session state changes and per-utterance stage
// latencies to the host: metrics, the bus, and the journal.
package telemetry

import (
	"context"
	"time"
)

// Kind classifies an Event.
type Kind string

const (
	KindState       Kind = "state"
	KindUtterance   Kind = "utterance"
	KindUnitFailure Kind = "unit_failure"
)

// Latency holds per-stage durations for one utterance.
type Latency struct {
	Translate  time.Duration
	Synthesize time.Duration
	Playback   time.Duration
	Total      time.Duration
}

// Event is a content-free telemetry record. It never carries transcript text
// or audio.
type Event struct {
	Kind        Kind      `json:"kind"`
	SessionID   string    `json:"session_id"`
	State       string    `json:"state,omitempty"`
	UtteranceID uint64    `json:"utterance_id,omitempty"`
	Sequence    uint64    `json:"sequence,omitempty"`
	Language    string    `json:"language,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Latency     Latency   `json:"-"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Recorder consumes telemetry events. Implementations must not block the
// caller for long; they are invoked from pipeline goroutines.
type Recorder interface {
	Record(ctx context.Context, evt Event)
}

// Fanout delivers each event to every recorder in order.
type Fanout []Recorder

func (f Fanout) Record(ctx context.Context, evt Event) {
	for _, r := range f {
		if r != nil {
			r.Record(ctx, evt)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, evt Event)

func (f RecorderFunc) Record(ctx context.Context, evt Event) { f(ctx, evt) }
