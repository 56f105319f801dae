package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/eventstore"
	"github.com/loqalabs/loqa-bridge/internal/natsserver"
	"github.com/nats-io/nats.go"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func utteranceEvent() Event {
	return Event{
		Kind:        KindUtterance,
		SessionID:   "s1",
		UtteranceID: 4,
		Sequence:    2,
		Language:    "de",
		Latency: Latency{
			Translate:  120 * time.Millisecond,
			Synthesize: 300 * time.Millisecond,
			Playback:   900 * time.Millisecond,
			Total:      1400 * time.Millisecond,
		},
		Timestamp: time.Now().UTC(),
	}
}

func TestFanoutDeliversToAll(t *testing.T) {
	var a, b int
	f := Fanout{
		RecorderFunc(func(context.Context, Event) { a++ }),
		nil,
		RecorderFunc(func(context.Context, Event) { b++ }),
	}
	f.Record(context.Background(), Event{Kind: KindState})
	if a != 1 || b != 1 {
		t.Fatalf("expected both recorders called once, got %d and %d", a, b)
	}
}

func TestMetricsRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	rec, err := NewMetricsRecorder(provider.Meter("test"))
	if err != nil {
		t.Fatalf("new metrics recorder: %v", err)
	}
	ctx := context.Background()
	rec.Record(ctx, utteranceEvent())
	rec.Record(ctx, Event{Kind: KindUnitFailure, Stage: "translate"})
	rec.Record(ctx, Event{Kind: KindState, State: "listening"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			seen[m.Name] = true
		}
	}
	for _, name := range []string{
		"bridge.translate.duration",
		"bridge.synthesize.duration",
		"bridge.playback.duration",
		"bridge.utterance.duration",
		"bridge.utterances.completed",
		"bridge.units.failed",
		"bridge.session.transitions",
	} {
		if !seen[name] {
			t.Fatalf("metric %s not recorded", name)
		}
	}
}

func TestJournalWritesContentFreeRows(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: eventstore.RetentionPersistent}
	store, err := eventstore.Open(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	j := NewJournal(store, testLogger())
	ctx := context.Background()
	j.Record(ctx, Event{Kind: KindState, SessionID: "s1", State: "initializing"})
	j.Record(ctx, utteranceEvent())
	j.Record(ctx, Event{Kind: KindUnitFailure, SessionID: "s1", UtteranceID: 5, Sequence: 3, Stage: "synthesize"})

	events, err := store.ListSessionEvents(ctx, "s1", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 rows, got %d", len(events))
	}
	var total int64
	for _, e := range events {
		if e.Kind == string(KindUtterance) && e.Stage == "total" {
			total = e.LatencyMS
		}
	}
	if total != 1400 {
		t.Fatalf("expected total latency 1400ms, got %d", total)
	}
	last := events[len(events)-1]
	if last.Kind != string(KindUnitFailure) || last.Stage != "synthesize" || last.UtteranceID != 5 {
		t.Fatalf("unexpected failure row %+v", last)
	}
}

func TestJournalSkipsEventsWithoutSession(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: eventstore.RetentionPersistent}
	store, err := eventstore.Open(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	var logs bytes.Buffer
	j := NewJournal(store, slog.New(slog.NewTextHandler(&logs, nil)))
	ctx := context.Background()
	j.Record(ctx, Event{Kind: KindState, State: "idle", Language: "de"})
	j.Record(ctx, Event{Kind: KindState, State: "error", Message: "session is missing a required backend"})

	if strings.Contains(logs.String(), "failed to journal") {
		t.Fatalf("expected sessionless events to be skipped, got logs %q", logs.String())
	}
	events, err := store.ListSessionEvents(ctx, "", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no rows, got %+v", events)
	}
}

func TestBusPublisher(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	sub, err := conn.SubscribeSync("bridge.telemetry.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := NewBusPublisher(conn, "bridge.telemetry", testLogger())
	pub.Record(context.Background(), utteranceEvent())

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if msg.Subject != "bridge.telemetry.utterance" {
		t.Fatalf("unexpected subject %s", msg.Subject)
	}
	var got struct {
		Kind        string `json:"kind"`
		UtteranceID uint64 `json:"utterance_id"`
		Latency     struct {
			Total int64 `json:"total"`
		} `json:"latency_ms"`
	}
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != "utterance" || got.UtteranceID != 4 || got.Latency.Total != 1400 {
		t.Fatalf("unexpected payload %s", msg.Data)
	}
}
