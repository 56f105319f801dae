package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/accumulator"
	"github.com/loqalabs/loqa-bridge/internal/playback"
	"github.com/loqalabs/loqa-bridge/internal/telemetry"
	"github.com/loqalabs/loqa-bridge/internal/translate"
	"github.com/loqalabs/loqa-bridge/internal/tts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedTranslator delays or fails per source text.
type scriptedTranslator struct {
	delays map[string]time.Duration
	fail   map[string]error
}

func (s *scriptedTranslator) Translate(ctx context.Context, req translate.Request) (string, error) {
	if err := s.fail[req.Text]; err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.delays[req.Text]):
	}
	return string(req.Target) + ":" + req.Text, nil
}

// recordingSink captures what was played, in order.
type recordingSink struct {
	mu     sync.Mutex
	played []string
	hold   time.Duration
}

func (r *recordingSink) Acquire(_ context.Context, h playback.Header) (playback.Writer, error) {
	return &recordingWriter{sink: r, header: h}, nil
}

type recordingWriter struct {
	sink   *recordingSink
	header playback.Header
}

func (w *recordingWriter) Write(ctx context.Context, pcm []byte) error {
	if w.sink.hold > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.sink.hold):
		}
	}
	w.sink.mu.Lock()
	w.sink.played = append(w.sink.played, string(pcm))
	w.sink.mu.Unlock()
	return nil
}

func (w *recordingWriter) Release() error { return nil }

func (r *recordingSink) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.played...)
}

// echoSynth returns the translated text as its "PCM" so tests can see which
// unit and language reached the sink.
type echoSynth struct {
	mu     sync.Mutex
	voices []string
}

func (e *echoSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	e.mu.Lock()
	e.voices = append(e.voices, req.Voice)
	e.mu.Unlock()
	chunks := make(chan tts.SynthChunk, 1)
	errs := make(chan error)
	text := req.Text
	if len(text)%2 != 0 {
		text += " "
	}
	chunks <- tts.SynthChunk{UtteranceID: req.UtteranceID, SampleRate: 16000, Channels: 1, PCM: []byte(text), Final: true}
	close(chunks)
	close(errs)
	return chunks, errs
}

type eventLog struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (l *eventLog) Record(_ context.Context, evt telemetry.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) kinds(kind telemetry.Kind) []telemetry.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []telemetry.Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	p     *Pipeline
	sink  *recordingSink
	synth *echoSynth
	log   *eventLog
}

func newHarness(t *testing.T, tr translate.Translator, opts Options) *harness {
	t.Helper()
	h := &harness{sink: &recordingSink{}, synth: &echoSynth{}, log: &eventLog{}}
	if opts.MaxInFlight == 0 {
		opts.MaxInFlight = 4
	}
	if opts.TranslateTimeout == 0 {
		opts.TranslateTimeout = time.Second
	}
	if opts.SynthesizeTimeout == 0 {
		opts.SynthesizeTimeout = time.Second
	}
	h.p = New(context.Background(), Deps{
		Translator:  tr,
		Synthesizer: h.synth,
		Sink:        h.sink,
		Recorder:    h.log,
	}, opts, testLogger())
	t.Cleanup(h.p.Close)
	return h
}

func (h *harness) admit(t *testing.T, id uint64, text string, lang translate.Language) uint64 {
	t.Helper()
	if err := h.p.Reserve(context.Background()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	seq, err := h.p.Admit(accumulator.Utterance{ID: id, Text: text, CapturedAt: time.Now()}, lang)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return seq
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.p.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func trimmed(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}

func TestOrderRestoredWhenLaterUnitFinishesFirst(t *testing.T) {
	tr := &scriptedTranslator{delays: map[string]time.Duration{"A": 80 * time.Millisecond, "B": 0}}
	h := newHarness(t, tr, Options{})

	h.admit(t, 1, "A", translate.English)
	h.admit(t, 2, "B", translate.English)
	h.drain(t)

	got := trimmed(h.sink.order())
	if len(got) != 2 || got[0] != "en:A" || got[1] != "en:B" {
		t.Fatalf("expected A before B, got %v", got)
	}
	if n := len(h.log.kinds(telemetry.KindUtterance)); n != 2 {
		t.Fatalf("expected 2 utterance events, got %d", n)
	}
}

func TestTimedOutUnitIsDroppedAndSuccessorPlays(t *testing.T) {
	tr := &scriptedTranslator{delays: map[string]time.Duration{"C": time.Second, "D": 0}}
	h := newHarness(t, tr, Options{TranslateTimeout: 30 * time.Millisecond})

	h.admit(t, 3, "C", translate.English)
	h.admit(t, 4, "D", translate.English)
	h.drain(t)

	got := trimmed(h.sink.order())
	if len(got) != 1 || got[0] != "en:D" {
		t.Fatalf("expected only D to play, got %v", got)
	}
	failures := h.log.kinds(telemetry.KindUnitFailure)
	if len(failures) != 1 {
		t.Fatalf("expected one failure event, got %d", len(failures))
	}
	if failures[0].UtteranceID != 3 || failures[0].Stage != StageTranslate {
		t.Fatalf("unexpected failure event %+v", failures[0])
	}
}

func TestStageErrorIsolated(t *testing.T) {
	tr := &scriptedTranslator{fail: map[string]error{"bad": errors.New("rate limited")}}
	h := newHarness(t, tr, Options{})

	h.admit(t, 1, "bad", translate.German)
	h.admit(t, 2, "good", translate.German)
	h.drain(t)

	got := trimmed(h.sink.order())
	if len(got) != 1 || got[0] != "de:good" {
		t.Fatalf("expected only the good unit, got %v", got)
	}
	if h.p.InFlight() != 0 {
		t.Fatalf("expected no units in flight, got %d", h.p.InFlight())
	}
}

func TestTargetLanguageFixedAtAdmission(t *testing.T) {
	tr := &scriptedTranslator{delays: map[string]time.Duration{"E": 50 * time.Millisecond}}
	h := newHarness(t, tr, Options{})

	h.admit(t, 5, "E", translate.English)
	h.admit(t, 6, "F", translate.German)
	h.drain(t)

	got := trimmed(h.sink.order())
	if len(got) != 2 || got[0] != "en:E" || got[1] != "de:F" {
		t.Fatalf("unexpected playback %v", got)
	}
	h.synth.mu.Lock()
	defer h.synth.mu.Unlock()
	if len(h.synth.voices) != 2 {
		t.Fatalf("expected two synth calls, got %v", h.synth.voices)
	}
	for _, v := range h.synth.voices {
		if v != "en-US-GuyNeural" && v != "de-DE-ConradNeural" {
			t.Fatalf("unexpected voice %q", v)
		}
	}
}

func TestReserveBlocksAtCeiling(t *testing.T) {
	tr := &scriptedTranslator{delays: map[string]time.Duration{"slow": 100 * time.Millisecond}}
	h := newHarness(t, tr, Options{MaxInFlight: 1})

	h.admit(t, 1, "slow", translate.English)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.p.Reserve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected reserve to block at the ceiling, got %v", err)
	}

	// Capacity frees once the first unit has played.
	h.admit(t, 2, "next", translate.English)
	h.drain(t)
	if got := trimmed(h.sink.order()); len(got) != 2 {
		t.Fatalf("expected both units to play, got %v", got)
	}
}

func TestAdmitWithoutReserve(t *testing.T) {
	h := newHarness(t, &scriptedTranslator{}, Options{})
	if _, err := h.p.Admit(accumulator.Utterance{ID: 1, Text: "x"}, translate.English); !errors.Is(err, ErrNotAdmitted) {
		t.Fatalf("expected ErrNotAdmitted, got %v", err)
	}
}

func TestDiscardCancelsInFlightPromptly(t *testing.T) {
	tr := &scriptedTranslator{delays: map[string]time.Duration{"long": 5 * time.Second}}
	h := newHarness(t, tr, Options{TranslateTimeout: 10 * time.Second})

	h.admit(t, 1, "long", translate.English)
	h.admit(t, 2, "long", translate.English)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	through := h.p.Discard()
	if through != 2 {
		t.Fatalf("expected discard through 2, got %d", through)
	}
	h.drain(t)
	if time.Since(start) > time.Second {
		t.Fatal("discard waited for in-flight calls to finish")
	}
	if got := h.sink.order(); len(got) != 0 {
		t.Fatalf("discarded units must not play, got %v", got)
	}
	if n := len(h.log.kinds(telemetry.KindUnitFailure)); n != 0 {
		t.Fatalf("cancellation is not a unit failure, got %d failure events", n)
	}

	// The pipeline keeps working after a discard.
	tr.delays["after"] = 0
	seq := h.admit(t, 3, "after", translate.English)
	if seq != 3 {
		t.Fatalf("expected sequence 3, got %d", seq)
	}
	h.drain(t)
	if got := trimmed(h.sink.order()); len(got) != 1 || got[0] != "en:after" {
		t.Fatalf("expected post-discard unit to play, got %v", got)
	}
}

func TestUnitFailureUnwraps(t *testing.T) {
	err := error(&UnitFailure{UtteranceID: 9, Sequence: 2, Stage: StageSynthesize, Err: context.DeadlineExceeded})
	var uf *UnitFailure
	if !errors.As(err, &uf) || uf.UtteranceID != 9 {
		t.Fatalf("expected errors.As to find the unit failure")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected unit failure to unwrap to its cause")
	}
}
