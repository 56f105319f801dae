// Package pipeline runs translation then synthesis for each admitted
// utterance, concurrently across utterances and bounded by an in-flight
// ceiling. Order is restored at the playback sequencer, never inside the
// stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/accumulator"
	"github.com/loqalabs/loqa-bridge/internal/playback"
	"github.com/loqalabs/loqa-bridge/internal/telemetry"
	"github.com/loqalabs/loqa-bridge/internal/translate"
	"github.com/loqalabs/loqa-bridge/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// TranslationResult is the output of the translate stage for one unit.
type TranslationResult struct {
	UtteranceID    uint64
	SourceText     string
	TargetText     string
	TargetLanguage translate.Language
	Latency        time.Duration
}

// Unit is an utterance admitted to the pipeline. Target is fixed at admission.
type Unit struct {
	Utterance  accumulator.Utterance
	Sequence   uint64
	Target     translate.Language
	AdmittedAt time.Time
}

// Options tunes a Pipeline.
type Options struct {
	SessionID         string
	SourceLanguage    string
	MaxInFlight       int
	TranslateTimeout  time.Duration
	SynthesizeTimeout time.Duration
	Voices            tts.VoiceSet
	Rate              string
	// Fallback format for synthesizers that return raw PCM without a header.
	SampleRate int
	Channels   int
}

// Deps are the external collaborators.
type Deps struct {
	Translator  translate.Translator
	Synthesizer tts.Synthesizer
	Sink        playback.Sink
	Recorder    telemetry.Recorder
}

type unitState struct {
	unit       Unit
	cancel     context.CancelFunc
	span       trace.Span
	translate  time.Duration
	synthesize time.Duration
	release    sync.Once
}

// Pipeline is safe for concurrent use, but Reserve and Admit are meant to be
// driven by a single admission loop so that admission order equals
// utterance order.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	seq    *playback.Sequencer
	sem    *semaphore.Weighted

	inFlight     atomic.Int64
	translating  atomic.Int64
	synthesizing atomic.Int64
	reserved     atomic.Int64

	mu       sync.Mutex
	admitted uint64
	units    map[uint64]*unitState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a pipeline and its playback sequencer.
func New(parent context.Context, deps Deps, opts Options, log *slog.Logger) *Pipeline {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if opts.Voices == nil {
		opts.Voices = tts.NewVoiceSet(nil)
	}
	if deps.Recorder == nil {
		deps.Recorder = telemetry.Nop{}
	}
	ctx, cancel := context.WithCancel(parent)
	p := &Pipeline{
		deps:   deps,
		opts:   opts,
		logger: log.With(slog.String("component", "pipeline")),
		tracer: telemetry.Tracer(),
		sem:    semaphore.NewWeighted(int64(opts.MaxInFlight)),
		units:  make(map[uint64]*unitState),
		ctx:    ctx,
		cancel: cancel,
	}
	p.seq = playback.NewSequencer(ctx, deps.Sink, log,
		playback.WithSessionID(opts.SessionID),
		playback.WithObserver(p.onPlayed),
	)
	return p
}

// Reserve blocks until an in-flight slot is free. This is the backpressure
// point: the accumulator keeps ingesting fragments while it waits.
func (p *Pipeline) Reserve(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.reserved.Add(1)
	return nil
}

// Release returns a reserved slot that will not be used.
func (p *Pipeline) Release() {
	if p.reserved.Add(-1) < 0 {
		p.reserved.Add(1)
		return
	}
	p.sem.Release(1)
}

// Admit starts a unit in a reserved slot and returns its sequence. The slot
// is held until the unit has played, failed, or been discarded.
func (p *Pipeline) Admit(u accumulator.Utterance, target translate.Language) (uint64, error) {
	if p.reserved.Add(-1) < 0 {
		p.reserved.Add(1)
		return 0, ErrNotAdmitted
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		p.sem.Release(1)
		return 0, context.Canceled
	}
	p.admitted++
	unit := Unit{Utterance: u, Sequence: p.admitted, Target: target, AdmittedAt: time.Now()}
	ctx, cancel := context.WithCancel(p.ctx)
	ctx, span := p.tracer.Start(ctx, "bridge.unit", trace.WithAttributes(
		attribute.Int64("utterance_id", int64(u.ID)),
		attribute.Int64("sequence", int64(unit.Sequence)),
		attribute.String("language", string(target)),
	))
	state := &unitState{unit: unit, cancel: cancel, span: span}
	p.units[unit.Sequence] = state
	p.inFlight.Add(1)
	p.wg.Add(1)
	p.mu.Unlock()

	go p.process(ctx, state)
	return unit.Sequence, nil
}

// Discard cancels every in-flight unit and flushes the sequencer through the
// last admitted sequence, so nothing admitted so far will be heard. It
// returns that sequence.
func (p *Pipeline) Discard() uint64 {
	p.mu.Lock()
	through := p.admitted
	for _, st := range p.units {
		st.cancel()
	}
	p.mu.Unlock()
	// Flush resolves held units synchronously, which takes p.mu.
	p.seq.Flush(through)
	return through
}

// Drain waits until every admitted unit has resolved or ctx ends.
func (p *Pipeline) Drain(ctx context.Context) error {
	weight := int64(p.opts.MaxInFlight)
	if err := p.sem.Acquire(ctx, weight); err != nil {
		return err
	}
	p.sem.Release(weight)
	return nil
}

// Close discards all work and stops the sequencer. It is idempotent.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.Discard()
	p.cancel()
	p.wg.Wait()
	p.seq.Close()
}

// InFlight reports admitted units not yet played, failed or discarded.
func (p *Pipeline) InFlight() int { return int(p.inFlight.Load()) }

// Translating reports units currently inside the translate stage.
func (p *Pipeline) Translating() int { return int(p.translating.Load()) }

// Synthesizing reports units currently inside the synthesize stage.
func (p *Pipeline) Synthesizing() int { return int(p.synthesizing.Load()) }

// Playing reports whether audio is being written to the sink.
func (p *Pipeline) Playing() bool { return p.seq.Playing() }

// Admitted returns the last assigned sequence.
func (p *Pipeline) Admitted() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.admitted
}

func (p *Pipeline) process(ctx context.Context, st *unitState) {
	defer p.wg.Done()
	done := func() { p.resolve(st) }

	result, err := p.translate(ctx, st)
	if err != nil {
		p.fail(ctx, st, StageTranslate, err, done)
		return
	}
	seg, err := p.synthesize(ctx, st, result)
	if err != nil {
		p.fail(ctx, st, StageSynthesize, err, done)
		return
	}
	p.seq.Submit(seg, done)
}

func (p *Pipeline) translate(parent context.Context, st *unitState) (TranslationResult, error) {
	p.translating.Add(1)
	defer p.translating.Add(-1)

	ctx, cancel := context.WithTimeout(parent, p.opts.TranslateTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, StageTranslate)
	defer span.End()

	start := time.Now()
	u := st.unit.Utterance
	text, err := p.deps.Translator.Translate(ctx, translate.Request{
		UtteranceID: u.ID,
		Text:        u.Text,
		Source:      p.opts.SourceLanguage,
		Target:      st.unit.Target,
	})
	if err != nil {
		err = stageError(parent, ctx, err, p.opts.TranslateTimeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, "translate failed")
		return TranslationResult{}, err
	}
	st.translate = time.Since(start)
	return TranslationResult{
		UtteranceID:    u.ID,
		SourceText:     u.Text,
		TargetText:     text,
		TargetLanguage: st.unit.Target,
		Latency:        st.translate,
	}, nil
}

func (p *Pipeline) synthesize(parent context.Context, st *unitState, res TranslationResult) (playback.AudioSegment, error) {
	p.synthesizing.Add(1)
	defer p.synthesizing.Add(-1)

	ctx, cancel := context.WithTimeout(parent, p.opts.SynthesizeTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, StageSynthesize)
	defer span.End()

	start := time.Now()
	audio, err := tts.Collect(ctx, p.deps.Synthesizer, tts.SynthRequest{
		UtteranceID: res.UtteranceID,
		Text:        res.TargetText,
		Voice:       p.opts.Voices.For(string(res.TargetLanguage)),
		Rate:        p.opts.Rate,
	})
	if err != nil {
		err = stageError(parent, ctx, err, p.opts.SynthesizeTimeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesize failed")
		return playback.AudioSegment{}, err
	}

	rate, channels := audio.SampleRate, audio.Channels
	if rate == 0 {
		rate, channels = p.opts.SampleRate, p.opts.Channels
	}
	pcm, format, err := playback.Decode(audio.Data, rate, channels)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return playback.AudioSegment{}, err
	}
	st.synthesize = time.Since(start)
	return playback.AudioSegment{
		UtteranceID: res.UtteranceID,
		Sequence:    st.unit.Sequence,
		PCM:         pcm,
		SampleRate:  format.SampleRate,
		Channels:    format.Channels,
	}, nil
}

// stageError marks per-call timeouts distinctly from unit cancellation.
func stageError(unitCtx, callCtx context.Context, err error, timeout time.Duration) error {
	if unitCtx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
	return err
}

func (p *Pipeline) fail(ctx context.Context, st *unitState, stage string, err error, done func()) {
	u := st.unit
	if ctx.Err() != nil {
		// Discarded by clear or stop; not a failure.
		p.logger.Debug("unit cancelled",
			slog.Uint64("utterance_id", u.Utterance.ID),
			slog.Uint64("sequence", u.Sequence),
			slog.String("stage", stage))
		p.seq.Skip(u.Sequence, done)
		return
	}

	failure := &UnitFailure{UtteranceID: u.Utterance.ID, Sequence: u.Sequence, Stage: stage, Err: err}
	st.span.RecordError(failure)
	st.span.SetStatus(codes.Error, stage+" failed")
	p.logger.Warn("unit dropped",
		slog.Uint64("utterance_id", u.Utterance.ID),
		slog.Uint64("sequence", u.Sequence),
		slog.String("stage", stage),
		slogError(err))
	p.deps.Recorder.Record(ctx, telemetry.Event{
		Kind:        telemetry.KindUnitFailure,
		SessionID:   p.opts.SessionID,
		UtteranceID: u.Utterance.ID,
		Sequence:    u.Sequence,
		Language:    string(u.Target),
		Stage:       stage,
		Message:     stage + " failed",
		Timestamp:   time.Now().UTC(),
	})
	p.seq.Skip(u.Sequence, done)
}

func (p *Pipeline) onPlayed(r playback.Result) {
	p.mu.Lock()
	st := p.units[r.Sequence]
	p.mu.Unlock()
	if st == nil {
		return
	}
	u := st.unit
	evt := telemetry.Event{
		SessionID:   p.opts.SessionID,
		UtteranceID: u.Utterance.ID,
		Sequence:    u.Sequence,
		Language:    string(u.Target),
		Timestamp:   time.Now().UTC(),
	}
	switch {
	case r.Err == nil:
		evt.Kind = telemetry.KindUtterance
		evt.Latency = telemetry.Latency{
			Translate:  st.translate,
			Synthesize: st.synthesize,
			Playback:   r.Duration,
			Total:      time.Since(u.AdmittedAt),
		}
		p.logger.Debug("utterance played",
			slog.Uint64("utterance_id", u.Utterance.ID),
			slog.Uint64("sequence", u.Sequence),
			slog.Int64("total_ms", evt.Latency.Total.Milliseconds()))
	case errors.Is(r.Err, context.Canceled):
		return
	default:
		evt.Kind = telemetry.KindUnitFailure
		evt.Stage = StagePlayback
		evt.Message = "playback failed"
		st.span.RecordError(r.Err)
		st.span.SetStatus(codes.Error, "playback failed")
	}
	p.deps.Recorder.Record(p.ctx, evt)
}

// resolve frees a unit's slot. The sequencer calls it exactly once per
// sequence; the Once guards against a unit being both skipped and flushed.
func (p *Pipeline) resolve(st *unitState) {
	st.release.Do(func() {
		p.mu.Lock()
		delete(p.units, st.unit.Sequence)
		p.mu.Unlock()
		st.cancel()
		st.span.End()
		p.inFlight.Add(-1)
		p.sem.Release(1)
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
