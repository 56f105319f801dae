// Package session wires the accumulator, pipeline and playback sequencer
// into a running translation session and exposes its control surface.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-bridge/internal/accumulator"
	"github.com/loqalabs/loqa-bridge/internal/pipeline"
	"github.com/loqalabs/loqa-bridge/internal/playback"
	"github.com/loqalabs/loqa-bridge/internal/stt"
	"github.com/loqalabs/loqa-bridge/internal/telemetry"
	"github.com/loqalabs/loqa-bridge/internal/translate"
	"github.com/loqalabs/loqa-bridge/internal/tts"
	"golang.org/x/sync/errgroup"
)

// Deps are the session's external collaborators.
type Deps struct {
	Recognizer  stt.Recognizer
	Translator  translate.Translator
	Synthesizer tts.Synthesizer
	Sink        playback.Sink
	Recorder    telemetry.Recorder
}

// Snapshot is a point-in-time view of the session for display hosts.
type Snapshot struct {
	SessionID         string `json:"session_id,omitempty"`
	State             string `json:"state"`
	Language          string `json:"language"`
	InFlight          int    `json:"in_flight"`
	Pending           int    `json:"pending"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	LastError         string `json:"last_error,omitempty"`
}

// run holds the resources of one Start..Stop cycle.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	acc    *accumulator.Accumulator
	pipe   *pipeline.Pipeline
	paused atomic.Bool

	// clearMu makes admission and ClearBuffer mutually exclusive.
	clearMu        sync.Mutex
	clearedThrough uint64
}

// Session owns the session state. Control methods are serialized; Snapshot
// and the language may be read at any time.
type Session struct {
	deps   Deps
	opts   Options
	parent context.Context
	logger *slog.Logger

	ctrl sync.Mutex

	mu         sync.Mutex
	state      State
	lastErr    string
	run        *run
	reconnects int

	lang atomic.Value
}

// New creates an idle session. Runs started later are bound to parent.
func New(parent context.Context, deps Deps, opts Options, log *slog.Logger) *Session {
	opts.applyDefaults()
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if deps.Recorder == nil {
		deps.Recorder = telemetry.Nop{}
	}
	s := &Session{
		deps:   deps,
		opts:   opts,
		parent: parent,
		logger: log.With(slog.String("component", "session")),
		state:  Idle,
	}
	s.lang.Store(opts.TargetLanguage)
	return s
}

// Language returns the current target language.
func (s *Session) Language() translate.Language {
	return s.lang.Load().(translate.Language)
}

// State returns the current state, including activity derived from the
// pipeline.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.derivedLocked()
}

func (s *Session) derivedLocked() State {
	if s.state != Listening || s.run == nil {
		return s.state
	}
	p := s.run.pipe
	switch {
	case p.Playing():
		return Playing
	case p.Synthesizing() > 0:
		return Synthesizing
	case p.Translating() > 0:
		return Translating
	case p.InFlight() > 0 || s.run.acc.Pending() > 0:
		return Processing
	}
	return Listening
}

// Snapshot reports the session for display.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:             s.derivedLocked().String(),
		Language:          string(s.Language()),
		ReconnectAttempts: s.reconnects,
		LastError:         s.lastErr,
	}
	if r := s.run; r != nil {
		snap.SessionID = r.id
		snap.InFlight = r.pipe.InFlight()
		snap.Pending = r.acc.Pending()
	}
	return snap
}

// Start moves Idle (or Error) to Listening. It connects the recognizer once;
// failure leaves the session in Error. Starting from Error tears down what
// the failed run left behind first.
func (s *Session) Start(ctx context.Context) error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	s.mu.Lock()
	current := s.state
	s.mu.Unlock()
	switch current {
	case Idle:
	case Error:
		s.teardown()
	default:
		return ErrAlreadyRunning
	}

	id := s.opts.NewID()
	s.transition(id, Initializing, "")

	if err := s.checkDeps(); err != nil {
		s.logger.Error("session cannot start", slogError(err))
		s.transition(id, Error, "session is missing a required backend")
		return err
	}

	stream, err := s.deps.Recognizer.Connect(ctx)
	if err != nil {
		s.logger.Error("recognizer connection failed", slog.String("session_id", id), slogError(err))
		s.transition(id, Error, "could not connect to the speech recognizer")
		return fmt.Errorf("%w: connect recognizer: %v", ErrTransientUpstream, err)
	}

	r := s.newRun(id)
	s.mu.Lock()
	s.run = r
	s.reconnects = 0
	s.mu.Unlock()

	r.group.Go(func() error { return s.ingest(r, stream) })
	r.group.Go(func() error { return s.admit(r) })

	s.transition(id, Listening, "")
	s.logger.Info("session started",
		slog.String("session_id", id),
		slog.String("language", string(s.Language())))
	return nil
}

func (s *Session) checkDeps() error {
	var missing []string
	if s.deps.Recognizer == nil {
		missing = append(missing, "recognizer")
	}
	if s.deps.Translator == nil {
		missing = append(missing, "translator")
	}
	if s.deps.Synthesizer == nil {
		missing = append(missing, "synthesizer")
	}
	if s.deps.Sink == nil {
		missing = append(missing, "output sink")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrFatalConfiguration, missing)
	}
	return nil
}

func (s *Session) newRun(id string) *run {
	ctx, cancel := context.WithCancel(s.parent)
	var accOpts []accumulator.Option
	if s.opts.PunctuationBoundary {
		accOpts = append(accOpts, accumulator.WithPunctuationBoundary())
	}
	group, gctx := errgroup.WithContext(ctx)
	r := &run{
		id:     id,
		ctx:    gctx,
		cancel: cancel,
		group:  group,
		acc:    accumulator.New(accOpts...),
	}
	r.pipe = pipeline.New(ctx, pipeline.Deps{
		Translator:  s.deps.Translator,
		Synthesizer: s.deps.Synthesizer,
		Sink:        s.deps.Sink,
		Recorder:    s.deps.Recorder,
	}, pipeline.Options{
		SessionID:         id,
		SourceLanguage:    s.opts.SourceLanguage,
		MaxInFlight:       s.opts.MaxInFlight,
		TranslateTimeout:  s.opts.TranslateTimeout,
		SynthesizeTimeout: s.opts.SynthesizeTimeout,
		Voices:            s.opts.Voices,
		Rate:              s.opts.Rate,
		SampleRate:        s.opts.SampleRate,
		Channels:          s.opts.Channels,
	}, s.logger)
	return r
}

// Stop cancels all in-flight work, releases resources and returns to Idle.
// It is safe to call in any state and more than once.
func (s *Session) Stop() {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	s.mu.Lock()
	var id string
	if s.run != nil {
		id = s.run.id
	}
	wasIdle := s.state == Idle && s.run == nil
	s.mu.Unlock()
	if wasIdle {
		return
	}

	s.teardown()
	s.lang.Store(s.opts.TargetLanguage)
	s.mu.Lock()
	s.reconnects = 0
	s.mu.Unlock()
	s.transition(id, Idle, "")
	s.logger.Info("session stopped", slog.String("session_id", id))
}

// teardown cancels and waits for the current run. Callers hold ctrl.
func (s *Session) teardown() {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	r.acc.Close()
	r.pipe.Close()
	if err := r.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("session goroutine ended with error", slog.String("session_id", r.id), slogError(err))
	}
}

// ToggleLanguage flips the target language and returns the new one. Units
// already admitted keep the language they were admitted with.
func (s *Session) ToggleLanguage() translate.Language {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	next := s.Language().Toggle()
	s.lang.Store(next)

	s.mu.Lock()
	var id string
	if s.run != nil {
		id = s.run.id
	}
	state := s.state
	s.mu.Unlock()

	s.logger.Info("target language changed", slog.String("session_id", id), slog.String("language", string(next)))
	s.record(telemetry.Event{Kind: telemetry.KindState, SessionID: id, State: state.String(), Language: string(next)})
	return next
}

// ClearBuffer discards everything not yet spoken: the working buffer,
// emitted utterances not yet admitted, in-flight translations and syntheses,
// and audio held or playing.
func (s *Session) ClearBuffer() error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}

	r.clearMu.Lock()
	r.clearedThrough = r.acc.LastID()
	dropped := r.acc.Clear()
	through := r.pipe.Discard()
	r.clearMu.Unlock()

	s.logger.Info("buffer cleared",
		slog.String("session_id", r.id),
		slog.Int("dropped_utterances", dropped),
		slog.Uint64("flushed_through", through))
	return nil
}

// Pause stops feeding fragments into the accumulator. Audio already admitted
// keeps playing.
func (s *Session) Pause() error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	s.mu.Lock()
	r, state := s.run, s.state
	s.mu.Unlock()
	if r == nil || state != Listening {
		return fmt.Errorf("%w: cannot pause from %s", ErrNotRunning, state)
	}
	r.paused.Store(true)
	r.acc.DiscardWorking()
	s.transition(r.id, Paused, "")
	return nil
}

// Resume returns a paused session to Listening.
func (s *Session) Resume() error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	s.mu.Lock()
	r, state := s.run, s.state
	s.mu.Unlock()
	if r == nil || state != Paused {
		return fmt.Errorf("%w: cannot resume from %s", ErrNotRunning, state)
	}
	r.paused.Store(false)
	s.transition(r.id, Listening, "")
	return nil
}

// ingest feeds recognizer fragments into the accumulator and reconnects when
// the stream drops. It never blocks on the pipeline.
func (s *Session) ingest(r *run, stream stt.Stream) error {
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()
	for {
		f, err := stream.Recv(r.ctx)
		if err == nil {
			if !r.paused.Load() {
				r.acc.Add(f)
			}
			continue
		}
		if r.ctx.Err() != nil {
			return nil
		}

		s.logger.Warn("recognizer disconnected", slog.String("session_id", r.id), slogError(err))
		stream.Close()
		stream = nil

		stream, err = s.reconnect(r)
		if err != nil {
			if r.ctx.Err() != nil {
				return nil
			}
			s.logger.Error("giving up on recognizer", slog.String("session_id", r.id), slogError(err))
			// Utterances already emitted keep draining through the pipeline.
			r.acc.Close()
			s.fail(r, "lost connection to the speech recognizer")
			return nil
		}
		s.logger.Info("recognizer reconnected", slog.String("session_id", r.id))
	}
}

func (s *Session) reconnect(r *run) (stt.Stream, error) {
	policy := s.opts.Reconnect
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.Multiplier = policy.Multiplier

	attempts := 0
	stream, err := backoff.Retry(r.ctx, func() (stt.Stream, error) {
		attempts++
		s.mu.Lock()
		s.reconnects = attempts
		s.mu.Unlock()
		stream, err := s.deps.Recognizer.Connect(r.ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransientUpstream, err)
		}
		return stream, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Warn("recognizer reconnect failed",
				slog.String("session_id", r.id),
				slog.Int("attempt", attempts),
				slog.Duration("retry_in", wait),
				slogError(err))
		}),
	)
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, r.ctx.Err()
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrExhaustedRetry, attempts, err)
	}
	s.mu.Lock()
	s.reconnects = 0
	s.mu.Unlock()
	return stream, nil
}

// admit moves emitted utterances into the pipeline in order, stamping each
// with the target language current at admission.
func (s *Session) admit(r *run) error {
	for {
		u, err := r.acc.Next(r.ctx)
		if err != nil {
			return nil
		}
		if err := r.pipe.Reserve(r.ctx); err != nil {
			return nil
		}

		r.clearMu.Lock()
		if u.ID <= r.clearedThrough {
			r.clearMu.Unlock()
			r.pipe.Release()
			continue
		}
		seq, err := r.pipe.Admit(u, s.Language())
		r.clearMu.Unlock()
		if err != nil {
			r.pipe.Release()
			return nil
		}
		s.logger.Debug("utterance admitted",
			slog.String("session_id", r.id),
			slog.Uint64("utterance_id", u.ID),
			slog.Uint64("sequence", seq))
	}
}

// fail moves a run to Error unless it has already been replaced.
func (s *Session) fail(r *run, msg string) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.transition(r.id, Error, msg)
}

func (s *Session) transition(id string, next State, msg string) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	if next == Error {
		s.lastErr = msg
	} else if next == Initializing || next == Idle {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if prev != next {
		s.logger.Debug("session state changed",
			slog.String("session_id", id),
			slog.String("from", prev.String()),
			slog.String("to", next.String()))
	}
	s.record(telemetry.Event{
		Kind:      telemetry.KindState,
		SessionID: id,
		State:     next.String(),
		Language:  string(s.Language()),
		Message:   msg,
	})
}

func (s *Session) record(evt telemetry.Event) {
	evt.Timestamp = time.Now().UTC()
	s.deps.Recorder.Record(s.parent, evt)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
