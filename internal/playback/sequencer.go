// Package playback serializes synthesized audio onto a single output sink.
//
// The Sequencer accepts segments in any order and plays them strictly by
// ascending sequence, one at a time. Every admitted sequence must eventually
// be resolved with Submit or Skip, otherwise later segments wait forever.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Result reports the outcome of one played segment.
type Result struct {
	UtteranceID uint64
	Sequence    uint64
	Duration    time.Duration
	Err         error
}

type entry struct {
	seg  *AudioSegment
	done func()
}

// Sequencer is the ordering gate in front of the sink. It is safe for
// concurrent use.
type Sequencer struct {
	sink      Sink
	sessionID string
	logger    *slog.Logger
	observe   func(Result)

	mu         sync.Mutex
	next       uint64
	held       map[uint64]entry
	playing    uint64
	playCancel context.CancelFunc
	closed     bool

	active atomic.Bool
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithObserver registers a callback invoked after every played segment,
// including failed and interrupted ones.
func WithObserver(fn func(Result)) Option {
	return func(s *Sequencer) { s.observe = fn }
}

// WithSessionID stamps the session id on every sink header.
func WithSessionID(id string) Option {
	return func(s *Sequencer) { s.sessionID = id }
}

// NewSequencer starts the player goroutine. The first expected sequence is 1.
func NewSequencer(parent context.Context, sink Sink, log *slog.Logger, opts ...Option) *Sequencer {
	ctx, cancel := context.WithCancel(parent)
	s := &Sequencer{
		sink:   sink,
		logger: log.With(slog.String("component", "playback")),
		next:   1,
		held:   make(map[uint64]entry),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Submit registers a completed segment. done is called exactly once, when the
// segment has played, failed, been flushed, or was already stale on arrival.
func (s *Sequencer) Submit(seg AudioSegment, done func()) {
	s.enqueue(seg.Sequence, entry{seg: &seg, done: done})
}

// Skip resolves a sequence that will never produce audio, so its successors
// are not held back. done follows the same rules as for Submit.
func (s *Sequencer) Skip(sequence uint64, done func()) {
	s.enqueue(sequence, entry{done: done})
}

func (s *Sequencer) enqueue(sequence uint64, e entry) {
	if e.done == nil {
		e.done = func() {}
	}
	s.mu.Lock()
	if s.closed || sequence < s.next || sequence == s.playing {
		s.mu.Unlock()
		e.done()
		return
	}
	if prev, ok := s.held[sequence]; ok {
		s.logger.Warn("duplicate sequence submitted", slog.Uint64("sequence", sequence))
		defer prev.done()
	}
	s.held[sequence] = e
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush discards every held segment up to and including through, interrupts
// the segment playing now if it falls in that range, and moves the expected
// sequence past through.
func (s *Sequencer) Flush(through uint64) int {
	s.mu.Lock()
	var dropped []entry
	for seq, e := range s.held {
		if seq <= through {
			dropped = append(dropped, e)
			delete(s.held, seq)
		}
	}
	if s.playCancel != nil && s.playing <= through {
		s.playCancel()
	}
	if through+1 > s.next {
		s.next = through + 1
	}
	s.mu.Unlock()

	for _, e := range dropped {
		e.done()
	}
	if len(dropped) > 0 {
		s.logger.Debug("flushed held segments", slog.Int("count", len(dropped)), slog.Uint64("next_sequence", through+1))
	}
	return len(dropped)
}

// Playing reports whether a segment is being written to the sink.
func (s *Sequencer) Playing() bool { return s.active.Load() }

// Next returns the sequence the sequencer is waiting to play.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close stops the player, interrupting any playback, and resolves everything
// still held.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	held := s.held
	s.held = make(map[uint64]entry)
	s.mu.Unlock()
	for _, e := range held {
		e.done()
	}
}

func (s *Sequencer) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		e, ok := s.held[s.next]
		if !ok {
			s.mu.Unlock()
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		seq := s.next
		delete(s.held, seq)
		playCtx, cancel := context.WithCancel(s.ctx)
		s.playing = seq
		s.playCancel = cancel
		s.mu.Unlock()

		if e.seg != nil {
			s.play(playCtx, *e.seg)
		}
		cancel()

		s.mu.Lock()
		s.playing = 0
		s.playCancel = nil
		if s.next == seq {
			s.next++
		}
		s.mu.Unlock()
		e.done()
	}
}

func (s *Sequencer) play(ctx context.Context, seg AudioSegment) {
	s.active.Store(true)
	defer s.active.Store(false)

	start := time.Now()
	err := s.write(ctx, seg)
	res := Result{UtteranceID: seg.UtteranceID, Sequence: seg.Sequence, Duration: time.Since(start), Err: err}

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.logger.Debug("playback interrupted",
			slog.Uint64("utterance_id", seg.UtteranceID),
			slog.Uint64("sequence", seg.Sequence))
	default:
		s.logger.Warn("playback failed, skipping segment",
			slog.Uint64("utterance_id", seg.UtteranceID),
			slog.Uint64("sequence", seg.Sequence),
			slogError(err))
	}
	if s.observe != nil {
		s.observe(res)
	}
}

func (s *Sequencer) write(ctx context.Context, seg AudioSegment) (err error) {
	w, err := s.sink.Acquire(ctx, Header{
		SessionID:   s.sessionID,
		UtteranceID: seg.UtteranceID,
		Sequence:    seg.Sequence,
		Format:      seg.Format(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := w.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return w.Write(ctx, seg.PCM)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
