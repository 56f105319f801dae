// Package accumulator folds partial and final recognition fragments into
// translation-ready utterances.
//
// Partials are revisions of the sentence in progress, so each one replaces the
// working buffer rather than appending to it. A final fragment with non-empty
// trimmed text emits exactly one Utterance; an empty final only clears the
// buffer. Emitted utterances queue until pulled with Next or All.
package accumulator

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by Next once the accumulator has been closed and its
// queue drained.
var ErrClosed = errors.New("accumulator closed")

// Fragment is one incremental recognition event.
type Fragment struct {
	Text     string
	Final    bool
	Sequence uint64
}

// Utterance is a complete source-language unit ready for translation.
type Utterance struct {
	ID         uint64
	Text       string
	CapturedAt time.Time
}

// Accumulator is safe for concurrent use. Add, Clear and Close serialize on a
// single mutex, so a fragment racing a Clear is either fully applied before it
// or discarded after it.
type Accumulator struct {
	mu      sync.Mutex
	working string
	// earlyWords counts the words of the sentence in progress that were
	// already emitted on a punctuation boundary.
	earlyWords int
	pending    []Utterance
	nextID     uint64
	closed     bool
	wake       chan struct{}

	punctuation bool
	clock       func() time.Time
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithPunctuationBoundary emits a partial early when it ends in
// sentence-ending punctuation. Later partials and the final then only
// contribute the words past those already emitted, so a recognizer revising
// the early words cannot make them repeat.
func WithPunctuationBoundary() Option {
	return func(a *Accumulator) { a.punctuation = true }
}

// WithClock overrides the capture timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(a *Accumulator) { a.clock = clock }
}

// New returns an empty accumulator whose utterance ids start at 1.
func New(opts ...Option) *Accumulator {
	a := &Accumulator{
		wake:  make(chan struct{}),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add applies one fragment and reports whether it produced an utterance.
// Fragments arriving after Close are ignored.
func (a *Accumulator) Add(f Fragment) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false
	}
	if !f.Final {
		a.working = f.Text
		if a.punctuation {
			return a.emitOnBoundaryLocked()
		}
		return false
	}

	text := strings.TrimSpace(f.Text)
	a.working = ""
	if a.earlyWords > 0 {
		text = dropWords(text, a.earlyWords)
		a.earlyWords = 0
	}
	if text == "" {
		return false
	}
	a.emitLocked(text)
	return true
}

func (a *Accumulator) emitOnBoundaryLocked() bool {
	text := dropWords(a.working, a.earlyWords)
	if text == "" || !endsSentence(text) {
		return false
	}
	a.earlyWords += len(strings.Fields(text))
	a.working = ""
	a.emitLocked(text)
	return true
}

func (a *Accumulator) emitLocked(text string) {
	a.nextID++
	a.pending = append(a.pending, Utterance{
		ID:         a.nextID,
		Text:       text,
		CapturedAt: a.clock(),
	})
	a.signalLocked()
}

func (a *Accumulator) signalLocked() {
	close(a.wake)
	a.wake = make(chan struct{})
}

// Clear discards the working buffer and every emitted utterance not yet
// pulled. It returns the number of discarded utterances.
func (a *Accumulator) Clear() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := len(a.pending)
	a.working = ""
	a.earlyWords = 0
	a.pending = nil
	return dropped
}

// DiscardWorking drops the in-progress partial but keeps emitted utterances.
func (a *Accumulator) DiscardWorking() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.working = ""
	a.earlyWords = 0
}

// Next blocks until an utterance is available, the context ends, or the
// accumulator is closed and drained.
func (a *Accumulator) Next(ctx context.Context) (Utterance, error) {
	for {
		a.mu.Lock()
		if len(a.pending) > 0 {
			u := a.pending[0]
			a.pending[0] = Utterance{}
			a.pending = a.pending[1:]
			a.mu.Unlock()
			return u, nil
		}
		if a.closed {
			a.mu.Unlock()
			return Utterance{}, ErrClosed
		}
		wake := a.wake
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return Utterance{}, ctx.Err()
		case <-wake:
		}
	}
}

// All yields utterances until the context ends or the accumulator closes.
// The sequence is single-use: utterances pulled by one range loop are gone.
func (a *Accumulator) All(ctx context.Context) iter.Seq[Utterance] {
	return func(yield func(Utterance) bool) {
		for {
			u, err := a.Next(ctx)
			if err != nil {
				return
			}
			if !yield(u) {
				return
			}
		}
	}
}

// LastID returns the id of the most recently emitted utterance, or zero.
func (a *Accumulator) LastID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextID
}

// Pending reports how many emitted utterances are waiting to be pulled.
func (a *Accumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Working returns a copy of the in-progress partial text.
func (a *Accumulator) Working() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.working
}

// Close ends the utterance sequence once pending utterances are drained.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.signalLocked()
}

// dropWords removes the first n whitespace-separated words.
func dropWords(text string, n int) string {
	if n == 0 {
		return strings.TrimSpace(text)
	}
	words := strings.Fields(text)
	if len(words) <= n {
		return ""
	}
	return strings.Join(words[n:], " ")
}

func endsSentence(text string) bool {
	r := []rune(text)
	switch r[len(r)-1] {
	case '.', '?', '!', '。', '？', '！':
		return true
	}
	return false
}
