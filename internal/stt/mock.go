package stt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/accumulator"
)

// MockOptions scripts the mock recognizer.
type MockOptions struct {
	// Script holds the utterances to "hear", in order.
	Script []string
	// Interval paces fragments. Zero emits as fast as Recv is called.
	Interval time.Duration
	// DisconnectAfterScript ends each connection once the script is spoken.
	DisconnectAfterScript bool
}

type mockRecognizer struct {
	opts MockOptions
}

// NewMockRecognizer replays the script word by word as growing partials, each
// utterance closed by a final.
func NewMockRecognizer(opts MockOptions) Recognizer {
	return &mockRecognizer{opts: opts}
}

func (m *mockRecognizer) Connect(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockStream{
		fragments:  scriptFragments(m.opts.Script),
		interval:   m.opts.Interval,
		disconnect: m.opts.DisconnectAfterScript,
		done:       make(chan struct{}),
	}, nil
}

func scriptFragments(script []string) []accumulator.Fragment {
	var out []accumulator.Fragment
	for _, line := range script {
		words := strings.Fields(line)
		for i := 1; i <= len(words); i++ {
			out = append(out, accumulator.Fragment{Text: strings.Join(words[:i], " ")})
		}
		out = append(out, accumulator.Fragment{Text: line, Final: true})
	}
	for i := range out {
		out[i].Sequence = uint64(i + 1)
	}
	return out
}

type mockStream struct {
	fragments  []accumulator.Fragment
	interval   time.Duration
	disconnect bool

	closeOnce sync.Once
	done      chan struct{}
}

func (s *mockStream) Recv(ctx context.Context) (accumulator.Fragment, error) {
	if len(s.fragments) == 0 {
		if s.disconnect {
			return accumulator.Fragment{}, ErrDisconnected
		}
		select {
		case <-ctx.Done():
			return accumulator.Fragment{}, ctx.Err()
		case <-s.done:
			return accumulator.Fragment{}, ErrDisconnected
		}
	}
	if s.interval > 0 {
		timer := time.NewTimer(s.interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return accumulator.Fragment{}, ctx.Err()
		case <-s.done:
			return accumulator.Fragment{}, ErrDisconnected
		case <-timer.C:
		}
	}
	f := s.fragments[0]
	s.fragments = s.fragments[1:]
	return f, nil
}

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
