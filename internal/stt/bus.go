package stt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-bridge/internal/accumulator"
	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

type busRecognizer struct {
	cfg    config.BusConfig
	logger *slog.Logger
}

// NewBusRecognizer consumes transcripts published on stt.text.partial and
// stt.text.final by an external recognizer. Each connection dials its own
// NATS connection with reconnects disabled, so a broker outage surfaces as
// ErrDisconnected and the session's retry policy takes over.
func NewBusRecognizer(cfg config.BusConfig, log *slog.Logger) Recognizer {
	return &busRecognizer{cfg: cfg, logger: log.With(slog.String("component", "stt-bus"))}
}

func (r *busRecognizer) Connect(ctx context.Context) (Stream, error) {
	s := &busStream{
		msgs:   make(chan *nats.Msg, 64),
		closed: make(chan struct{}),
		logger: r.logger,
	}
	client, err := bus.Connect(ctx, r.cfg, r.logger,
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) { s.markClosed() }),
	)
	if err != nil {
		return nil, err
	}
	s.client = client

	for _, subject := range []string{protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal} {
		sub, err := client.Conn().ChanSubscribe(subject, s.msgs)
		if err != nil {
			client.Close()
			return nil, err
		}
		s.subs = append(s.subs, sub)
	}
	if err := client.Conn().Flush(); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

type busStream struct {
	client *bus.Client
	subs   []*nats.Subscription
	msgs   chan *nats.Msg
	logger *slog.Logger
	seq    uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *busStream) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *busStream) Recv(ctx context.Context) (accumulator.Fragment, error) {
	for {
		select {
		case <-ctx.Done():
			return accumulator.Fragment{}, ctx.Err()
		case <-s.closed:
			return accumulator.Fragment{}, ErrDisconnected
		case msg := <-s.msgs:
			var tr protocol.Transcript
			if err := json.Unmarshal(msg.Data, &tr); err != nil {
				s.logger.Warn("failed to decode transcript", slog.String("error", err.Error()))
				continue
			}
			s.seq++
			final := msg.Subject == protocol.SubjectTranscriptFinal
			return accumulator.Fragment{Text: tr.Text, Final: final, Sequence: s.seq}, nil
		}
	}
}

func (s *busStream) Close() error {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.client.Close()
	s.markClosed()
	return nil
}
