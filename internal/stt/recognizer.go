// Package stt adapts speech recognition backends into a stream of
// accumulator fragments.
package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-bridge/internal/accumulator"
)

// ErrDisconnected is returned by Recv when the upstream recognizer goes away.
// Callers may reconnect.
var ErrDisconnected = errors.New("recognizer disconnected")

// Recognizer abstracts STT backends.
type Recognizer interface {
	Connect(ctx context.Context) (Stream, error)
}

// Stream yields recognition fragments for one connection.
type Stream interface {
	// Recv blocks for the next fragment. It returns ErrDisconnected when the
	// connection drops and the context error when ctx ends.
	Recv(ctx context.Context) (accumulator.Fragment, error)
	Close() error
}
