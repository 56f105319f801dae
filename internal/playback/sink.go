package playback

import "context"

// Header identifies the segment a Writer is acquired for.
type Header struct {
	SessionID   string
	UtteranceID uint64
	Sequence    uint64
	Format      Format
}

// Sink is a device-like audio output. The Sequencer acquires it once per
// segment and always releases it before acquiring it again.
type Sink interface {
	Acquire(ctx context.Context, h Header) (Writer, error)
}

// Writer accepts sequential PCM writes for one segment.
type Writer interface {
	Write(ctx context.Context, pcm []byte) error
	Release() error
}
