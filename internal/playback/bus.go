package playback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// maxChunkBytes keeps published chunks well under the default NATS payload
// limit after JSON base64 expansion.
const maxChunkBytes = 256 * 1024

// BusSink publishes segments as protocol.AudioChunk messages for a
// virtual-microphone bridge. A chunk with Final set closes each segment.
type BusSink struct {
	conn    *nats.Conn
	subject string
}

func NewBusSink(conn *nats.Conn, subject string) *BusSink {
	return &BusSink{conn: conn, subject: subject}
}

func (b *BusSink) Acquire(ctx context.Context, h Header) (Writer, error) {
	if b.conn == nil || b.conn.IsClosed() {
		return nil, fmt.Errorf("audio bus unavailable")
	}
	return &busWriter{sink: b, header: h}, nil
}

type busWriter struct {
	sink   *BusSink
	header Header
}

func (w *busWriter) Write(ctx context.Context, pcm []byte) error {
	for len(pcm) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(len(pcm), maxChunkBytes)
		if err := w.publish(pcm[:n], false); err != nil {
			return err
		}
		pcm = pcm[n:]
	}
	return nil
}

func (w *busWriter) Release() error {
	return w.publish(nil, true)
}

func (w *busWriter) publish(pcm []byte, final bool) error {
	data, err := json.Marshal(protocol.AudioChunk{
		SessionID:   w.header.SessionID,
		UtteranceID: w.header.UtteranceID,
		Sequence:    w.header.Sequence,
		SampleRate:  w.header.Format.SampleRate,
		Channels:    w.header.Format.Channels,
		PCM:         pcm,
		Final:       final,
	})
	if err != nil {
		return err
	}
	return w.sink.conn.Publish(w.sink.subject, data)
}
