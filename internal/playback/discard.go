package playback

import (
	"context"
	"time"
)

// DiscardSink drops audio. With realtime set it holds the writer for the
// segment's duration so pacing matches a real device.
type DiscardSink struct {
	realtime bool
}

func NewDiscardSink(realtime bool) *DiscardSink {
	return &DiscardSink{realtime: realtime}
}

func (d *DiscardSink) Acquire(_ context.Context, h Header) (Writer, error) {
	return &discardWriter{format: h.Format, realtime: d.realtime}, nil
}

type discardWriter struct {
	format   Format
	realtime bool
}

func (w *discardWriter) Write(ctx context.Context, pcm []byte) error {
	if !w.realtime {
		return ctx.Err()
	}
	timer := time.NewTimer(w.format.Duration(len(pcm)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *discardWriter) Release() error { return nil }
