package tts

import (
	"context"
	"errors"
)

// ErrNoAudio is returned by Collect when synthesis finished without PCM.
var ErrNoAudio = errors.New("synthesis produced no audio")

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	UtteranceID uint64
	Text        string
	Voice       string
	Rate        string
}

// SynthChunk contains PCM data, or a complete WAV file for backends that
// produce one.
type SynthChunk struct {
	UtteranceID uint64
	Sequence    int
	SampleRate  int
	Channels    int
	PCM         []byte
	Final       bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Audio is the concatenated output of one synthesis request.
type Audio struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Collect drains a synthesis stream into a single buffer. It returns the first
// backend error, the context error if the stream is abandoned, or ErrNoAudio
// when nothing was produced.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) (Audio, error) {
	chunks, errs := synth.Synthesize(ctx, req)
	var out Audio
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if out.SampleRate == 0 {
				out.SampleRate = chunk.SampleRate
				out.Channels = chunk.Channels
			}
			out.Data = append(out.Data, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return Audio{}, err
			}
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	}
	if len(out.Data) == 0 {
		return Audio{}, ErrNoAudio
	}
	return out, nil
}
