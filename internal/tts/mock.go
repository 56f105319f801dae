package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"
)

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
	perRune    time.Duration
}

// NewMockSynth renders a quiet tone whose length tracks the text, after an
// artificial delay.
func NewMockSynth(sampleRate, channels int, delay time.Duration) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: delay, perRune: 2 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}
		duration := time.Duration(utf8.RuneCountInString(req.Text)) * m.perRune
		chunks <- SynthChunk{
			UtteranceID: req.UtteranceID,
			Sequence:    0,
			SampleRate:  m.sampleRate,
			Channels:    m.channels,
			PCM:         tone(duration, m.sampleRate, m.channels),
			Final:       true,
		}
	}()
	return chunks, errs
}

// tone returns 16-bit little-endian PCM of a 440Hz sine at low volume.
func tone(d time.Duration, sampleRate, channels int) []byte {
	frames := int(d.Seconds() * float64(sampleRate))
	if frames < 1 {
		frames = 1
	}
	buf := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)) * 2000)
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(buf[(i*channels+c)*2:], uint16(v))
		}
	}
	return buf
}
