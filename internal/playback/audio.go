package playback

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-audio/wav"
)

// Format describes 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns how long n bytes of PCM last in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / (2 * f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// AudioSegment is the synthesized audio for one utterance, tagged with the
// admission sequence used to restore order.
type AudioSegment struct {
	UtteranceID uint64
	Sequence    uint64
	PCM         []byte
	SampleRate  int
	Channels    int
}

// Format returns the segment's PCM format.
func (s AudioSegment) Format() Format {
	return Format{SampleRate: s.SampleRate, Channels: s.Channels}
}

// Decode turns a synthesizer payload into 16-bit PCM. RIFF/WAVE payloads are
// decoded and converted; anything else is taken as raw s16le in the fallback
// format.
func Decode(data []byte, fallbackRate, fallbackChannels int) ([]byte, Format, error) {
	if !isWAV(data) {
		if len(data)%2 != 0 {
			return nil, Format{}, fmt.Errorf("pcm payload not aligned")
		}
		return data, Format{SampleRate: fallbackRate, Channels: fallbackChannels}, nil
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("invalid wav payload")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("decode wav: %w", err)
	}
	shift := int(dec.BitDepth) - 16
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		switch {
		case dec.BitDepth == 8:
			// 8-bit wav is unsigned.
			sample = (sample - 128) << 8
		case shift > 0:
			sample >>= shift
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm, Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}
