package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDecodeRawPassThrough(t *testing.T) {
	pcm, format, err := Decode([]byte{1, 0, 2, 0}, 24000, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != 4 || format.SampleRate != 24000 || format.Channels != 1 {
		t.Fatalf("unexpected output %v %+v", pcm, format)
	}
	if _, _, err := Decode([]byte{1, 2, 3}, 24000, 1); err == nil {
		t.Fatal("expected error for unaligned pcm")
	}
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pcm := make([]byte, 8)
	for i, v := range []int16{0, 1000, -1000, 32767} {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	if err := writePCMToWav(file, pcm, 22050, 2); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	file.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, format, err := Decode(data, 16000, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if format.SampleRate != 22050 || format.Channels != 2 {
		t.Fatalf("expected header format, got %+v", format)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm mismatch: %v vs %v", got, pcm)
	}
}

func TestFormatDuration(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 1}
	if d := f.Duration(32000); d != time.Second {
		t.Fatalf("expected 1s, got %v", d)
	}
	if d := (Format{}).Duration(100); d != 0 {
		t.Fatalf("expected zero duration for unknown format, got %v", d)
	}
}

func TestDiscardSinkHonoursContext(t *testing.T) {
	sink := NewDiscardSink(true)
	w, err := sink.Acquire(context.Background(), Header{Format: Format{SampleRate: 16000, Channels: 1}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer w.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := w.Write(ctx, make([]byte, 32000)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestExecSinkArgs(t *testing.T) {
	sink, err := NewExecSink("aplay -D {device} -q", "hw:1")
	if err != nil {
		t.Fatalf("new exec sink: %v", err)
	}
	got := sink.args("/tmp/x.wav")
	want := []string{"aplay", "-D", "hw:1", "-q", "/tmp/x.wav"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	sink, _ = NewExecSink("play --file={file}", "")
	if got := sink.args("/a.wav"); len(got) != 2 || got[1] != "--file=/a.wav" {
		t.Fatalf("placeholder not substituted: %v", got)
	}
	if _, err := NewExecSink("", ""); err == nil {
		t.Fatal("expected error for empty command")
	}
}
