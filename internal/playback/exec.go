package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// ExecSink plays each segment by writing a temporary WAV file and running a
// player command on it, for example "afplay" or "aplay -D {device}". The file
// path replaces a {file} placeholder, or is appended when there is none.
type ExecSink struct {
	cmd    []string
	device string
	dir    string
}

func NewExecSink(command, device string) (*ExecSink, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &ExecSink{cmd: args, device: device, dir: os.TempDir()}, nil
}

func (e *ExecSink) Acquire(_ context.Context, h Header) (Writer, error) {
	file, err := os.CreateTemp(e.dir, "bridge_play_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	return &execWriter{sink: e, file: file, format: h.Format}, nil
}

type execWriter struct {
	sink   *ExecSink
	file   *os.File
	format Format
}

func (w *execWriter) Write(ctx context.Context, pcm []byte) error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if err := writePCMToWav(w.file, pcm, w.format.SampleRate, w.format.Channels); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}

	args := w.sink.args(w.file.Name())
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (w *execWriter) Release() error {
	name := w.file.Name()
	closeErr := w.file.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}

func (e *ExecSink) args(path string) []string {
	out := make([]string, 0, len(e.cmd)+1)
	placed := false
	for _, arg := range e.cmd {
		if strings.Contains(arg, "{file}") {
			arg = strings.ReplaceAll(arg, "{file}", path)
			placed = true
		}
		out = append(out, strings.ReplaceAll(arg, "{device}", e.device))
	}
	if !placed {
		out = append(out, path)
	}
	return out
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
