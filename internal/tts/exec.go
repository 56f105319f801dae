package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// Lines carry a whole utterance of base64 audio.
const maxLineBytes = 16 << 20

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	UtteranceID uint64 `json:"utterance_id"`
	Text        string `json:"text"`
	Voice       string `json:"voice"`
	Rate        string `json:"rate,omitempty"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
}

type execLine struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// NewExecSynth runs an external synthesizer per request. The command reads a
// JSON request on stdin and streams JSON lines carrying base64 PCM (or WAV)
// on stdout.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	input, err := json.Marshal(execRequest{
		UtteranceID: req.UtteranceID,
		Text:        req.Text,
		Voice:       req.Voice,
		Rate:        req.Rate,
		SampleRate:  e.sampleRate,
		Channels:    e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	streamErr := e.stream(ctx, req.UtteranceID, stdout, out)
	if streamErr != nil {
		// Unblock the process before reaping it.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case streamErr != nil:
		return streamErr
	case waitErr != nil:
		return fmt.Errorf("tts command failed: %w", waitErr)
	}
	return nil
}

func (e *execSynth) stream(ctx context.Context, utteranceID uint64, stdout io.Reader, out chan<- SynthChunk) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for seq := 0; scanner.Scan(); {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decode tts line: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode tts audio: %w", err)
		}
		chunk := SynthChunk{
			UtteranceID: utteranceID,
			Sequence:    seq,
			SampleRate:  e.sampleRate,
			Channels:    e.channels,
			PCM:         pcm,
			Final:       msg.Final,
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- chunk:
		}
		seq++
	}
	return scanner.Err()
}
