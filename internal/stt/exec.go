package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-bridge/internal/accumulator"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
}

type execResult struct {
	Text  string `json:"text"`
	Final bool   `json:"is_final"`
}

// NewExecRecognizer runs a long-lived recognizer process per connection. The
// process captures audio itself and prints one JSON object per line:
// {"text": "...", "is_final": false}. Process exit is treated as a disconnect.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Connect(ctx context.Context) (Stream, error) {
	args := append([]string{}, r.cmd[1:]...)
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}
	if r.cfg.SampleRate > 0 {
		args = append(args, "--sample-rate", fmt.Sprint(r.cfg.SampleRate))
	}

	procCtx, cancel := context.WithCancel(context.Background())
	command := exec.CommandContext(procCtx, r.cmd[0], args...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start stt command: %w", err)
	}

	s := &execStream{
		cmd:     command,
		cancel:  cancel,
		results: make(chan accumulator.Fragment),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.read(stdout)
	return s, nil
}

type execStream struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	results chan accumulator.Fragment
	quit    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	readErr error
	once    sync.Once
}

func (s *execStream) read(stdout io.Reader) {
	defer close(s.done)
	scanner := bufio.NewScanner(stdout)
	var seq uint64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var res execResult
		if err := json.Unmarshal(line, &res); err != nil {
			s.setErr(fmt.Errorf("decode stt line: %w", err))
			continue
		}
		seq++
		select {
		case s.results <- accumulator.Fragment{Text: res.Text, Final: res.Final, Sequence: seq}:
		case <-s.quit:
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.setErr(err)
	}
}

func (s *execStream) setErr(err error) {
	s.mu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.mu.Unlock()
}

func (s *execStream) Recv(ctx context.Context) (accumulator.Fragment, error) {
	select {
	case <-ctx.Done():
		return accumulator.Fragment{}, ctx.Err()
	case f := <-s.results:
		return f, nil
	case <-s.done:
		s.mu.Lock()
		err := s.readErr
		s.mu.Unlock()
		if err != nil {
			return accumulator.Fragment{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		return accumulator.Fragment{}, ErrDisconnected
	}
}

func (s *execStream) Close() error {
	s.once.Do(func() {
		close(s.quit)
		s.cancel()
		<-s.done
		// Exit status after a kill carries no information.
		_ = s.cmd.Wait()
	})
	return nil
}
