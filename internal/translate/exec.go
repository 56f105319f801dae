package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execTranslator struct {
	cmd    []string
	source string
}

type execRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Target string `json:"target"`
	System string `json:"system"`
}

type execResponse struct {
	Text string `json:"text"`
}

// NewExecTranslator runs an external command per utterance. The command reads
// a JSON request on stdin and writes {"text": "..."} to stdout.
func NewExecTranslator(command, source string) (Translator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translation command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translation command empty")
	}
	return &execTranslator{cmd: args, source: source}, nil
}

func (t *execTranslator) Translate(ctx context.Context, req Request) (string, error) {
	source := firstNonEmpty(req.Source, t.source)
	input, err := json.Marshal(execRequest{
		Text:   req.Text,
		Source: source,
		Target: string(req.Target),
		System: SystemPrompt(source, req.Target),
	})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, t.cmd[0], t.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("translation command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode translation response: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyTranslation
	}
	return text, nil
}
