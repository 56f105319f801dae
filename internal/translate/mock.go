package translate

import (
	"context"
	"strings"
	"time"
)

type mockTranslator struct {
	delay time.Duration
}

// NewMockTranslator tags the source text with the target language.
func NewMockTranslator(delay time.Duration) Translator {
	return &mockTranslator{delay: delay}
}

func (m *mockTranslator) Translate(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(m.delay):
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", ErrEmptyTranslation
	}
	return "[" + string(req.Target) + "] " + text, nil
}
