package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Language selects the translation target.
type Language string

const (
	English Language = "en"
	German  Language = "de"
)

// ErrEmptyTranslation is returned when a backend answers with no text.
var ErrEmptyTranslation = errors.New("translation produced no text")

// ParseLanguage accepts "en" or "de" in any case.
func ParseLanguage(value string) (Language, error) {
	switch Language(strings.ToLower(strings.TrimSpace(value))) {
	case English:
		return English, nil
	case German:
		return German, nil
	}
	return "", fmt.Errorf("unsupported target language %q", value)
}

// Name returns the English name of the language.
func (l Language) Name() string {
	if l == German {
		return "German"
	}
	return "English"
}

// Toggle flips between the two supported targets.
func (l Language) Toggle() Language {
	if l == German {
		return English
	}
	return German
}

// Request describes one utterance to translate.
type Request struct {
	UtteranceID uint64
	Text        string
	Source      string
	Target      Language
}

// Translator is a pluggable translation backend.
type Translator interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// SystemPrompt builds the instruction sent to model-backed translators.
func SystemPrompt(source string, target Language) string {
	sourceName := "Korean"
	if source != "" && source != "ko" {
		sourceName = source
	}
	return fmt.Sprintf("You are a real-time voice translator. Translate the following %s "+
		"text into natural, conversational %s. Rules: "+
		"1) Produce ONLY the translation, no explanations or meta-commentary. "+
		"2) Keep it concise - match the brevity of spoken language, not written prose. "+
		"3) Preserve the speaker's tone and meaning. "+
		"4) If the input is a greeting or filler, translate it naturally.", sourceName, target.Name())
}
