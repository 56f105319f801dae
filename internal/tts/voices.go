package tts

import "strings"

// Default neural voices per target language.
var defaultVoices = map[string]string{
	"en": "en-US-GuyNeural",
	"de": "de-DE-ConradNeural",
}

// VoiceSet maps language codes to voice names.
type VoiceSet map[string]string

// NewVoiceSet layers overrides on top of the built-in voices.
func NewVoiceSet(overrides map[string]string) VoiceSet {
	set := make(VoiceSet, len(defaultVoices)+len(overrides))
	for lang, voice := range defaultVoices {
		set[lang] = voice
	}
	for lang, voice := range overrides {
		if voice = strings.TrimSpace(voice); voice != "" {
			set[strings.ToLower(lang)] = voice
		}
	}
	return set
}

// For returns the voice for a language, falling back to English.
func (v VoiceSet) For(lang string) string {
	if voice, ok := v[strings.ToLower(lang)]; ok {
		return voice
	}
	return v["en"]
}
