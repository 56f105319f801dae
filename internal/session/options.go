package session

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/translate"
	"github.com/loqalabs/loqa-bridge/internal/tts"
)

// ReconnectPolicy bounds recognizer reconnection.
type ReconnectPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Options tunes a Session.
type Options struct {
	TargetLanguage      translate.Language
	SourceLanguage      string
	MaxInFlight         int
	TranslateTimeout    time.Duration
	SynthesizeTimeout   time.Duration
	PunctuationBoundary bool
	Voices              tts.VoiceSet
	Rate                string
	SampleRate          int
	Channels            int
	Reconnect           ReconnectPolicy
	// NewID generates session ids. Defaults to random UUIDs.
	NewID func() string
}

// OptionsFromConfig maps configuration onto session options.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	lang, err := translate.ParseLanguage(cfg.Session.TargetLanguage)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrFatalConfiguration, err)
	}
	return Options{
		TargetLanguage:      lang,
		SourceLanguage:      cfg.Session.SourceLanguage,
		MaxInFlight:         cfg.Session.MaxInFlight,
		TranslateTimeout:    time.Duration(cfg.Session.TranslateTimeoutMS) * time.Millisecond,
		SynthesizeTimeout:   time.Duration(cfg.Session.SynthesizeTimeoutMS) * time.Millisecond,
		PunctuationBoundary: cfg.Session.PunctuationBoundary,
		Voices:              tts.NewVoiceSet(cfg.TTS.Voices),
		Rate:                cfg.TTS.Rate,
		SampleRate:          cfg.TTS.SampleRate,
		Channels:            cfg.TTS.Channels,
		Reconnect: ReconnectPolicy{
			MaxAttempts:     cfg.Reconnect.MaxAttempts,
			InitialInterval: time.Duration(cfg.Reconnect.InitialIntervalMS) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Reconnect.MaxIntervalMS) * time.Millisecond,
			Multiplier:      cfg.Reconnect.Multiplier,
		},
	}, nil
}

func (o *Options) applyDefaults() {
	if o.TargetLanguage == "" {
		o.TargetLanguage = translate.English
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 4
	}
	if o.TranslateTimeout <= 0 {
		o.TranslateTimeout = 8 * time.Second
	}
	if o.SynthesizeTimeout <= 0 {
		o.SynthesizeTimeout = 10 * time.Second
	}
	if o.Reconnect.MaxAttempts <= 0 {
		o.Reconnect.MaxAttempts = 3
	}
	if o.Reconnect.InitialInterval <= 0 {
		o.Reconnect.InitialInterval = time.Second
	}
	if o.Reconnect.MaxInterval <= 0 {
		o.Reconnect.MaxInterval = 8 * time.Second
	}
	if o.Reconnect.Multiplier < 1 {
		o.Reconnect.Multiplier = 2
	}
}
