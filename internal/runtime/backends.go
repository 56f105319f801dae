package runtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/playback"
	"github.com/loqalabs/loqa-bridge/internal/session"
	"github.com/loqalabs/loqa-bridge/internal/stt"
	"github.com/loqalabs/loqa-bridge/internal/translate"
	"github.com/loqalabs/loqa-bridge/internal/tts"
)

// buildDeps constructs the session backends selected by configuration.
// Errors wrap session.ErrFatalConfiguration.
func buildDeps(cfg config.Config, busClient *bus.Client, logger *slog.Logger) (session.Deps, error) {
	var deps session.Deps
	var err error
	if deps.Recognizer, err = buildRecognizer(cfg, busClient, logger); err != nil {
		return deps, fatal(err)
	}
	if deps.Translator, err = buildTranslator(cfg); err != nil {
		return deps, fatal(err)
	}
	if deps.Synthesizer, err = buildSynthesizer(cfg); err != nil {
		return deps, fatal(err)
	}
	if deps.Sink, err = buildSink(cfg, busClient); err != nil {
		return deps, fatal(err)
	}
	return deps, nil
}

func fatal(err error) error {
	return fmt.Errorf("%w: %v", session.ErrFatalConfiguration, err)
}

func buildRecognizer(cfg config.Config, busClient *bus.Client, logger *slog.Logger) (stt.Recognizer, error) {
	switch cfg.STT.Mode {
	case "mock":
		return stt.NewMockRecognizer(stt.MockOptions{
			Script:   cfg.STT.Script,
			Interval: time.Duration(cfg.STT.PartialMS) * time.Millisecond,
		}), nil
	case "exec":
		return stt.NewExecRecognizer(cfg.STT)
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("stt.mode=bus requires a bus connection")
		}
		return stt.NewBusRecognizer(cfg.Bus, logger), nil
	}
	return nil, fmt.Errorf("unknown stt mode %q", cfg.STT.Mode)
}

func buildTranslator(cfg config.Config) (translate.Translator, error) {
	switch cfg.Translation.Mode {
	case "mock":
		return translate.NewMockTranslator(50 * time.Millisecond), nil
	case "ollama":
		return translate.NewOllamaTranslator(translate.OllamaOptions{
			Endpoint:    cfg.Translation.Endpoint,
			Model:       cfg.Translation.Model,
			APIKey:      cfg.Translation.APIKey,
			MaxTokens:   cfg.Translation.MaxTokens,
			Temperature: cfg.Translation.Temperature,
			Source:      cfg.Session.SourceLanguage,
			Client:      &http.Client{},
		}), nil
	case "exec":
		return translate.NewExecTranslator(cfg.Translation.Command, cfg.Session.SourceLanguage)
	}
	return nil, fmt.Errorf("unknown translation mode %q", cfg.Translation.Mode)
}

func buildSynthesizer(cfg config.Config) (tts.Synthesizer, error) {
	switch cfg.TTS.Mode {
	case "mock":
		return tts.NewMockSynth(cfg.TTS.SampleRate, cfg.TTS.Channels, 50*time.Millisecond), nil
	case "exec":
		return tts.NewExecSynth(cfg.TTS.Command, cfg.TTS.SampleRate, cfg.TTS.Channels)
	}
	return nil, fmt.Errorf("unknown tts mode %q", cfg.TTS.Mode)
}

func buildSink(cfg config.Config, busClient *bus.Client) (playback.Sink, error) {
	switch cfg.Output.Sink {
	case "discard":
		return playback.NewDiscardSink(true), nil
	case "exec":
		return playback.NewExecSink(cfg.Output.Command, cfg.Output.Device)
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("output.sink=bus requires a bus connection")
		}
		return playback.NewBusSink(busClient.Conn(), cfg.Output.Subject), nil
	}
	return nil, fmt.Errorf("unknown output sink %q", cfg.Output.Sink)
}
