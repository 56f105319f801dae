package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Subject      string `yaml:"subject"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Session     SessionConfig    `yaml:"session"`
	Reconnect   ReconnectConfig  `yaml:"reconnect"`
	STT         STTConfig        `yaml:"stt"`
	Translation TranslateConfig  `yaml:"translation"`
	TTS         TTSConfig        `yaml:"tts"`
	Output      OutputConfig     `yaml:"output"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	ControlPrefix  string   `yaml:"control_prefix"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SessionConfig tunes the streaming core.
type SessionConfig struct {
	TargetLanguage      string `yaml:"target_language"`
	SourceLanguage      string `yaml:"source_language"`
	MaxInFlight         int    `yaml:"max_in_flight"`
	TranslateTimeoutMS  int    `yaml:"translate_timeout_ms"`
	SynthesizeTimeoutMS int    `yaml:"synthesize_timeout_ms"`
	PunctuationBoundary bool   `yaml:"punctuation_boundary"`
	AutoStart           bool   `yaml:"auto_start"`
}

type ReconnectConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialIntervalMS int     `yaml:"initial_interval_ms"`
	MaxIntervalMS     int     `yaml:"max_interval_ms"`
	Multiplier        float64 `yaml:"multiplier"`
}

type STTConfig struct {
	Mode       string   `yaml:"mode"` // mock, exec, bus
	Command    string   `yaml:"command"`
	Language   string   `yaml:"language"`
	SampleRate int      `yaml:"sample_rate"`
	Channels   int      `yaml:"channels"`
	Script     []string `yaml:"script"`
	PartialMS  int      `yaml:"partial_interval_ms"`
}

type TranslateConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode       string            `yaml:"mode"` // mock, exec
	Command    string            `yaml:"command"`
	Voices     map[string]string `yaml:"voices"`
	Rate       string            `yaml:"rate"`
	SampleRate int               `yaml:"sample_rate"`
	Channels   int               `yaml:"channels"`
}

type OutputConfig struct {
	Sink    string `yaml:"sink"` // discard, exec, bus
	Command string `yaml:"command"`
	Subject string `yaml:"subject"`
	Device  string `yaml:"device"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-bridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			Subject:      "bridge.telemetry",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			ControlPrefix:  "bridge.ctrl",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/bridge-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Session: SessionConfig{
			TargetLanguage:      "en",
			SourceLanguage:      "ko",
			MaxInFlight:         4,
			TranslateTimeoutMS:  8000,
			SynthesizeTimeoutMS: 10000,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:       3,
			InitialIntervalMS: 1000,
			MaxIntervalMS:     8000,
			Multiplier:        2,
		},
		STT: STTConfig{
			Mode:       "mock",
			Language:   "ko",
			SampleRate: 16000,
			Channels:   1,
			PartialMS:  150,
		},
		Translation: TranslateConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.2,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Rate:       "+15%",
			SampleRate: 24000,
			Channels:   1,
		},
		Output: OutputConfig{
			Sink:    "discard",
			Subject: "bridge.audio.out",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.Translation.APIKey = resolveEnvRef(cfg.Translation.APIKey)
	cfg.Bus.Token = resolveEnvRef(cfg.Bus.Token)
	cfg.Bus.Password = resolveEnvRef(cfg.Bus.Password)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "BRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "BRIDGE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "BRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "BRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "BRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "BRIDGE_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "BRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "BRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.Subject, "BRIDGE_TELEMETRY_SUBJECT")
	overrideBool(&cfg.Bus.Enabled, "BRIDGE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "BRIDGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "BRIDGE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "BRIDGE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "BRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "BRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "BRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "BRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "BRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "BRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.ControlPrefix, "BRIDGE_BUS_CONTROL_PREFIX")
	overrideString(&cfg.EventStore.Path, "BRIDGE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "BRIDGE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "BRIDGE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "BRIDGE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "BRIDGE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Session.TargetLanguage, "BRIDGE_SESSION_TARGET_LANGUAGE")
	overrideString(&cfg.Session.SourceLanguage, "BRIDGE_SESSION_SOURCE_LANGUAGE")
	overrideInt(&cfg.Session.MaxInFlight, "BRIDGE_SESSION_MAX_IN_FLIGHT")
	overrideInt(&cfg.Session.TranslateTimeoutMS, "BRIDGE_SESSION_TRANSLATE_TIMEOUT_MS")
	overrideInt(&cfg.Session.SynthesizeTimeoutMS, "BRIDGE_SESSION_SYNTHESIZE_TIMEOUT_MS")
	overrideBool(&cfg.Session.PunctuationBoundary, "BRIDGE_SESSION_PUNCTUATION_BOUNDARY")
	overrideBool(&cfg.Session.AutoStart, "BRIDGE_SESSION_AUTO_START")
	overrideInt(&cfg.Reconnect.MaxAttempts, "BRIDGE_RECONNECT_MAX_ATTEMPTS")
	overrideInt(&cfg.Reconnect.InitialIntervalMS, "BRIDGE_RECONNECT_INITIAL_INTERVAL_MS")
	overrideInt(&cfg.Reconnect.MaxIntervalMS, "BRIDGE_RECONNECT_MAX_INTERVAL_MS")
	overrideFloat(&cfg.Reconnect.Multiplier, "BRIDGE_RECONNECT_MULTIPLIER")
	overrideString(&cfg.STT.Mode, "BRIDGE_STT_MODE")
	overrideString(&cfg.STT.Command, "BRIDGE_STT_COMMAND")
	overrideString(&cfg.STT.Language, "BRIDGE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "BRIDGE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "BRIDGE_STT_CHANNELS")
	overrideInt(&cfg.STT.PartialMS, "BRIDGE_STT_PARTIAL_INTERVAL_MS")
	overrideString(&cfg.Translation.Mode, "BRIDGE_TRANSLATION_MODE")
	overrideString(&cfg.Translation.Endpoint, "BRIDGE_TRANSLATION_ENDPOINT")
	overrideString(&cfg.Translation.Command, "BRIDGE_TRANSLATION_COMMAND")
	overrideString(&cfg.Translation.Model, "BRIDGE_TRANSLATION_MODEL")
	overrideString(&cfg.Translation.APIKey, "BRIDGE_TRANSLATION_API_KEY")
	overrideInt(&cfg.Translation.MaxTokens, "BRIDGE_TRANSLATION_MAX_TOKENS")
	overrideFloat(&cfg.Translation.Temperature, "BRIDGE_TRANSLATION_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "BRIDGE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "BRIDGE_TTS_COMMAND")
	overrideString(&cfg.TTS.Rate, "BRIDGE_TTS_RATE")
	overrideInt(&cfg.TTS.SampleRate, "BRIDGE_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "BRIDGE_TTS_CHANNELS")
	overrideString(&cfg.Output.Sink, "BRIDGE_OUTPUT_SINK")
	overrideString(&cfg.Output.Command, "BRIDGE_OUTPUT_COMMAND")
	overrideString(&cfg.Output.Subject, "BRIDGE_OUTPUT_SUBJECT")
	overrideString(&cfg.Output.Device, "BRIDGE_OUTPUT_DEVICE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// resolveEnvRef replaces a "${VAR_NAME}" value with the named environment variable.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		if envVal := os.Getenv(val[2 : len(val)-1]); envVal != "" {
			return envVal
		}
		return ""
	}
	return val
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch strings.ToLower(cfg.Session.TargetLanguage) {
	case "en", "de":
	default:
		return errors.New("session.target_language must be one of en|de")
	}
	if cfg.Session.MaxInFlight <= 0 {
		return errors.New("session.max_in_flight must be >= 1")
	}
	if cfg.Session.TranslateTimeoutMS <= 0 || cfg.Session.SynthesizeTimeoutMS <= 0 {
		return errors.New("session stage timeouts must be positive")
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		return errors.New("reconnect.max_attempts must be >= 1")
	}
	if cfg.Reconnect.InitialIntervalMS <= 0 || cfg.Reconnect.MaxIntervalMS < cfg.Reconnect.InitialIntervalMS {
		return errors.New("reconnect intervals must be positive and max >= initial")
	}
	if cfg.Reconnect.Multiplier < 1 {
		return errors.New("reconnect.multiplier must be >= 1")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("stt.mode=bus requires bus.enabled")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|bus")
	}
	switch cfg.Translation.Mode {
	case "mock":
	case "ollama":
		if cfg.Translation.Endpoint == "" {
			return errors.New("translation.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.Translation.Command == "" {
			return errors.New("translation.command must be set when mode=exec")
		}
	default:
		return errors.New("translation.mode must be one of mock|ollama|exec")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	switch cfg.Output.Sink {
	case "discard":
	case "exec":
		if cfg.Output.Command == "" {
			return errors.New("output.command must be set when sink=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("output.sink=bus requires bus.enabled")
		}
		if cfg.Output.Subject == "" {
			return errors.New("output.subject must not be empty when sink=bus")
		}
	default:
		return errors.New("output.sink must be one of discard|exec|bus")
	}
	return nil
}
