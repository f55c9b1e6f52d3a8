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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string           `yaml:"runtime_name"`
	Environment   string           `yaml:"environment"`
	HTTP          HTTPConfig       `yaml:"http"`
	Telemetry     TelemetryConfig  `yaml:"telemetry"`
	Bus           BusConfig        `yaml:"bus"`
	EventStore    EventStoreConfig `yaml:"event_store"`
	Transcription Tunables         `yaml:"transcription"`
	TunablesPath  string           `yaml:"tunables_path"`
	Backends      BackendsConfig   `yaml:"backends"`
	Streaming     StreamingConfig  `yaml:"streaming"`
	Speakers      SpeakersConfig   `yaml:"speakers"`
	Ingest        IngestConfig     `yaml:"ingest"`
	Forwarder     ForwarderConfig  `yaml:"forwarder"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// BackendsConfig holds connection settings for every transcription provider.
// Which one is used is a tunable, so several may be configured at once.
type BackendsConfig struct {
	TimeoutMS int            `yaml:"timeout_ms"`
	Whisper   WhisperConfig  `yaml:"whisper"`
	Deepgram  DeepgramConfig `yaml:"deepgram"`
	Exec      ExecConfig     `yaml:"exec"`
}

type WhisperConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

type DeepgramConfig struct {
	Endpoint  string `yaml:"endpoint"`
	StreamURL string `yaml:"stream_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
}

type ExecConfig struct {
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
}

type StreamingConfig struct {
	KeepaliveIntervalMS int `yaml:"keepalive_interval_ms"`
	ConnectTimeoutMS    int `yaml:"connect_timeout_ms"`
	CloseTimeoutMS      int `yaml:"close_timeout_ms"`
	WriteTimeoutMS      int `yaml:"write_timeout_ms"`
	UtteranceEndMS      int `yaml:"utterance_end_ms"`
	QueueSize           int `yaml:"queue_size"`
}

type SpeakersConfig struct {
	CallerLabel        string  `yaml:"caller_label"`
	OperatorLabel      string  `yaml:"operator_label"`
	CallerMinSeconds   float64 `yaml:"caller_min_seconds"`
	OperatorMinSeconds float64 `yaml:"operator_min_seconds"`
}

type IngestConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ForwarderConfig struct {
	Enabled       bool `yaml:"enabled"`
	CallerOnly    bool `yaml:"caller_only"`
	MinChars      int  `yaml:"min_chars"`
	MinIntervalMS int  `yaml:"min_interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "callscribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/callscribe.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Transcription: DefaultTunables(),
		Backends: BackendsConfig{
			TimeoutMS: 30000,
			Whisper: WhisperConfig{
				Endpoint: "https://api.openai.com",
				Model:    "whisper-1",
			},
			Deepgram: DeepgramConfig{
				Endpoint:  "https://api.deepgram.com",
				StreamURL: "wss://api.deepgram.com/v1/listen",
				Model:     "nova-3",
			},
		},
		Streaming: StreamingConfig{
			KeepaliveIntervalMS: 3000,
			ConnectTimeoutMS:    2000,
			CloseTimeoutMS:      2000,
			WriteTimeoutMS:      5000,
			UtteranceEndMS:      1000,
			QueueSize:           256,
		},
		Speakers: SpeakersConfig{
			CallerLabel:        "Caller",
			OperatorLabel:      "Operator",
			CallerMinSeconds:   0.5,
			OperatorMinSeconds: 1.0,
		},
		Ingest: IngestConfig{
			Enabled: true,
		},
		Forwarder: ForwarderConfig{
			Enabled:       true,
			CallerOnly:    true,
			MinChars:      5,
			MinIntervalMS: 2000,
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CALLSCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CALLSCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CALLSCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CALLSCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CALLSCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CALLSCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CALLSCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CALLSCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "CALLSCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CALLSCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CALLSCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "CALLSCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CALLSCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CALLSCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CALLSCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CALLSCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CALLSCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "CALLSCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "CALLSCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "CALLSCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "CALLSCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "CALLSCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.TunablesPath, "CALLSCRIBE_TUNABLES_PATH")
	overrideString(&cfg.Transcription.Backend, "CALLSCRIBE_TRANSCRIPTION_BACKEND")
	overrideString(&cfg.Transcription.Language, "CALLSCRIBE_TRANSCRIPTION_LANGUAGE")
	overrideBool(&cfg.Transcription.UseStreaming, "CALLSCRIBE_TRANSCRIPTION_USE_STREAMING")
	overrideBool(&cfg.Transcription.BypassVAD, "CALLSCRIBE_TRANSCRIPTION_BYPASS_VAD")
	overrideString(&cfg.Transcription.StreamingFallback, "CALLSCRIBE_TRANSCRIPTION_STREAMING_FALLBACK")
	overrideBool(&cfg.Transcription.DebugShowHallucinations, "CALLSCRIBE_TRANSCRIPTION_DEBUG_SHOW_HALLUCINATIONS")
	overrideInt(&cfg.Backends.TimeoutMS, "CALLSCRIBE_BACKENDS_TIMEOUT_MS")
	overrideString(&cfg.Backends.Whisper.Endpoint, "CALLSCRIBE_WHISPER_ENDPOINT")
	overrideString(&cfg.Backends.Whisper.APIKey, "CALLSCRIBE_WHISPER_API_KEY")
	overrideString(&cfg.Backends.Whisper.Model, "CALLSCRIBE_WHISPER_MODEL")
	overrideString(&cfg.Backends.Deepgram.Endpoint, "CALLSCRIBE_DEEPGRAM_ENDPOINT")
	overrideString(&cfg.Backends.Deepgram.StreamURL, "CALLSCRIBE_DEEPGRAM_STREAM_URL")
	overrideString(&cfg.Backends.Deepgram.APIKey, "CALLSCRIBE_DEEPGRAM_API_KEY")
	overrideString(&cfg.Backends.Deepgram.Model, "CALLSCRIBE_DEEPGRAM_MODEL")
	overrideString(&cfg.Backends.Exec.Command, "CALLSCRIBE_EXEC_COMMAND")
	overrideString(&cfg.Backends.Exec.ModelPath, "CALLSCRIBE_EXEC_MODEL_PATH")
	overrideInt(&cfg.Streaming.KeepaliveIntervalMS, "CALLSCRIBE_STREAMING_KEEPALIVE_INTERVAL_MS")
	overrideInt(&cfg.Streaming.ConnectTimeoutMS, "CALLSCRIBE_STREAMING_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Streaming.CloseTimeoutMS, "CALLSCRIBE_STREAMING_CLOSE_TIMEOUT_MS")
	overrideInt(&cfg.Streaming.WriteTimeoutMS, "CALLSCRIBE_STREAMING_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Speakers.CallerLabel, "CALLSCRIBE_SPEAKERS_CALLER_LABEL")
	overrideString(&cfg.Speakers.OperatorLabel, "CALLSCRIBE_SPEAKERS_OPERATOR_LABEL")
	overrideFloat(&cfg.Speakers.CallerMinSeconds, "CALLSCRIBE_SPEAKERS_CALLER_MIN_SECONDS")
	overrideFloat(&cfg.Speakers.OperatorMinSeconds, "CALLSCRIBE_SPEAKERS_OPERATOR_MIN_SECONDS")
	overrideBool(&cfg.Ingest.Enabled, "CALLSCRIBE_INGEST_ENABLED")
	overrideBool(&cfg.Forwarder.Enabled, "CALLSCRIBE_FORWARDER_ENABLED")
	overrideBool(&cfg.Forwarder.CallerOnly, "CALLSCRIBE_FORWARDER_CALLER_ONLY")
	overrideInt(&cfg.Forwarder.MinChars, "CALLSCRIBE_FORWARDER_MIN_CHARS")
	overrideInt(&cfg.Forwarder.MinIntervalMS, "CALLSCRIBE_FORWARDER_MIN_INTERVAL_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := cfg.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription: %w", err)
	}
	if cfg.Backends.TimeoutMS <= 0 {
		return errors.New("backends.timeout_ms must be positive")
	}
	switch cfg.Transcription.Backend {
	case BackendWhisper:
		if cfg.Backends.Whisper.Endpoint == "" {
			return errors.New("backends.whisper.endpoint must be set when backend=whisper")
		}
	case BackendDeepgram:
		if cfg.Backends.Deepgram.Endpoint == "" {
			return errors.New("backends.deepgram.endpoint must be set when backend=deepgram")
		}
	case BackendExec:
		if cfg.Backends.Exec.Command == "" {
			return errors.New("backends.exec.command must be set when backend=exec")
		}
	}
	if cfg.Transcription.UseStreaming && cfg.Backends.Deepgram.StreamURL == "" {
		return errors.New("backends.deepgram.stream_url must be set when streaming is enabled")
	}
	if cfg.Streaming.KeepaliveIntervalMS <= 0 {
		return errors.New("streaming.keepalive_interval_ms must be positive")
	}
	if cfg.Streaming.ConnectTimeoutMS <= 0 {
		return errors.New("streaming.connect_timeout_ms must be positive")
	}
	if cfg.Streaming.QueueSize <= 0 {
		return errors.New("streaming.queue_size must be positive")
	}
	if cfg.Speakers.CallerMinSeconds < 0 || cfg.Speakers.OperatorMinSeconds < 0 {
		return errors.New("speakers minimum durations must be >= 0")
	}
	if cfg.Forwarder.MinChars < 0 {
		return errors.New("forwarder.min_chars must be >= 0")
	}
	return nil
}
