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
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Recorder    RecorderConfig   `yaml:"recorder"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	Query       QueryConfig      `yaml:"query"`
	Catalog     CatalogConfig    `yaml:"catalog"`
	Format      FormatConfig     `yaml:"format"`
	Supervisor  SupervisorConfig `yaml:"supervisor"`
	TTS         TTSConfig        `yaml:"tts"`
	Publisher   PublisherConfig  `yaml:"publisher"`
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
}

// NodeConfig identifies this service on the bus. Peers that stop
// heartbeating for HeartbeatTimeoutMS are marked unhealthy.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	Role                string `yaml:"role"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// RecorderConfig controls audio capture. Device is one of tone|exec|bus.
type RecorderConfig struct {
	Device         string `yaml:"device"`
	Command        string `yaml:"command"`
	BusSource      string `yaml:"bus_source"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	ChunkFrames    int    `yaml:"chunk_frames"`
	TickIntervalMS int    `yaml:"tick_interval_ms"`
	MaxDurationMS  int    `yaml:"max_duration_ms"`
	Directory      string `yaml:"directory"`
}

type STTConfig struct {
	Mode            string   `yaml:"mode"` // mock, exec, google
	Command         string   `yaml:"command"`
	ModelPath       string   `yaml:"model_path"`
	Locales         []string `yaml:"locales"`
	MinTextLength   int      `yaml:"min_text_length"`
	TimeoutMS       int      `yaml:"timeout_ms"`
	CredentialsFile string   `yaml:"credentials_file"`
	MockText        string   `yaml:"mock_text"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"` // backend default when empty
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

// QueryConfig drives the correction and query generation stages.
type QueryConfig struct {
	CorrectionEnabled bool `yaml:"correction_enabled"`
	CorrectionTokens  int  `yaml:"correction_max_tokens"`
	GenerationTokens  int  `yaml:"generation_max_tokens"`
	MaxResults        int  `yaml:"max_results"`
}

type CatalogConfig struct {
	Path     string   `yaml:"path"`
	Entity   string   `yaml:"entity"`
	Fields   []string `yaml:"fields"`
	ReadOnly bool     `yaml:"read_only"`
}

type FormatConfig struct {
	Locale   string `yaml:"locale"`
	Currency string `yaml:"currency"`
}

type SupervisorConfig struct {
	StopTimeoutMS int `yaml:"stop_timeout_ms"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	Greeting        string `yaml:"greeting"`
	AnnounceResults bool   `yaml:"announce_results"`
}

type PublisherConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voicesearch",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                  "voicesearch-1",
			Role:                "search",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicesearch-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Recorder: RecorderConfig{
			Device:         "tone",
			SampleRate:     44100,
			Channels:       1,
			ChunkFrames:    1024,
			TickIntervalMS: 1000,
			MaxDurationMS:  30000,
			Directory:      "./data/capture",
		},
		STT: STTConfig{
			Mode:          "mock",
			Locales:       []string{"vi-VN", "en-US", "vi"},
			MinTextLength: 3,
			TimeoutMS:     45000,
			MockText:      "tìm sách python",
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			MaxTokens:   200,
			Temperature: 0.1,
			TimeoutMS:   60000,
		},
		Query: QueryConfig{
			CorrectionEnabled: true,
			CorrectionTokens:  150,
			GenerationTokens:  200,
			MaxResults:        20,
		},
		Catalog: CatalogConfig{
			Path:     "./data/books.db",
			Entity:   "books",
			ReadOnly: true,
		},
		Format: FormatConfig{
			Locale:   "en",
			Currency: "VND",
		},
		Supervisor: SupervisorConfig{
			StopTimeoutMS: 1000,
		},
		TTS: TTSConfig{
			Enabled:    false,
			Mode:       "mock",
			Voice:      "vi",
			SampleRate: 22050,
			Channels:   1,
			Greeting:   "This is the library book search. Which book are you looking for?",
		},
		Publisher: PublisherConfig{
			Topic: "voicesearch.completed",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Recorder.Device, "LOQA_RECORDER_DEVICE")
	overrideString(&cfg.Recorder.Command, "LOQA_RECORDER_COMMAND")
	overrideString(&cfg.Recorder.BusSource, "LOQA_RECORDER_BUS_SOURCE")
	overrideInt(&cfg.Recorder.SampleRate, "LOQA_RECORDER_SAMPLE_RATE")
	overrideInt(&cfg.Recorder.Channels, "LOQA_RECORDER_CHANNELS")
	overrideInt(&cfg.Recorder.ChunkFrames, "LOQA_RECORDER_CHUNK_FRAMES")
	overrideInt(&cfg.Recorder.MaxDurationMS, "LOQA_RECORDER_MAX_DURATION_MS")
	overrideString(&cfg.Recorder.Directory, "LOQA_RECORDER_DIRECTORY")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideStringSlice(&cfg.STT.Locales, "LOQA_STT_LOCALES")
	overrideInt(&cfg.STT.MinTextLength, "LOQA_STT_MIN_TEXT_LENGTH")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.STT.CredentialsFile, "LOQA_STT_CREDENTIALS_FILE")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.BaseURL, "LOQA_LLM_BASE_URL")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideBool(&cfg.Query.CorrectionEnabled, "LOQA_QUERY_CORRECTION_ENABLED")
	overrideInt(&cfg.Query.MaxResults, "LOQA_QUERY_MAX_RESULTS")
	overrideString(&cfg.Catalog.Path, "LOQA_CATALOG_PATH")
	overrideString(&cfg.Catalog.Entity, "LOQA_CATALOG_ENTITY")
	overrideStringSlice(&cfg.Catalog.Fields, "LOQA_CATALOG_FIELDS")
	overrideBool(&cfg.Catalog.ReadOnly, "LOQA_CATALOG_READ_ONLY")
	overrideString(&cfg.Format.Locale, "LOQA_FORMAT_LOCALE")
	overrideString(&cfg.Format.Currency, "LOQA_FORMAT_CURRENCY")
	overrideInt(&cfg.Supervisor.StopTimeoutMS, "LOQA_SUPERVISOR_STOP_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideBool(&cfg.Publisher.Enabled, "LOQA_PUBLISHER_ENABLED")
	overrideStringSlice(&cfg.Publisher.Brokers, "LOQA_PUBLISHER_BROKERS")
	overrideString(&cfg.Publisher.Topic, "LOQA_PUBLISHER_TOPIC")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.Enabled {
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatIntervalMS <= 0 || cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
			return errors.New("node.heartbeat_timeout_ms must exceed a positive node.heartbeat_interval_ms")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Recorder.Device {
	case "tone":
	case "exec":
		if cfg.Recorder.Command == "" {
			return errors.New("recorder.command must be set when device=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("recorder.device=bus requires bus.enabled")
		}
		if cfg.Recorder.BusSource == "" {
			return errors.New("recorder.bus_source must be set when device=bus")
		}
	default:
		return errors.New("recorder.device must be one of tone|exec|bus")
	}
	if cfg.Recorder.SampleRate <= 0 {
		return errors.New("recorder.sample_rate must be positive")
	}
	if cfg.Recorder.Channels <= 0 {
		return errors.New("recorder.channels must be positive")
	}
	if cfg.Recorder.ChunkFrames <= 0 {
		return errors.New("recorder.chunk_frames must be positive")
	}
	if cfg.Recorder.Directory == "" {
		return errors.New("recorder.directory must not be empty")
	}
	switch cfg.STT.Mode {
	case "mock", "google":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|google")
	}
	if len(cfg.STT.Locales) == 0 {
		return errors.New("stt.locales must not be empty")
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "ollama":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	case "openai":
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|openai")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.Query.MaxResults <= 0 {
		return errors.New("query.max_results must be positive")
	}
	if cfg.Catalog.Path == "" {
		return errors.New("catalog.path must not be empty")
	}
	if cfg.Catalog.Entity == "" {
		return errors.New("catalog.entity must not be empty")
	}
	if cfg.Supervisor.StopTimeoutMS <= 0 {
		return errors.New("supervisor.stop_timeout_ms must be positive")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Publisher.Enabled {
		if len(cfg.Publisher.Brokers) == 0 {
			return errors.New("publisher.brokers must not be empty when publisher is enabled")
		}
		if cfg.Publisher.Topic == "" {
			return errors.New("publisher.topic must not be empty when publisher is enabled")
		}
	}
	return nil
}
