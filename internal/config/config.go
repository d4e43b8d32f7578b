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
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// HTTPConfig binds the admin listener (healthz/readyz/metrics),
// separate from the client-facing WebSocket listener.
type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// ServerConfig binds the WebSocket listener clients connect to.
type ServerConfig struct {
	Bind            string `yaml:"bind"`
	Port            int    `yaml:"port"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	ReadTimeoutMS   int    `yaml:"read_timeout_ms"`
	Welcome         bool   `yaml:"welcome"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Engine      EngineConfig    `yaml:"engine"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
}

type BusConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Embedded            bool     `yaml:"embedded"`
	Port                int      `yaml:"port"`
	StoreDir            string   `yaml:"store_dir"`
	Servers             []string `yaml:"servers"`
	Username            string   `yaml:"username"`
	Password            string   `yaml:"password"`
	Token               string   `yaml:"token"`
	TLSInsecure         bool     `yaml:"tls_insecure"`
	ConnectTimeout      int      `yaml:"connect_timeout_ms"`
	HeartbeatIntervalMS int      `yaml:"heartbeat_interval_ms"`
}

type EngineConfig struct {
	Mode            string   `yaml:"mode"` // mock, exec
	Command         string   `yaml:"command"`
	ModelPath       string   `yaml:"model_path"`
	Device          string   `yaml:"device"` // auto, cuda, mps, cpu
	Instances       int      `yaml:"instances"`
	SampleRate      int      `yaml:"sample_rate"`
	Channels        int      `yaml:"channels"`
	Languages       []string `yaml:"languages"`
	DefaultLanguage string   `yaml:"default_language"`
	LoadTimeoutMS   int      `yaml:"load_timeout_ms"`
}

type SynthesisConfig struct {
	MaxTextChars   int             `yaml:"max_text_chars"`
	QueueDepth     int             `yaml:"queue_depth"`
	QueueTimeoutMS int             `yaml:"queue_timeout_ms"`
	SynthTimeoutMS int             `yaml:"synth_timeout_ms"`
	Defaults       SynthesisParams `yaml:"defaults"`
}

// SynthesisParams are the tunables forwarded to the engine when a
// request leaves them unset.
type SynthesisParams struct {
	Exaggeration      float64 `yaml:"exaggeration"`
	Temperature       float64 `yaml:"temperature"`
	CFGWeight         float64 `yaml:"cfg_weight"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
	MinP              float64 `yaml:"min_p"`
	TopP              float64 `yaml:"top_p"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxd",
		Environment: "development",
		Server: ServerConfig{
			Bind:            "0.0.0.0",
			Port:            8000,
			MaxMessageBytes: 1 << 20,
			ReadTimeoutMS:   60000,
			Welcome:         true,
		},
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Engine: EngineConfig{
			Mode:            "mock",
			Device:          "auto",
			Instances:       1,
			SampleRate:      24000,
			Channels:        1,
			Languages:       []string{"en", "es", "fr", "de", "it", "pt"},
			DefaultLanguage: "es",
			LoadTimeoutMS:   120000,
		},
		Synthesis: SynthesisConfig{
			MaxTextChars:   500,
			QueueDepth:     8,
			QueueTimeoutMS: 30000,
			SynthTimeoutMS: 120000,
			Defaults: SynthesisParams{
				Exaggeration:      0.5,
				Temperature:       0.8,
				CFGWeight:         0.5,
				RepetitionPenalty: 2.0,
				MinP:              0.05,
				TopP:              1.0,
			},
		},
		Bus: BusConfig{
			Enabled:             false,
			Embedded:            true,
			Port:                4222,
			StoreDir:            "./data/nats",
			Servers:             []string{"nats://localhost:4222"},
			ConnectTimeout:      2000,
			HeartbeatIntervalMS: 2000,
		},
		History: HistoryConfig{
			Path:          "./data/voxd-history.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRequests:   100000,
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
	overrideString(&cfg.RuntimeName, "VOXD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.Server.Bind, "VOXD_SERVER_BIND")
	overrideInt(&cfg.Server.Port, "VOXD_SERVER_PORT")
	overrideInt64(&cfg.Server.MaxMessageBytes, "VOXD_SERVER_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Server.ReadTimeoutMS, "VOXD_SERVER_READ_TIMEOUT_MS")
	overrideBool(&cfg.Server.Welcome, "VOXD_SERVER_WELCOME")
	overrideString(&cfg.HTTP.Bind, "VOXD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Engine.Mode, "VOXD_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "VOXD_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModelPath, "VOXD_ENGINE_MODEL_PATH")
	overrideString(&cfg.Engine.Device, "VOXD_ENGINE_DEVICE")
	overrideInt(&cfg.Engine.Instances, "VOXD_ENGINE_INSTANCES")
	overrideInt(&cfg.Engine.SampleRate, "VOXD_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "VOXD_ENGINE_CHANNELS")
	overrideStringSlice(&cfg.Engine.Languages, "VOXD_ENGINE_LANGUAGES")
	overrideString(&cfg.Engine.DefaultLanguage, "VOXD_ENGINE_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Engine.LoadTimeoutMS, "VOXD_ENGINE_LOAD_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.MaxTextChars, "VOXD_SYNTHESIS_MAX_TEXT_CHARS")
	overrideInt(&cfg.Synthesis.QueueDepth, "VOXD_SYNTHESIS_QUEUE_DEPTH")
	overrideInt(&cfg.Synthesis.QueueTimeoutMS, "VOXD_SYNTHESIS_QUEUE_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.SynthTimeoutMS, "VOXD_SYNTHESIS_SYNTH_TIMEOUT_MS")
	overrideFloat(&cfg.Synthesis.Defaults.Exaggeration, "VOXD_SYNTHESIS_DEFAULT_EXAGGERATION")
	overrideFloat(&cfg.Synthesis.Defaults.Temperature, "VOXD_SYNTHESIS_DEFAULT_TEMPERATURE")
	overrideFloat(&cfg.Synthesis.Defaults.CFGWeight, "VOXD_SYNTHESIS_DEFAULT_CFG_WEIGHT")
	overrideFloat(&cfg.Synthesis.Defaults.RepetitionPenalty, "VOXD_SYNTHESIS_DEFAULT_REPETITION_PENALTY")
	overrideFloat(&cfg.Synthesis.Defaults.MinP, "VOXD_SYNTHESIS_DEFAULT_MIN_P")
	overrideFloat(&cfg.Synthesis.Defaults.TopP, "VOXD_SYNTHESIS_DEFAULT_TOP_P")
	overrideBool(&cfg.Bus.Enabled, "VOXD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOXD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOXD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOXD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXD_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.HeartbeatIntervalMS, "VOXD_BUS_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.History.Path, "VOXD_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "VOXD_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "VOXD_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxRequests, "VOXD_HISTORY_MAX_REQUESTS")
	overrideBool(&cfg.History.VacuumOnStart, "VOXD_HISTORY_VACUUM_ON_START")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Server.Port == cfg.HTTP.Port {
		return errors.New("server.port and http.port must differ")
	}
	if cfg.Server.MaxMessageBytes <= 0 {
		return errors.New("server.max_message_bytes must be positive")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	switch cfg.Engine.Device {
	case "auto", "cuda", "mps", "cpu":
	default:
		return errors.New("engine.device must be one of auto|cuda|mps|cpu")
	}
	if cfg.Engine.Instances <= 0 {
		return errors.New("engine.instances must be >= 1")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	if len(cfg.Engine.Languages) == 0 {
		return errors.New("engine.languages must not be empty")
	}
	if !containsFold(cfg.Engine.Languages, cfg.Engine.DefaultLanguage) {
		return errors.New("engine.default_language must be a member of engine.languages")
	}
	if cfg.Synthesis.MaxTextChars <= 0 {
		return errors.New("synthesis.max_text_chars must be positive")
	}
	if cfg.Synthesis.QueueDepth <= 0 {
		return errors.New("synthesis.queue_depth must be >= 1")
	}
	if cfg.Synthesis.QueueTimeoutMS < 0 {
		return errors.New("synthesis.queue_timeout_ms must be >= 0")
	}
	if cfg.Synthesis.SynthTimeoutMS <= 0 {
		return errors.New("synthesis.synth_timeout_ms must be positive")
	}
	if err := validateParams(cfg.Synthesis.Defaults); err != nil {
		return err
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatIntervalMS <= 0 {
			return errors.New("bus.heartbeat_interval_ms must be positive")
		}
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.History.RetentionMode == "persistent" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}

// validateParams checks the bounds the synthesis model accepts;
// requests outside them are rejected before queueing, so the
// configured defaults must pass too.
func validateParams(p SynthesisParams) error {
	if p.Exaggeration < 0.25 || p.Exaggeration > 2.0 {
		return errors.New("synthesis.defaults.exaggeration must be between 0.25 and 2.0")
	}
	if p.Temperature < 0.05 || p.Temperature > 5.0 {
		return errors.New("synthesis.defaults.temperature must be between 0.05 and 5.0")
	}
	if p.CFGWeight < 0 || p.CFGWeight > 1 {
		return errors.New("synthesis.defaults.cfg_weight must be between 0.0 and 1.0")
	}
	if p.RepetitionPenalty < 1.0 || p.RepetitionPenalty > 3.0 {
		return errors.New("synthesis.defaults.repetition_penalty must be between 1.0 and 3.0")
	}
	if p.MinP < 0 || p.MinP > 1 {
		return errors.New("synthesis.defaults.min_p must be between 0.0 and 1.0")
	}
	if p.TopP < 0 || p.TopP > 1 {
		return errors.New("synthesis.defaults.top_p must be between 0.0 and 1.0")
	}
	return nil
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
