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
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Sessions    SessionsConfig  `yaml:"sessions"`
	Journal     JournalConfig   `yaml:"journal"`
	Extract     ExtractConfig   `yaml:"extract"`
	Denoise     DenoiseConfig   `yaml:"denoise"`
	STT         STTConfig       `yaml:"stt"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Dir          string   `yaml:"dir"`
	MaxUploadMB  int      `yaml:"max_upload_mb"`
	AllowedTypes []string `yaml:"allowed_types"`
}

type SessionsConfig struct {
	MaxActive      int `yaml:"max_active"`
	IdleTTLMin     int `yaml:"idle_ttl_min"`
	SweepIntervalS int `yaml:"sweep_interval_s"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ExtractConfig struct {
	Mode       string `yaml:"mode"` // ffmpeg, mock
	FFmpegPath string `yaml:"ffmpeg_path"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutS   int    `yaml:"timeout_s"`
}

type DenoiseConfig struct {
	Mode       string `yaml:"mode"` // ffmpeg, exec, mock
	FFmpegPath string `yaml:"ffmpeg_path"`
	Filter     string `yaml:"filter"`
	Command    string `yaml:"command"`
	TimeoutS   int    `yaml:"timeout_s"`
}

type STTConfig struct {
	Mode             string `yaml:"mode"` // mock, exec, http
	Command          string `yaml:"command"`
	ModelPath        string `yaml:"model_path"`
	Language         string `yaml:"language"`
	Endpoint         string `yaml:"endpoint"`
	TimeoutS         int    `yaml:"timeout_s"`
	RetryMaxElapsedS int    `yaml:"retry_max_elapsed_s"`
}

func Default() Config {
	return Config{
		ServiceName: "lectern",
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
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Dir:          "",
			MaxUploadMB:  1024,
			AllowedTypes: []string{"mp4", "mov", "avi", "mkv"},
		},
		Sessions: SessionsConfig{
			MaxActive:      8,
			IdleTTLMin:     60,
			SweepIntervalS: 60,
		},
		Journal: JournalConfig{
			Path:          "./data/lectern-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Extract: ExtractConfig{
			Mode:       "ffmpeg",
			FFmpegPath: "ffmpeg",
			SampleRate: 16000,
			Channels:   1,
			TimeoutS:   600,
		},
		Denoise: DenoiseConfig{
			Mode:       "ffmpeg",
			FFmpegPath: "ffmpeg",
			Filter:     "afftdn=nr=12:nf=-25",
			TimeoutS:   600,
		},
		STT: STTConfig{
			Mode:             "mock",
			Language:         "",
			TimeoutS:         1800,
			RetryMaxElapsedS: 15,
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
	overrideString(&cfg.ServiceName, "LECTERN_SERVICE_NAME")
	overrideString(&cfg.Environment, "LECTERN_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LECTERN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LECTERN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LECTERN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LECTERN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LECTERN_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LECTERN_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LECTERN_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LECTERN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LECTERN_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LECTERN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LECTERN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LECTERN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LECTERN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LECTERN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LECTERN_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Dir, "LECTERN_STORE_DIR")
	overrideInt(&cfg.Store.MaxUploadMB, "LECTERN_STORE_MAX_UPLOAD_MB")
	overrideStringSlice(&cfg.Store.AllowedTypes, "LECTERN_STORE_ALLOWED_TYPES")
	overrideInt(&cfg.Sessions.MaxActive, "LECTERN_SESSIONS_MAX_ACTIVE")
	overrideInt(&cfg.Sessions.IdleTTLMin, "LECTERN_SESSIONS_IDLE_TTL_MIN")
	overrideInt(&cfg.Sessions.SweepIntervalS, "LECTERN_SESSIONS_SWEEP_INTERVAL_S")
	overrideString(&cfg.Journal.Path, "LECTERN_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LECTERN_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LECTERN_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "LECTERN_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LECTERN_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.Extract.Mode, "LECTERN_EXTRACT_MODE")
	overrideString(&cfg.Extract.FFmpegPath, "LECTERN_EXTRACT_FFMPEG_PATH")
	overrideInt(&cfg.Extract.SampleRate, "LECTERN_EXTRACT_SAMPLE_RATE")
	overrideInt(&cfg.Extract.Channels, "LECTERN_EXTRACT_CHANNELS")
	overrideInt(&cfg.Extract.TimeoutS, "LECTERN_EXTRACT_TIMEOUT_S")
	overrideString(&cfg.Denoise.Mode, "LECTERN_DENOISE_MODE")
	overrideString(&cfg.Denoise.FFmpegPath, "LECTERN_DENOISE_FFMPEG_PATH")
	overrideString(&cfg.Denoise.Filter, "LECTERN_DENOISE_FILTER")
	overrideString(&cfg.Denoise.Command, "LECTERN_DENOISE_COMMAND")
	overrideInt(&cfg.Denoise.TimeoutS, "LECTERN_DENOISE_TIMEOUT_S")
	overrideString(&cfg.STT.Mode, "LECTERN_STT_MODE")
	overrideString(&cfg.STT.Command, "LECTERN_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LECTERN_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LECTERN_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "LECTERN_STT_ENDPOINT")
	overrideInt(&cfg.STT.TimeoutS, "LECTERN_STT_TIMEOUT_S")
	overrideInt(&cfg.STT.RetryMaxElapsedS, "LECTERN_STT_RETRY_MAX_ELAPSED_S")
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
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
	if cfg.Store.MaxUploadMB < 0 {
		return errors.New("store.max_upload_mb must be >= 0")
	}
	if len(cfg.Store.AllowedTypes) == 0 {
		return errors.New("store.allowed_types must not be empty")
	}
	if cfg.Sessions.MaxActive <= 0 {
		return errors.New("sessions.max_active must be >= 1")
	}
	if cfg.Sessions.IdleTTLMin < 0 {
		return errors.New("sessions.idle_ttl_min must be >= 0")
	}
	if cfg.Sessions.IdleTTLMin > 0 && cfg.Sessions.SweepIntervalS <= 0 {
		return errors.New("sessions.sweep_interval_s must be positive when idle sweeping is enabled")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Extract.Mode {
	case "ffmpeg", "mock":
	default:
		return errors.New("extract.mode must be one of ffmpeg|mock")
	}
	if cfg.Extract.SampleRate <= 0 {
		return errors.New("extract.sample_rate must be positive")
	}
	if cfg.Extract.Channels <= 0 {
		return errors.New("extract.channels must be positive")
	}
	if cfg.Extract.TimeoutS <= 0 {
		return errors.New("extract.timeout_s must be positive")
	}
	switch cfg.Denoise.Mode {
	case "ffmpeg", "exec", "mock":
	default:
		return errors.New("denoise.mode must be one of ffmpeg|exec|mock")
	}
	if cfg.Denoise.Mode == "ffmpeg" && cfg.Denoise.Filter == "" {
		return errors.New("denoise.filter must be set when mode=ffmpeg")
	}
	if cfg.Denoise.Mode == "exec" && cfg.Denoise.Command == "" {
		return errors.New("denoise.command must be set when mode=exec")
	}
	if cfg.Denoise.TimeoutS <= 0 {
		return errors.New("denoise.timeout_s must be positive")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("stt.mode must be one of mock|exec|http")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "http" && cfg.STT.Endpoint == "" {
		return errors.New("stt.endpoint must be set when mode=http")
	}
	if cfg.STT.TimeoutS <= 0 {
		return errors.New("stt.timeout_s must be positive")
	}
	return nil
}
