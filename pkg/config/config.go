package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/observability"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/chatapi"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/demux"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/documents"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/kv"
)

// maxConfigSize bounds the config file read.
const maxConfigSize = 1 << 20

// Environment overrides.
const (
	EnvAPIBaseURL    = "LESSONCHAT_API_BASE_URL"
	EnvStorageDriver = "LESSONCHAT_STORAGE_DRIVER"
	EnvStoragePath   = "LESSONCHAT_STORAGE_PATH"
	EnvRedisAddr     = "LESSONCHAT_REDIS_ADDR"
	EnvLogMode       = "LESSONCHAT_LOG_MODE"
)

// Config represents the application configuration
type Config struct {
	API           chatapi.Config      `yaml:"api"`
	Storage       StorageConfig       `yaml:"storage"`
	Lesson        LessonConfig        `yaml:"lesson"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StorageConfig selects where credentials and chat history are kept.
type StorageConfig struct {
	Driver string      `yaml:"driver"` // memory, file, bolt, redis
	Path   string      `yaml:"path"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the redis driver.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LessonConfig tunes lesson-plan generation.
type LessonConfig struct {
	// Marker separates the chat preamble from the document body.
	Marker        string        `yaml:"marker"`
	AutosaveDelay time.Duration `yaml:"autosave_delay"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Mode  string `yaml:"mode"` // development, production
	Level string `yaml:"level"`
}

// ObservabilityConfig holds tracing and metrics settings.
type ObservabilityConfig struct {
	Tracing     observability.Config `yaml:"tracing"`
	MetricsAddr string               `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: chatapi.Config{
			BaseURL:   chatapi.DefaultBaseURL,
			Timeout:   30 * time.Second,
			SendRate:  1,
			SendBurst: 3,
		},
		Storage: StorageConfig{
			Driver: kv.DriverBolt,
			Path:   filepath.Join(DefaultDir(), "lessonchat.db"),
		},
		Lesson: LessonConfig{
			Marker:        demux.DefaultMarker,
			AutosaveDelay: documents.DefaultSaveDelay,
		},
		Log: LogConfig{Mode: "development", Level: "warn"},
		Observability: ObservabilityConfig{
			Tracing: observability.Config{
				ServiceName:  observability.DefaultServiceName,
				ExporterType: observability.ExporterNone,
			},
			MetricsAddr: ":9464",
		},
	}
}

// DefaultDir is ~/.lessonchat, or ./.lessonchat when the home directory
// is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".lessonchat"
	}
	return filepath.Join(home, ".lessonchat")
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Load reads path if it exists and falls back to defaults otherwise.
// Environment overrides apply either way.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg, err := LoadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		cfg.ApplyEnv(os.Getenv)
		return cfg, nil
	}
	return cfg, err
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.API.BaseURL == "" {
		c.API.BaseURL = def.API.BaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = def.API.Timeout
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Storage.Path == "" && c.Storage.Driver == kv.DriverBolt {
		c.Storage.Path = def.Storage.Path
	}
	if c.Storage.Path == "" && c.Storage.Driver == kv.DriverFile {
		c.Storage.Path = filepath.Join(DefaultDir(), "data")
	}
	if c.Lesson.Marker == "" {
		c.Lesson.Marker = def.Lesson.Marker
	}
	if c.Lesson.AutosaveDelay == 0 {
		c.Lesson.AutosaveDelay = def.Lesson.AutosaveDelay
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = def.Observability.Tracing.ServiceName
	}
}

// ApplyEnv overrides fields from the LESSONCHAT_* environment variables and
// the tracing section from the OTEL_* ones.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIBaseURL); v != "" {
		c.API.BaseURL = v
	}
	if v := getenv(EnvStorageDriver); v != "" {
		c.Storage.Driver = v
	}
	if v := getenv(EnvStoragePath); v != "" {
		c.Storage.Path = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := getenv(EnvLogMode); v != "" {
		c.Log.Mode = v
	}
	c.Observability.Tracing.ApplyEnv(getenv)
}

// KVOptions converts the storage section for kv.Open.
func (s StorageConfig) KVOptions() kv.Options {
	return kv.Options{
		Driver: s.Driver,
		Path:   s.Path,
		Redis: kv.RedisConfig{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			Prefix:   s.Redis.Prefix,
		},
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL)
	}
	if c.API.SendRate < 0 {
		return fmt.Errorf("api.send_rate must not be negative")
	}

	switch c.Storage.Driver {
	case kv.DriverMemory:
	case kv.DriverFile, kv.DriverBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver)
		}
	case kv.DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	if c.Lesson.Marker == "" {
		return fmt.Errorf("lesson.marker is required")
	}

	switch strings.ToLower(c.Log.Mode) {
	case "", "dev", "development", "prod", "production":
	default:
		return fmt.Errorf("unknown log.mode %q", c.Log.Mode)
	}

	switch c.Observability.Tracing.ExporterType {
	case "", observability.ExporterNone, observability.ExporterStdout, observability.ExporterOTLP:
	default:
		return fmt.Errorf("unknown observability.tracing.exporter %q", c.Observability.Tracing.ExporterType)
	}

	return nil
}
