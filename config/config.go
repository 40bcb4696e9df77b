// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voyagelab/apimeter/domain/usage"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	APIs      map[string]APIConfig `yaml:"apis"`
	Retry     RetryConfig          `yaml:"retry"`
	Retention RetentionConfig      `yaml:"retention"`
	Stream    StreamConfig         `yaml:"stream"`
	Cost      CostConfig           `yaml:"cost"`
	Database  DatabaseConfig       `yaml:"database"`
	Logging   LoggingConfig        `yaml:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// APIConfig configures admission control for one metered API.
type APIConfig struct {
	RatePerSec    float64       `yaml:"rate_per_sec"`
	Burst         float64       `yaml:"burst"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxWait       time.Duration `yaml:"max_wait"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

// RetryConfig configures the transient-failure retry loop.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Base        time.Duration `yaml:"base"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	JitterFrac  float64       `yaml:"jitter_frac"`
}

// RetentionConfig bounds the in-memory event log.
type RetentionConfig struct {
	MaxEvents int           `yaml:"max_events"`
	MaxAge    time.Duration `yaml:"max_age"`
}

// StreamConfig configures the realtime dashboard stream.
type StreamConfig struct {
	OutboxSize  int `yaml:"outbox_size"`
	RecentLimit int `yaml:"recent_limit"`
}

// CostConfig configures the startup rate table.
type CostConfig struct {
	RatesPerCallUSD map[string]float64 `yaml:"rates_per_call_usd"`
	IncludeErrors   bool               `yaml:"include_errors"`
}

// DatabaseConfig configures optional event persistence. An empty DSN
// disables persistence; the engine then starts with an empty log.
type DatabaseConfig struct {
	DSN           string        `yaml:"dsn"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration, with APIMETER_*
// environment overrides applied. Used when no config file is given.
func Default() *Config {
	var cfg Config
	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg
}

// applyEnvOverrides applies APIMETER_* environment variables to the
// config. Environment variables always override file-based values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APIMETER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("APIMETER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APIMETER_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("APIMETER_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	if v := os.Getenv("APIMETER_RETENTION_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.MaxEvents = n
		}
	}
	if v := os.Getenv("APIMETER_RETENTION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.MaxAge = d
		}
	}

	if v := os.Getenv("APIMETER_COST_INCLUDE_ERRORS"); v != "" {
		cfg.Cost.IncludeErrors = parseBool(v)
	}

	if v := os.Getenv("APIMETER_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("APIMETER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("APIMETER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.APIs == nil {
		cfg.APIs = make(map[string]APIConfig)
	}
	for _, k := range usage.Kinds {
		api := cfg.APIs[string(k)]
		if api.RatePerSec == 0 {
			api.RatePerSec = 5
		}
		if api.Burst == 0 {
			api.Burst = 10
		}
		if api.MaxConcurrent == 0 {
			api.MaxConcurrent = 8
		}
		if api.MaxWait == 0 {
			api.MaxWait = 10 * time.Second
		}
		if api.Cooldown == 0 {
			api.Cooldown = 5 * time.Second
		}
		cfg.APIs[string(k)] = api
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.Base == 0 {
		cfg.Retry.Base = 10 * time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 60 * time.Second
	}
	if cfg.Retry.JitterFrac == 0 {
		cfg.Retry.JitterFrac = 0.3
	}

	if cfg.Retention.MaxEvents == 0 {
		cfg.Retention.MaxEvents = 10000
	}
	if cfg.Retention.MaxAge == 0 {
		cfg.Retention.MaxAge = 30 * 24 * time.Hour
	}

	if cfg.Stream.OutboxSize == 0 {
		cfg.Stream.OutboxSize = 16
	}
	if cfg.Stream.RecentLimit == 0 {
		cfg.Stream.RecentLimit = 25
	}

	if cfg.Cost.RatesPerCallUSD == nil {
		cfg.Cost.RatesPerCallUSD = make(map[string]float64)
	}
	defaultRates := map[string]float64{
		string(usage.KindGeneration): 0.002,
		string(usage.KindMaps):       0.005,
		string(usage.KindPlaces):     0.017,
	}
	for api, rate := range defaultRates {
		if _, ok := cfg.Cost.RatesPerCallUSD[api]; !ok {
			cfg.Cost.RatesPerCallUSD[api] = rate
		}
	}

	if cfg.Database.FlushInterval == 0 {
		cfg.Database.FlushInterval = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	for api, ac := range cfg.APIs {
		if !usage.Kind(api).Valid() {
			return fmt.Errorf("apis.%s: unknown api, expected one of: %s", api, kindList())
		}
		if ac.RatePerSec <= 0 {
			return fmt.Errorf("apis.%s.rate_per_sec must be positive", api)
		}
		if ac.Burst < 1 {
			return fmt.Errorf("apis.%s.burst must be at least 1", api)
		}
		if ac.MaxConcurrent < 1 {
			return fmt.Errorf("apis.%s.max_concurrent must be at least 1", api)
		}
		if ac.MaxWait < 0 {
			return fmt.Errorf("apis.%s.max_wait must not be negative", api)
		}
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if cfg.Retry.JitterFrac < 0 || cfg.Retry.JitterFrac > 1 {
		return fmt.Errorf("retry.jitter_frac must be between 0 and 1")
	}

	if cfg.Retention.MaxEvents < 1 {
		return fmt.Errorf("retention.max_events must be at least 1")
	}

	for api, rate := range cfg.Cost.RatesPerCallUSD {
		if !usage.Kind(api).Valid() {
			return fmt.Errorf("cost.rates_per_call_usd.%s: unknown api, expected one of: %s", api, kindList())
		}
		if rate < 0 {
			return fmt.Errorf("cost.rates_per_call_usd.%s must not be negative", api)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}

func kindList() string {
	names := make([]string, len(usage.Kinds))
	for i, k := range usage.Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
