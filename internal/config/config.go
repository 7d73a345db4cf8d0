// Package config provides configuration management for Converge.
// It loads settings from environment variables with the CONVERGE_ prefix
// and provides sensible defaults for all configuration options.
//
// An optional YAML file can overlay the environment: values present in the
// file take precedence over environment variables, mirroring how deploys
// pin a known-good configuration while ad-hoc runs rely on the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for a Converge client process.
type Config struct {
	Store       StoreConfig
	Coordinator CoordinatorConfig
	Resilience  ResilienceConfig
	Metrics     MetricsConfig
	Logging     LoggingConfig
}

// StoreConfig selects and parameterizes the store gateway.
type StoreConfig struct {
	Engine     string        // Store engine: sqlite, postgres (default: sqlite)
	DSN        string        // Data source name (default: file:converge.db)
	IndexDelay time.Duration // Index visibility lag for the sqlite engine (default: 2s)
}

// CoordinatorConfig parameterizes the orchestration components.
type CoordinatorConfig struct {
	PollInterval      time.Duration // Pause between index queries (default: 500ms)
	MaxAttempts       int           // Index queries per convergence wait (default: 10)
	BatchSize         int           // Items per store round trip (default: 25)
	ExpandConcurrency int           // Concurrent hit expansions (default: 4)
	DeleteConcurrency int           // Concurrent delete chunks (default: 2)
	SearchWindow      time.Duration // Default lookback for index queries (default: 24h)
}

// ResilienceConfig parameterizes the circuit breaker and client-side rate
// limit around the store gateway.
type ResilienceConfig struct {
	BreakerMaxFailures   int           // Consecutive transport failures before the breaker opens (default: 3)
	BreakerOpenTimeout   time.Duration // How long the breaker stays open (default: 30s)
	BreakerHalfOpenCalls int           // Probe calls allowed while half-open (default: 2)
	RatePerSec           float64       // Outbound request rate limit, 0 disables (default: 0)
	RateBurst            int           // Rate limiter burst size (default: 1)
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   // Serve /metrics over HTTP (default: false)
	Addr    string // Listen address for the metrics endpoint (default: 127.0.0.1:9464)
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string // Log level: debug, info, warn, error (default: info)
	Format string // Log output format: text, json (default: text)
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the CONVERGE_ prefix.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromFile loads configuration from environment variables and
// then overlays the YAML file at path. Values present in the file take
// precedence over environment variables; absent values keep the
// environment-or-default result.
func LoadConfigFromFile(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	cfg := buildBaseConfig()
	if err := applyFile(cfg, &fc); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration before use.
func (c *Config) Validate() error {
	switch c.Store.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store engine %q (want sqlite or postgres)", c.Store.Engine)
	}
	if c.Store.DSN == "" {
		return errors.New("config: store DSN is required")
	}
	if c.Store.IndexDelay < 0 {
		return fmt.Errorf("config: index delay must be >= 0, got %v", c.Store.IndexDelay)
	}

	if c.Coordinator.PollInterval < 0 {
		return fmt.Errorf("config: poll interval must be >= 0, got %v", c.Coordinator.PollInterval)
	}
	if c.Coordinator.MaxAttempts < 1 {
		return fmt.Errorf("config: max poll attempts must be >= 1, got %d", c.Coordinator.MaxAttempts)
	}
	if c.Coordinator.BatchSize < 1 {
		return fmt.Errorf("config: batch size must be >= 1, got %d", c.Coordinator.BatchSize)
	}
	if c.Coordinator.ExpandConcurrency < 1 {
		return fmt.Errorf("config: expand concurrency must be >= 1, got %d", c.Coordinator.ExpandConcurrency)
	}
	if c.Coordinator.DeleteConcurrency < 1 {
		return fmt.Errorf("config: delete concurrency must be >= 1, got %d", c.Coordinator.DeleteConcurrency)
	}
	if c.Coordinator.SearchWindow <= 0 {
		return fmt.Errorf("config: search window must be > 0, got %v", c.Coordinator.SearchWindow)
	}

	if c.Resilience.BreakerMaxFailures < 1 {
		return fmt.Errorf("config: breaker max failures must be >= 1, got %d", c.Resilience.BreakerMaxFailures)
	}
	if c.Resilience.BreakerOpenTimeout <= 0 {
		return fmt.Errorf("config: breaker open timeout must be > 0, got %v", c.Resilience.BreakerOpenTimeout)
	}
	if c.Resilience.BreakerHalfOpenCalls < 1 {
		return fmt.Errorf("config: breaker half-open calls must be >= 1, got %d", c.Resilience.BreakerHalfOpenCalls)
	}
	if c.Resilience.RatePerSec < 0 {
		return fmt.Errorf("config: rate per second must be >= 0, got %v", c.Resilience.RatePerSec)
	}
	if c.Resilience.RateBurst < 1 {
		return fmt.Errorf("config: rate burst must be >= 1, got %d", c.Resilience.RateBurst)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("config: metrics address is required when metrics are enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}

	return nil
}

// fileConfig is the YAML overlay shape. Pointer fields distinguish "absent"
// from "zero"; durations are strings parsed with time.ParseDuration.
type fileConfig struct {
	Store struct {
		Engine     *string `yaml:"engine"`
		DSN        *string `yaml:"dsn"`
		IndexDelay *string `yaml:"index_delay"`
	} `yaml:"store"`
	Coordinator struct {
		PollInterval      *string `yaml:"poll_interval"`
		MaxAttempts       *int    `yaml:"max_attempts"`
		BatchSize         *int    `yaml:"batch_size"`
		ExpandConcurrency *int    `yaml:"expand_concurrency"`
		DeleteConcurrency *int    `yaml:"delete_concurrency"`
		SearchWindow      *string `yaml:"search_window"`
	} `yaml:"coordinator"`
	Resilience struct {
		BreakerMaxFailures   *int     `yaml:"breaker_max_failures"`
		BreakerOpenTimeout   *string  `yaml:"breaker_open_timeout"`
		BreakerHalfOpenCalls *int     `yaml:"breaker_half_open_calls"`
		RatePerSec           *float64 `yaml:"rate_per_sec"`
		RateBurst            *int     `yaml:"rate_burst"`
	} `yaml:"resilience"`
	Metrics struct {
		Enabled *bool   `yaml:"enabled"`
		Addr    *string `yaml:"addr"`
	} `yaml:"metrics"`
	Logging struct {
		Level  *string `yaml:"level"`
		Format *string `yaml:"format"`
	} `yaml:"logging"`
}

// applyFile overlays file values onto cfg.
func applyFile(cfg *Config, fc *fileConfig) error {
	if fc.Store.Engine != nil {
		cfg.Store.Engine = *fc.Store.Engine
	}
	if fc.Store.DSN != nil {
		cfg.Store.DSN = *fc.Store.DSN
	}
	if err := overlayDuration(&cfg.Store.IndexDelay, fc.Store.IndexDelay, "store.index_delay"); err != nil {
		return err
	}

	if err := overlayDuration(&cfg.Coordinator.PollInterval, fc.Coordinator.PollInterval, "coordinator.poll_interval"); err != nil {
		return err
	}
	if fc.Coordinator.MaxAttempts != nil {
		cfg.Coordinator.MaxAttempts = *fc.Coordinator.MaxAttempts
	}
	if fc.Coordinator.BatchSize != nil {
		cfg.Coordinator.BatchSize = *fc.Coordinator.BatchSize
	}
	if fc.Coordinator.ExpandConcurrency != nil {
		cfg.Coordinator.ExpandConcurrency = *fc.Coordinator.ExpandConcurrency
	}
	if fc.Coordinator.DeleteConcurrency != nil {
		cfg.Coordinator.DeleteConcurrency = *fc.Coordinator.DeleteConcurrency
	}
	if err := overlayDuration(&cfg.Coordinator.SearchWindow, fc.Coordinator.SearchWindow, "coordinator.search_window"); err != nil {
		return err
	}

	if fc.Resilience.BreakerMaxFailures != nil {
		cfg.Resilience.BreakerMaxFailures = *fc.Resilience.BreakerMaxFailures
	}
	if err := overlayDuration(&cfg.Resilience.BreakerOpenTimeout, fc.Resilience.BreakerOpenTimeout, "resilience.breaker_open_timeout"); err != nil {
		return err
	}
	if fc.Resilience.BreakerHalfOpenCalls != nil {
		cfg.Resilience.BreakerHalfOpenCalls = *fc.Resilience.BreakerHalfOpenCalls
	}
	if fc.Resilience.RatePerSec != nil {
		cfg.Resilience.RatePerSec = *fc.Resilience.RatePerSec
	}
	if fc.Resilience.RateBurst != nil {
		cfg.Resilience.RateBurst = *fc.Resilience.RateBurst
	}

	if fc.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *fc.Metrics.Enabled
	}
	if fc.Metrics.Addr != nil {
		cfg.Metrics.Addr = *fc.Metrics.Addr
	}

	if fc.Logging.Level != nil {
		cfg.Logging.Level = *fc.Logging.Level
	}
	if fc.Logging.Format != nil {
		cfg.Logging.Format = *fc.Logging.Format
	}

	return nil
}

// overlayDuration parses an optional duration string into dst.
func overlayDuration(dst *time.Duration, src *string, field string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", field, err)
	}
	*dst = d
	return nil
}

// buildBaseConfig constructs a Config with values from environment
// variables and defaults. This is the shared base for both LoadConfig and
// LoadConfigFromFile.
func buildBaseConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Engine:     getEnv("CONVERGE_STORE_ENGINE", "sqlite"),
			DSN:        getEnv("CONVERGE_STORE_DSN", "file:converge.db"),
			IndexDelay: getEnvDuration("CONVERGE_INDEX_DELAY", 2*time.Second),
		},
		Coordinator: CoordinatorConfig{
			PollInterval:      getEnvDuration("CONVERGE_POLL_INTERVAL", 500*time.Millisecond),
			MaxAttempts:       getEnvInt("CONVERGE_MAX_POLL_ATTEMPTS", 10),
			BatchSize:         getEnvInt("CONVERGE_BATCH_SIZE", 25),
			ExpandConcurrency: getEnvInt("CONVERGE_EXPAND_CONCURRENCY", 4),
			DeleteConcurrency: getEnvInt("CONVERGE_DELETE_CONCURRENCY", 2),
			SearchWindow:      getEnvDuration("CONVERGE_SEARCH_WINDOW", 24*time.Hour),
		},
		Resilience: ResilienceConfig{
			BreakerMaxFailures:   getEnvInt("CONVERGE_BREAKER_MAX_FAILURES", 3),
			BreakerOpenTimeout:   getEnvDuration("CONVERGE_BREAKER_OPEN_TIMEOUT", 30*time.Second),
			BreakerHalfOpenCalls: getEnvInt("CONVERGE_BREAKER_HALF_OPEN_CALLS", 2),
			RatePerSec:           getEnvFloat("CONVERGE_RATE_PER_SEC", 0),
			RateBurst:            getEnvInt("CONVERGE_RATE_BURST", 1),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("CONVERGE_METRICS_ENABLED", false),
			Addr:    getEnv("CONVERGE_METRICS_ADDR", "127.0.0.1:9464"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("CONVERGE_LOG_LEVEL", "info"),
			Format: getEnv("CONVERGE_LOG_FORMAT", "text"),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the environment variable exists but cannot be parsed as an
// integer, it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "500ms", "2s") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" as true and "false", "0", "no"
// as false (case-insensitive). If the environment variable exists but
// cannot be parsed as a boolean, it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
