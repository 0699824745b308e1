// Package config loads, validates and defaults the export configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	API         APIConfig         `yaml:"api"`
	Export      ExportConfig      `yaml:"export"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Retry       RetryConfig       `yaml:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit_breaker"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// APIConfig represents remote API settings
type APIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"`
	PageSize   int           `yaml:"page_size"`
}

// ExportConfig represents what to export and where
type ExportConfig struct {
	OutputDir         string        `yaml:"output_dir"`
	MaxBlockDepth     int           `yaml:"max_block_depth"`
	IncludeArchived   bool          `yaml:"include_archived"`
	IncludeComments   bool          `yaml:"include_comments"`
	IncludeProperties bool          `yaml:"include_properties"`
	MemoryLimit       string        `yaml:"memory_limit"`
	Timeout           time.Duration `yaml:"timeout"`
}

// ConcurrencyConfig represents per-type concurrency ceilings
type ConcurrencyConfig struct {
	MaxConcurrency int            `yaml:"max_concurrency"`
	TypeLimits     map[string]int `yaml:"type_limits"`
	AutoTune       bool           `yaml:"auto_tune"`
	TuneInterval   time.Duration  `yaml:"tune_interval"`
}

// RateLimitConfig represents adaptive rate limiter settings
type RateLimitConfig struct {
	BaseDelay      time.Duration            `yaml:"base_delay"`
	MinDelay       time.Duration            `yaml:"min_delay"`
	MaxDelay       time.Duration            `yaml:"max_delay"`
	TypeBaseDelays map[string]time.Duration `yaml:"type_base_delays"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitConfig represents circuit breaker settings
type CircuitConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// CheckpointConfig represents checkpoint persistence settings
type CheckpointConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	BackupMaxAge  time.Duration `yaml:"backup_max_age"`
}

// MonitoringConfig represents metrics settings
type MonitoringConfig struct {
	Enabled    bool `yaml:"enabled"`
	Prometheus bool `yaml:"prometheus"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			MetricsPort: 8080,
		},
		API: APIConfig{
			BaseURL:    "https://api.notion.com",
			APIVersion: "2022-06-28",
			Timeout:    30 * time.Second,
			PageSize:   100,
		},
		Export: ExportConfig{
			OutputDir:         "./export",
			MaxBlockDepth:     10,
			IncludeArchived:   false,
			IncludeComments:   true,
			IncludeProperties: true,
			MemoryLimit:       "512MB",
			Timeout:           2 * time.Hour,
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrency: 20,
			TypeLimits: map[string]int{
				"pages":      5,
				"blocks":     8,
				"databases":  3,
				"comments":   3,
				"users":      2,
				"properties": 4,
			},
			AutoTune:     true,
			TuneInterval: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			BaseDelay: 334 * time.Millisecond,
			MinDelay:  100 * time.Millisecond,
			MaxDelay:  30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    30 * time.Second,
		},
		Circuit: CircuitConfig{
			Enabled:          true,
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			FlushInterval: 5 * time.Second,
			BackupMaxAge:  24 * time.Hour,
		},
		Monitoring: MonitoringConfig{
			Enabled:    true,
			Prometheus: true,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("PAGEVAULT_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("PAGEVAULT_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("PAGEVAULT_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	if val := os.Getenv("PAGEVAULT_API_TOKEN"); val != "" {
		c.API.Token = val
	}
	if val := os.Getenv("PAGEVAULT_API_BASE_URL"); val != "" {
		c.API.BaseURL = val
	}
	if val := os.Getenv("PAGEVAULT_API_PAGE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.API.PageSize = size
		}
	}

	if val := os.Getenv("PAGEVAULT_OUTPUT_DIR"); val != "" {
		c.Export.OutputDir = val
	}
	if val := os.Getenv("PAGEVAULT_MAX_BLOCK_DEPTH"); val != "" {
		if depth, err := strconv.Atoi(val); err == nil {
			c.Export.MaxBlockDepth = depth
		}
	}
	if val := os.Getenv("PAGEVAULT_INCLUDE_ARCHIVED"); val != "" {
		c.Export.IncludeArchived = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PAGEVAULT_INCLUDE_COMMENTS"); val != "" {
		c.Export.IncludeComments = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PAGEVAULT_INCLUDE_PROPERTIES"); val != "" {
		c.Export.IncludeProperties = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PAGEVAULT_EXPORT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Export.Timeout = d
		}
	}

	if val := os.Getenv("PAGEVAULT_MAX_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Concurrency.MaxConcurrency = n
		}
	}
	if val := os.Getenv("PAGEVAULT_AUTO_TUNE"); val != "" {
		c.Concurrency.AutoTune = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("PAGEVAULT_RATE_BASE_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.RateLimit.BaseDelay = d
		}
	}
	if val := os.Getenv("PAGEVAULT_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
	if val := os.Getenv("PAGEVAULT_CHECKPOINT_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Checkpoint.FlushInterval = d
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.API.Token == "" {
		return fmt.Errorf("api token is required (set api.token or PAGEVAULT_API_TOKEN)")
	}

	if c.API.PageSize <= 0 || c.API.PageSize > 100 {
		return fmt.Errorf("page_size must be between 1 and 100, got %d", c.API.PageSize)
	}

	if c.Export.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}

	if c.Export.MaxBlockDepth <= 0 {
		return fmt.Errorf("max_block_depth must be greater than 0")
	}

	if c.Concurrency.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be greater than 0")
	}

	for objectType, limit := range c.Concurrency.TypeLimits {
		if limit <= 0 {
			return fmt.Errorf("type_limits.%s must be greater than 0", objectType)
		}
		if limit > c.Concurrency.MaxConcurrency {
			return fmt.Errorf("type_limits.%s (%d) exceeds max_concurrency (%d)",
				objectType, limit, c.Concurrency.MaxConcurrency)
		}
	}

	if c.RateLimit.MinDelay > c.RateLimit.MaxDelay {
		return fmt.Errorf("rate_limit.min_delay cannot exceed rate_limit.max_delay")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}

	if c.Circuit.Enabled && c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be greater than 0")
	}

	if c.Checkpoint.FlushInterval <= 0 {
		return fmt.Errorf("checkpoint.flush_interval must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

// Load builds the effective configuration: defaults, then the optional file,
// then environment overrides, then validation.
func Load(path string) (*Configuration, error) {
	cfg := NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
