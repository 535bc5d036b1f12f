package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Upstream Upstream `yaml:"upstream"`
	Sync     Sync     `yaml:"sync"`
	Storage  Storage  `yaml:"storage"`
	Health   Health   `yaml:"health"`
	Archive  Archive  `yaml:"archive"`
	Server   Server   `yaml:"server"`
	LogLevel string   `yaml:"log_level"`
}

// Upstream represents the external statistics API configuration
type Upstream struct {
	BaseURL    string   `yaml:"base_url"`
	APIKeys    []string `yaml:"api_keys"`
	DailyLimit int      `yaml:"daily_limit"`
	TimeoutMs  int      `yaml:"timeout_ms"`
}

// Sync represents sync-engine configuration
type Sync struct {
	Series         []SeriesRef `yaml:"series"`
	BatchSize      int         `yaml:"batch_size"`
	RetryAttempts  int         `yaml:"retry_attempts"`
	RetryBackoffMs int         `yaml:"retry_backoff_ms"`
	MaxConcurrent  int         `yaml:"max_concurrent"`
	PaceRPS        int         `yaml:"pace_rps"`
	ValidateData   bool        `yaml:"validate_data"`
	KeyBlockHours  int         `yaml:"key_block_hours"`
	Checkpoint     string      `yaml:"checkpoint"`
}

// SeriesRef identifies one catalog entry to keep synchronized
type SeriesRef struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
}

// Storage represents relational store configuration
type Storage struct {
	Path              string `yaml:"path"`
	Retries           int    `yaml:"retries"`
	RetryBackoffMs    int    `yaml:"retry_backoff_ms"`
	BreakerThreshold  int    `yaml:"breaker_threshold"`
	BreakerCooldownMs int    `yaml:"breaker_cooldown_ms"`
}

// Health represents health-monitor configuration
type Health struct {
	CheckIntervalSec int `yaml:"check_interval_sec"`
	HistorySize      int `yaml:"history_size"`
}

// Archive represents the optional raw-payload archive target (S3 compatible)
type Archive struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
}

// Server represents the HTTP server configuration
type Server struct {
	Addr string `yaml:"addr"`
}

// Enabled reports whether payload archiving is configured
func (a Archive) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		Upstream: Upstream{
			DailyLimit: 500,
			TimeoutMs:  15000,
		},
		Sync: Sync{
			BatchSize:      50,
			RetryAttempts:  3,
			RetryBackoffMs: 500,
			MaxConcurrent:  1,
			PaceRPS:        5,
			ValidateData:   true,
			KeyBlockHours:  24,
			Checkpoint:     "./checkpoint.db",
		},
		Storage: Storage{
			Path:              "./laborsync.db",
			Retries:           3,
			RetryBackoffMs:    200,
			BreakerThreshold:  5,
			BreakerCooldownMs: 30000,
		},
		Health: Health{
			CheckIntervalSec: 60,
			HistorySize:      100,
		},
		Server: Server{
			Addr: ":8080",
		},
		LogLevel: "info",
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}

	if flags.Changed("upstream-url") {
		cfg.Upstream.BaseURL, _ = flags.GetString("upstream-url")
	}
	if flags.Changed("api-keys") {
		keys, _ := flags.GetString("api-keys")
		cfg.Upstream.APIKeys = splitKeys(keys)
	}
	if flags.Changed("daily-limit") {
		cfg.Upstream.DailyLimit, _ = flags.GetInt("daily-limit")
	}

	if flags.Changed("series") {
		ids, _ := flags.GetString("series")
		cfg.Sync.Series = nil
		for _, id := range splitKeys(ids) {
			cfg.Sync.Series = append(cfg.Sync.Series, SeriesRef{ID: id})
		}
	}
	if flags.Changed("batch-size") {
		cfg.Sync.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("retries") {
		cfg.Sync.RetryAttempts, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Sync.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("checkpoint") {
		cfg.Sync.Checkpoint, _ = flags.GetString("checkpoint")
	}

	if flags.Changed("db") {
		cfg.Storage.Path, _ = flags.GetString("db")
	}
	if flags.Changed("breaker-threshold") {
		cfg.Storage.BreakerThreshold, _ = flags.GetInt("breaker-threshold")
	}
	if flags.Changed("breaker-cooldown-ms") {
		cfg.Storage.BreakerCooldownMs, _ = flags.GetInt("breaker-cooldown-ms")
	}

	if flags.Changed("check-interval") {
		cfg.Health.CheckIntervalSec, _ = flags.GetInt("check-interval")
	}
	if flags.Changed("history-size") {
		cfg.Health.HistorySize, _ = flags.GetInt("history-size")
	}

	if flags.Changed("listen") {
		cfg.Server.Addr, _ = flags.GetString("listen")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base URL is required")
	}
	if len(c.Upstream.APIKeys) == 0 {
		return fmt.Errorf("at least one API key is required")
	}
	if c.Upstream.DailyLimit <= 0 {
		return fmt.Errorf("daily limit must be positive")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.Storage.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive")
	}

	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Sync.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative")
	}
	if c.Sync.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent must be positive")
	}

	if c.Health.CheckIntervalSec <= 0 {
		return fmt.Errorf("check interval must be positive")
	}
	if c.Health.HistorySize <= 0 {
		return fmt.Errorf("history size must be positive")
	}

	return nil
}
