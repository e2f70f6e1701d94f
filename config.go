package pumped

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes a Manager. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// MergeTimeout bounds how long an exiting scope waits for its children
	// and tasks to report. Zero waits without bound.
	MergeTimeout time.Duration `json:"merge_timeout" yaml:"merge_timeout"`

	// HistoryLimit is the number of scope summaries kept in History.
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`

	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// RetryConfig is the file form of a BackoffPolicy
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	Jitter       bool          `json:"jitter" yaml:"jitter"`
	MaxElapsed   time.Duration `json:"max_elapsed" yaml:"max_elapsed"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MergeTimeout: 5 * time.Second,
		HistoryLimit: 1000,
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
	}
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads a YAML file. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return DefaultConfig(), fmt.Errorf("load config file: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.MergeTimeout < 0 {
		return fmt.Errorf("merge_timeout must be >= 0")
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("history_limit must be >= 1")
	}
	return c.Retry.Validate()
}

func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.MaxElapsed < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if c.MaxDelay > 0 && c.InitialDelay > c.MaxDelay {
		return fmt.Errorf("retry.initial_delay must not exceed retry.max_delay")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	return nil
}

// Policy builds the backoff policy described by c
func (c RetryConfig) Policy() *BackoffPolicy {
	return &BackoffPolicy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
		Jitter:       c.Jitter,
		MaxElapsed:   c.MaxElapsed,
	}
}
