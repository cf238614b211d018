// Package config loads and validates the application's yaml configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config represents the entire application configuration.
type Config struct {
	DatabasePath string         `yaml:"database_path"`
	StagingDir   string         `yaml:"staging_dir"`
	LogLevel     string         `yaml:"log_level"`
	Facebook     FacebookConfig `yaml:"facebook"`
	Accounts     []string       `yaml:"accounts"`
	Sync         SyncConfig     `yaml:"sync"`
}

// FacebookConfig holds Marketing API settings. The access token may be given
// inline or as a path to a file holding it, which keeps the token out of the
// main configuration file.
type FacebookConfig struct {
	AccessToken     string `yaml:"access_token"`
	AccessTokenFile string `yaml:"access_token_file"`
	APIVersion      string `yaml:"api_version"`
}

// SyncConfig holds the run parameters of a sync pass. Durations use Go
// duration syntax, for example "10m".
type SyncConfig struct {
	DatePreset       string `yaml:"date_preset"`
	DateStartStr     string `yaml:"date_start"`
	DateEndStr       string `yaml:"date_end"`
	DateBatches      int    `yaml:"date_batches"`
	PaceIntervalStr  string `yaml:"pace_interval"`
	BatchCooldownStr string `yaml:"batch_cooldown"`
	MaxAttempts      int    `yaml:"max_attempts"`
	BackoffStr       string `yaml:"backoff"`
	Concurrency      int    `yaml:"concurrency"`
	IntervalStr      string `yaml:"interval"`

	// Parsed from the string fields above.
	DateStart     time.Time     `yaml:"-"`
	DateEnd       time.Time     `yaml:"-"`
	PaceInterval  time.Duration `yaml:"-"`
	BatchCooldown time.Duration `yaml:"-"`
	Backoff       time.Duration `yaml:"-"`
	Interval      time.Duration `yaml:"-"`
}

// Load loads and validates the configuration from the given file path.
func Load(filePath string) (*Config, error) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", filePath)
	}

	configFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(configFile, &cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to parse YAML config file: %w", err)
	}

	if err := validateAndPrepare(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateAndPrepare checks for required fields and sets up derived values.
func validateAndPrepare(c *Config) error {
	// General
	if c.DatabasePath == "" {
		return errors.New("database_path is missing")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	// Facebook
	fc := &c.Facebook
	if fc.AccessToken == "" && fc.AccessTokenFile == "" {
		return errors.New("one of facebook.access_token or facebook.access_token_file is required")
	}
	if fc.AccessToken == "" {
		token, err := os.ReadFile(fc.AccessTokenFile)
		if err != nil {
			return fmt.Errorf("could not read facebook.access_token_file: %w", err)
		}
		fc.AccessToken = strings.TrimSpace(string(token))
		if fc.AccessToken == "" {
			return fmt.Errorf("facebook.access_token_file %q is empty", fc.AccessTokenFile)
		}
	}

	// Accounts
	if len(c.Accounts) < 1 {
		return errors.New("at least one account id should be supplied")
	}
	for _, id := range c.Accounts {
		if id == "" {
			return errors.New("empty account id in accounts list")
		}
	}

	// Sync
	sc := &c.Sync
	if sc.DateStartStr != "" || sc.DateEndStr != "" {
		if sc.DateStartStr == "" || sc.DateEndStr == "" {
			return errors.New("sync.date_start and sync.date_end must be set together")
		}
		start, err := time.Parse("2006-01-02", sc.DateStartStr)
		if err != nil {
			return fmt.Errorf("invalid sync.date_start format: %w", err)
		}
		end, err := time.Parse("2006-01-02", sc.DateEndStr)
		if err != nil {
			return fmt.Errorf("invalid sync.date_end format: %w", err)
		}
		if end.Before(start) {
			return errors.New("sync.date_end is before sync.date_start")
		}
		sc.DateStart, sc.DateEnd = start, end
	}
	var err error
	if sc.PaceInterval, err = parseDuration("sync.pace_interval", sc.PaceIntervalStr); err != nil {
		return err
	}
	if sc.BatchCooldown, err = parseDuration("sync.batch_cooldown", sc.BatchCooldownStr); err != nil {
		return err
	}
	if sc.Backoff, err = parseDuration("sync.backoff", sc.BackoffStr); err != nil {
		return err
	}
	if sc.Interval, err = parseDuration("sync.interval", sc.IntervalStr); err != nil {
		return err
	}
	if sc.DateBatches < 0 {
		return errors.New("sync.date_batches may not be negative")
	}
	if sc.MaxAttempts < 0 {
		return errors.New("sync.max_attempts may not be negative")
	}

	return nil
}

// parseDuration parses an optional duration configuration value.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s may not be negative", name)
	}
	return d, nil
}

// SlogLevel maps the configured log level name to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log_level %q", c.LogLevel)
}
