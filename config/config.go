// Package config loads the agentstate configuration.
//
// Configuration comes from a single YAML file named by the --config flag or the
// AGENTSTATE_CONFIG environment variable. Omitted fields keep their defaults.
// Backend property values may reference environment variables as ${VAR} or
// ${VAR:-default}, so credentials do not have to live in the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AndreasM009/agentstate-go/cache"
	"github.com/AndreasM009/agentstate-go/locator"
	"github.com/AndreasM009/agentstate-go/records"
	"github.com/AndreasM009/agentstate-go/retry"
	"github.com/AndreasM009/agentstate-go/store"
)

// EnvVar names the environment variable holding the config file path
const EnvVar = "AGENTSTATE_CONFIG"

// Config is the complete agentstate configuration
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Backend BackendConfig `yaml:"backend"`
	Store   StoreConfig   `yaml:"store"`
	Retry   RetryConfig   `yaml:"retry"`
	Locator LocatorConfig `yaml:"locator"`
	Cache   CacheConfig   `yaml:"cache"`
	Records RecordsConfig `yaml:"records"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is text or json.
	// Default: text
	Format string `yaml:"format"`
}

// BackendConfig selects the EntityStore.
type BackendConfig struct {
	// Type is one of memory, sqlite, postgres, cosmosdb, tablestorage.
	// Default: memory
	Type string `yaml:"type"`

	// Properties are handed to the backend's Init, for example "dsn" for
	// postgres or "path" for sqlite.
	Properties map[string]string `yaml:"properties"`
}

// StoreConfig configures calls to the EntityStore.
type StoreConfig struct {
	// CallTimeout bounds every store call. Zero disables the bound.
	// Default: 10s
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// RetryConfig configures conflict reconciliation.
type RetryConfig struct {
	// Default: 5
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay doubles after every conflict.
	// Default: 100ms
	BaseDelay time.Duration `yaml:"base_delay"`
}

// LocatorConfig configures client key resolution.
type LocatorConfig struct {
	// MaxRetries is the number of extra indexed lookups while the index lags.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`
	// Default: 500ms
	Backoff time.Duration `yaml:"backoff"`
}

// CacheConfig configures the write-behind cache.
type CacheConfig struct {
	// FlushThreshold flushes a record once that many events are pending. 0 disables.
	FlushThreshold int `yaml:"flush_threshold"`
	// FlushInterval runs a background flush at this period. 0 disables.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// MaxFlushFailures evicts a record after that many failed flushes in a row.
	// Default: 5
	MaxFlushFailures int `yaml:"max_flush_failures"`
}

// RecordsConfig configures the record services.
type RecordsConfig struct {
	// ListTTL is how long per-owner listings are served from memory.
	// Default: 60s
	ListTTL time.Duration `yaml:"list_ttl"`
	// InitialTransition is applied to every new record, if set.
	InitialTransition string `yaml:"initial_transition"`
}

// Default returns the default configuration: an in-memory backend and the
// documented defaults of every component.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Backend: BackendConfig{
			Type:       "memory",
			Properties: map[string]string{},
		},
		Store: StoreConfig{
			CallTimeout: store.DefaultCallTimeout,
		},
		Retry: RetryConfig{
			MaxAttempts: retry.DefaultMaxAttempts,
			BaseDelay:   retry.DefaultBaseDelay,
		},
		Locator: LocatorConfig{
			MaxRetries: locator.DefaultMaxRetries,
			Backoff:    locator.DefaultBackoff,
		},
		Cache: CacheConfig{
			MaxFlushFailures: cache.DefaultMaxFlushFailures,
		},
		Records: RecordsConfig{
			ListTTL: records.DefaultListTTL,
		},
	}
}

// Load loads the file at path. An empty path falls back to AGENTSTATE_CONFIG;
// when that is unset too the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads and validates the configuration file at path
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Backend.Properties == nil {
		cfg.Backend.Properties = map[string]string{}
	}
	for k, v := range cfg.Backend.Properties {
		cfg.Backend.Properties[k] = expandVars(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if !contains([]string{"text", "json"}, strings.ToLower(c.Log.Format)) {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if strings.TrimSpace(c.Backend.Type) == "" {
		errs = append(errs, errors.New("backend.type is required"))
	}
	if c.Store.CallTimeout < 0 {
		errs = append(errs, errors.New("store.call_timeout must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.BaseDelay < 0 {
		errs = append(errs, errors.New("retry.base_delay must not be negative"))
	}
	if c.Locator.MaxRetries < 0 {
		errs = append(errs, errors.New("locator.max_retries must not be negative"))
	}
	if c.Locator.Backoff < 0 {
		errs = append(errs, errors.New("locator.backoff must not be negative"))
	}
	if c.Cache.FlushThreshold < 0 {
		errs = append(errs, errors.New("cache.flush_threshold must not be negative"))
	}
	if c.Cache.FlushInterval < 0 {
		errs = append(errs, errors.New("cache.flush_interval must not be negative"))
	}
	if c.Records.ListTTL < 0 {
		errs = append(errs, errors.New("records.list_ttl must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Logger builds the slog logger described by the log section
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// RetryOptions returns the reconciliation settings
func (c *Config) RetryOptions(logger *slog.Logger) retry.Options {
	return retry.Options{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   disableOnZero(c.Retry.BaseDelay),
		Logger:      logger,
	}
}

// CacheOptions returns the write-behind cache settings
func (c *Config) CacheOptions(logger *slog.Logger) cache.Options {
	failures := c.Cache.MaxFlushFailures
	if failures == 0 {
		// zero in the file means never evict
		failures = -1
	}
	return cache.Options{
		FlushThreshold:   c.Cache.FlushThreshold,
		FlushInterval:    c.Cache.FlushInterval,
		MaxFlushFailures: failures,
		Retry:            c.RetryOptions(logger),
		Logger:           logger,
	}
}

// RecordOptions returns the record service settings
func (c *Config) RecordOptions(logger *slog.Logger) records.Options {
	maxRetries := c.Locator.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	return records.Options{
		Retry: c.RetryOptions(logger),
		Locator: locator.Options{
			MaxRetries: maxRetries,
			Backoff:    disableOnZero(c.Locator.Backoff),
			Logger:     logger,
		},
		ListTTL:           disableOnZero(c.Records.ListTTL),
		InitialTransition: c.Records.InitialTransition,
		Logger:            logger,
	}
}

// disableOnZero turns an explicit zero from the file into the negative value the
// components read as "off"; their own zero means "use the default".
func disableOnZero(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", level)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
