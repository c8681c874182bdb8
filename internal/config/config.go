// Package config loads arbor settings from .arbor.yaml, ARBOR_* environment
// variables, and defaults.
//
// Initialize fills the package-level viper instance that the Get* helpers
// read; Load additionally decodes it into a validated Config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/arborhq/arbor/internal/coordinator"
	"github.com/arborhq/arbor/internal/nestedset"
	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/storage/factory"
	"github.com/arborhq/arbor/internal/telemetry"
	"github.com/arborhq/arbor/internal/types"
)

// Config is the decoded configuration.
type Config struct {
	Backend     string            `mapstructure:"backend"`
	DSN         string            `mapstructure:"dsn"`
	Scope       int64             `mapstructure:"scope"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Forest      ForestConfig      `mapstructure:"forest"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// StorageConfig tunes the SQL backends.
type StorageConfig struct {
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	OpenTimeout  time.Duration `mapstructure:"open_timeout"`
}

// ForestConfig selects numbering and sibling order.
type ForestConfig struct {
	Mode     string `mapstructure:"mode" yaml:"mode"`         // shared | per-tree
	Ordering string `mapstructure:"ordering" yaml:"ordering"` // id | name
	Orphans  string `mapstructure:"orphans" yaml:"orphans"`   // promote | strict
	// CheckOrder makes validation also require siblings in ordering order.
	CheckOrder bool `mapstructure:"check_order" yaml:"check_order"`
}

// CoordinatorConfig bounds lock waits and retries.
type CoordinatorConfig struct {
	MaxRetries           int           `mapstructure:"max_retries"`
	LockTimeout          time.Duration `mapstructure:"lock_timeout"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
	RetryMaxElapsed      time.Duration `mapstructure:"retry_max_elapsed"`
}

// TelemetryConfig mirrors telemetry.Config.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Stdout   bool   `mapstructure:"stdout" yaml:"stdout"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	retry := storage.DefaultRetryPolicy()
	return &Config{
		Backend: factory.BackendMemory,
		Scope:   0,
		Storage: StorageConfig{
			MaxOpenConns: 0,
			OpenTimeout:  5 * time.Second,
		},
		Forest: ForestConfig{
			Mode:     string(types.NumberingShared),
			Ordering: "id",
			Orphans:  string(nestedset.OrphanPromote),
		},
		Coordinator: CoordinatorConfig{
			MaxRetries:           retry.MaxRetries,
			LockTimeout:          storage.DefaultLockTimeout,
			RetryInitialInterval: retry.InitialInterval,
			RetryMaxInterval:     retry.MaxInterval,
			RetryMaxElapsed:      retry.MaxElapsed,
		},
	}
}

// Validate checks enum values and ranges.
func (c *Config) Validate() error {
	if !contains(factory.Backends(), strings.ToLower(c.Backend)) {
		return fmt.Errorf("backend %q is not supported (valid: %s)", c.Backend, strings.Join(factory.Backends(), ", "))
	}
	if c.Backend != factory.BackendMemory && c.DSN == "" {
		return fmt.Errorf("backend %q requires dsn", c.Backend)
	}
	if !types.NumberingMode(c.Forest.Mode).IsValid() {
		return fmt.Errorf("forest.mode %q is invalid (valid: %s, %s)", c.Forest.Mode, types.NumberingShared, types.NumberingPerTree)
	}
	if _, err := nestedset.OrderingByName(c.Forest.Ordering); err != nil {
		return fmt.Errorf("forest.ordering: %w", err)
	}
	switch nestedset.OrphanHandling(c.Forest.Orphans) {
	case nestedset.OrphanPromote, nestedset.OrphanStrict:
	default:
		return fmt.Errorf("forest.orphans %q is invalid (valid: %s, %s)", c.Forest.Orphans, nestedset.OrphanPromote, nestedset.OrphanStrict)
	}
	if c.Coordinator.MaxRetries < 0 {
		return fmt.Errorf("coordinator.max_retries must be >= 0, got %d", c.Coordinator.MaxRetries)
	}
	if c.Coordinator.LockTimeout <= 0 {
		return fmt.Errorf("coordinator.lock_timeout must be positive, got %v", c.Coordinator.LockTimeout)
	}
	for key, d := range map[string]time.Duration{
		"coordinator.retry_initial_interval": c.Coordinator.RetryInitialInterval,
		"coordinator.retry_max_interval":     c.Coordinator.RetryMaxInterval,
		"coordinator.retry_max_elapsed":      c.Coordinator.RetryMaxElapsed,
		"storage.open_timeout":               c.Storage.OpenTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", key, d)
		}
	}
	if c.Storage.MaxOpenConns < 0 {
		return fmt.Errorf("storage.max_open_conns must be >= 0, got %d", c.Storage.MaxOpenConns)
	}
	return nil
}

// CoordinatorOptions converts the forest and coordinator sections.
func (c *Config) CoordinatorOptions() (coordinator.Options, error) {
	ord, err := nestedset.OrderingByName(c.Forest.Ordering)
	if err != nil {
		return coordinator.Options{}, err
	}
	return coordinator.Options{
		Mode:     types.NumberingMode(c.Forest.Mode),
		Ordering: ord,
		Orphans:  nestedset.OrphanHandling(c.Forest.Orphans),
		Retry: storage.RetryPolicy{
			MaxRetries:      c.Coordinator.MaxRetries,
			InitialInterval: c.Coordinator.RetryInitialInterval,
			MaxInterval:     c.Coordinator.RetryMaxInterval,
			MaxElapsed:      c.Coordinator.RetryMaxElapsed,
		},
		LockTimeout: c.Coordinator.LockTimeout,
		CheckOrder:  c.Forest.CheckOrder,
	}, nil
}

// FactoryOptions converts the storage section.
func (c *Config) FactoryOptions() factory.Options {
	return factory.Options{
		DSN:          c.DSN,
		MaxOpenConns: c.Storage.MaxOpenConns,
		OpenTimeout:  c.Storage.OpenTimeout,
	}
}

// TelemetryOptions converts the telemetry section.
func (c *Config) TelemetryOptions() telemetry.Config {
	return telemetry.Config{
		Enabled:  c.Telemetry.Enabled,
		Stdout:   c.Telemetry.Stdout,
		Endpoint: c.Telemetry.Endpoint,
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
