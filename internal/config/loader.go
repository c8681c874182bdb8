package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = ".arbor"
	configType = "yaml"
	envPrefix  = "ARBOR"
)

var v *viper.Viper

// Initialize sets up the package viper instance. configPath, if non-empty,
// names the file explicitly; otherwise .arbor.yaml is searched in the
// working directory, then $HOME. A missing file is not an error.
func Initialize(configPath string) error {
	nv := viper.New()
	applyDefaults(nv)

	nv.SetConfigType(configType)
	nv.SetEnvPrefix(envPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	if configPath != "" {
		nv.SetConfigFile(configPath)
	} else {
		nv.SetConfigName(configName)
		nv.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			nv.AddConfigPath(home)
		}
	}

	if err := nv.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	v = nv
	return nil
}

// Load decodes and validates the configuration read by Initialize.
func Load() (*Config, error) {
	if v == nil {
		if err := Initialize(""); err != nil {
			return nil, err
		}
	}
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadFile is Initialize followed by Load.
func LoadFile(configPath string) (*Config, error) {
	if err := Initialize(configPath); err != nil {
		return nil, err
	}
	return Load()
}

// ConfigFileUsed returns the path of the file that was read, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// ResetForTesting drops the loaded configuration.
func ResetForTesting() {
	v = nil
}

func applyDefaults(nv *viper.Viper) {
	d := Default()
	nv.SetDefault("backend", d.Backend)
	nv.SetDefault("dsn", d.DSN)
	nv.SetDefault("scope", d.Scope)

	nv.SetDefault("storage.max_open_conns", d.Storage.MaxOpenConns)
	nv.SetDefault("storage.open_timeout", d.Storage.OpenTimeout)

	nv.SetDefault("forest.mode", d.Forest.Mode)
	nv.SetDefault("forest.ordering", d.Forest.Ordering)
	nv.SetDefault("forest.orphans", d.Forest.Orphans)
	nv.SetDefault("forest.check_order", d.Forest.CheckOrder)

	nv.SetDefault("coordinator.max_retries", d.Coordinator.MaxRetries)
	nv.SetDefault("coordinator.lock_timeout", d.Coordinator.LockTimeout)
	nv.SetDefault("coordinator.retry_initial_interval", d.Coordinator.RetryInitialInterval)
	nv.SetDefault("coordinator.retry_max_interval", d.Coordinator.RetryMaxInterval)
	nv.SetDefault("coordinator.retry_max_elapsed", d.Coordinator.RetryMaxElapsed)

	nv.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	nv.SetDefault("telemetry.stdout", d.Telemetry.Stdout)
	nv.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
}

// Set overrides a key for the rest of the process (flags bind through it).
func Set(key string, value interface{}) {
	if v == nil {
		_ = Initialize("")
	}
	v.Set(key, value)
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}
