package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the file written by WriteFile when given a directory.
const DefaultFileName = configName + "." + configType

// ErrConfigExists is returned by WriteFile when the target exists and
// overwrite was not requested.
var ErrConfigExists = errors.New("config file already exists")

const header = "# arbor configuration. Every key can be overridden with ARBOR_<KEY>,\n" +
	"# e.g. ARBOR_FOREST_MODE=per-tree or ARBOR_COORDINATOR_LOCK_TIMEOUT=10s.\n"

// Marshal renders cfg as YAML with durations in Go notation.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(toYAML(cfg)); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes cfg to path (or path/.arbor.yaml when path is a
// directory) and returns the file written.
func WriteFile(path string, cfg *Config, overwrite bool) (string, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultFileName)
	}
	if _, err := os.Stat(path); err == nil && !overwrite {
		return "", fmt.Errorf("%s: %w", path, ErrConfigExists)
	}
	data, err := Marshal(cfg)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// yamlConfig mirrors Config with durations as strings, which is how viper
// reads them back.
type yamlConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
	Scope   int64  `yaml:"scope"`
	Storage struct {
		MaxOpenConns int    `yaml:"max_open_conns"`
		OpenTimeout  string `yaml:"open_timeout"`
	} `yaml:"storage"`
	Forest      ForestConfig `yaml:"forest"`
	Coordinator struct {
		MaxRetries           int    `yaml:"max_retries"`
		LockTimeout          string `yaml:"lock_timeout"`
		RetryInitialInterval string `yaml:"retry_initial_interval"`
		RetryMaxInterval     string `yaml:"retry_max_interval"`
		RetryMaxElapsed      string `yaml:"retry_max_elapsed"`
	} `yaml:"coordinator"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func toYAML(cfg *Config) yamlConfig {
	var y yamlConfig
	y.Backend = cfg.Backend
	y.DSN = cfg.DSN
	y.Scope = cfg.Scope
	y.Storage.MaxOpenConns = cfg.Storage.MaxOpenConns
	y.Storage.OpenTimeout = cfg.Storage.OpenTimeout.String()
	y.Forest = cfg.Forest
	y.Coordinator.MaxRetries = cfg.Coordinator.MaxRetries
	y.Coordinator.LockTimeout = cfg.Coordinator.LockTimeout.String()
	y.Coordinator.RetryInitialInterval = cfg.Coordinator.RetryInitialInterval.String()
	y.Coordinator.RetryMaxInterval = cfg.Coordinator.RetryMaxInterval.String()
	y.Coordinator.RetryMaxElapsed = cfg.Coordinator.RetryMaxElapsed.String()
	y.Telemetry = cfg.Telemetry
	return y
}
