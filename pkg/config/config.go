// Package config handles loading and validating the engine's
// recognized-options struct (spec §6).
package config

import (
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file locations, tried in order when no explicit path
// is given.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./blemedic.yaml",
	"./blemedic.yml",
	"~/.config/blemedic/config.yaml",
	"/etc/blemedic/config.yaml",
}

// RangeConfig is an inclusive [Low, High] validator threshold.
type RangeConfig struct {
	Low  float64 `yaml:"low" validate:"required"`
	High float64 `yaml:"high" validate:"required,gtfield=Low"`
}

// NormalRangeConfig carries the normal-range (non-warning) bounds for
// a blood-pressure measurement's three fields (§4.6).
type NormalRangeConfig struct {
	Systolic  RangeConfig `yaml:"systolic" validate:"required"`
	Diastolic RangeConfig `yaml:"diastolic" validate:"required"`
	HeartRate RangeConfig `yaml:"heart_rate" validate:"required"`
}

// Config is the engine's single recognized-options struct (spec §6).
type Config struct {
	ScanRestartMax       int               `yaml:"scan_restart_max" validate:"min=1"`
	ConnectTimeoutMs     int               `yaml:"connect_timeout_ms" validate:"min=1000"`
	ReconnectBackoffMs   []int             `yaml:"reconnect_backoff_ms" validate:"min=1,dive,min=1"`
	SmartDisconnect      bool              `yaml:"smart_disconnect"`
	IdleProbeThresholdMs int               `yaml:"idle_probe_threshold_ms" validate:"min=1000"`
	ConcurrentConnects   int               `yaml:"concurrent_connects" validate:"min=1"`
	BpNormalRange        NormalRangeConfig `yaml:"bp_normal_range" validate:"required"`
	TempNormalRange      RangeConfig       `yaml:"temp_normal_range" validate:"required"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures pkg/logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	Output string `yaml:"output" validate:"omitempty,oneof=stdout file"`
	File   string `yaml:"file"`
}

// MetricsConfig configures whether the Prometheus registry is served.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Load loads configuration from an explicit path, or, if empty, tries
// the default paths, falling back to DefaultConfig if nothing is found.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range configPaths {
		if len(p) > 0 && p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}

		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return DefaultConfig(), nil
}

// loadFile loads and validates configuration from a specific file.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	return validate.Struct(cfg)
}

// Save writes configuration to file as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns the engine's defaults, per spec §6.
func DefaultConfig() *Config {
	return &Config{
		ScanRestartMax:       5,
		ConnectTimeoutMs:     30000,
		ReconnectBackoffMs:   []int{1000, 2000, 4000},
		SmartDisconnect:      false,
		IdleProbeThresholdMs: 30000,
		ConcurrentConnects:   5,
		BpNormalRange: NormalRangeConfig{
			Systolic:  RangeConfig{Low: 90, High: 140},
			Diastolic: RangeConfig{Low: 60, High: 90},
			HeartRate: RangeConfig{Low: 60, High: 100},
		},
		TempNormalRange: RangeConfig{Low: 36.0, High: 37.5},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
