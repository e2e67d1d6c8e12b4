// Package config provides configuration management for botherd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for botherd.
type Config struct {
	Ports    PortsConfig    `mapstructure:"ports"`
	Detector DetectorConfig `mapstructure:"detector"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PortsConfig holds the port allocation scan range.
type PortsConfig struct {
	BasePort int `mapstructure:"basePort"`
	MaxPort  int `mapstructure:"maxPort"`
}

// DetectorConfig holds process detection and liveness monitoring configuration.
type DetectorConfig struct {
	MonitorInterval int `mapstructure:"monitorInterval"` // in seconds
}

// SnapshotConfig holds the persisted fleet snapshot location.
type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// MonitorIntervalDuration returns the liveness polling interval as a time.Duration.
func (d *DetectorConfig) MonitorIntervalDuration() time.Duration {
	return time.Duration(d.MonitorInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("BOTHERD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Port allocation defaults
	v.SetDefault("ports.basePort", 8000)
	v.SetDefault("ports.maxPort", 9000)

	// Detection defaults
	v.SetDefault("detector.monitorInterval", 30)

	// Snapshot defaults
	v.SetDefault("snapshot.path", "config/fleet_snapshot.json")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "botherd")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BOTHERD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/botherd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BOTHERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	_ = v.BindEnv("ports.basePort", "BOTHERD_PORTS_BASE_PORT")
	_ = v.BindEnv("ports.maxPort", "BOTHERD_PORTS_MAX_PORT")
	_ = v.BindEnv("detector.monitorInterval", "BOTHERD_DETECTOR_MONITOR_INTERVAL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/botherd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Ports.BasePort <= 0 || cfg.Ports.BasePort > 65535 {
		errs = append(errs, "ports.basePort must be between 1 and 65535")
	}
	if cfg.Ports.MaxPort <= cfg.Ports.BasePort || cfg.Ports.MaxPort > 65535 {
		errs = append(errs, "ports.maxPort must be above ports.basePort and at most 65535")
	}

	if cfg.Detector.MonitorInterval <= 0 {
		errs = append(errs, "detector.monitorInterval must be positive")
	}

	if cfg.Snapshot.Path == "" {
		errs = append(errs, "snapshot.path is required")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
