// Package config loads agent configuration from YAML with sane defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s" or
// "4h" instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Server holds backend connection settings.
type Server struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// Heartbeat holds cycle timing settings.
type Heartbeat struct {
	Interval       Duration `yaml:"interval"`
	DriftTolerance Duration `yaml:"drift_tolerance"`
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// Lock holds lock-state controller settings.
type Lock struct {
	SoftLockThrottle Duration `yaml:"soft_lock_throttle"`
	BusyTimeout      Duration `yaml:"busy_timeout"`
	AuditRetention   Duration `yaml:"audit_retention"`
	KioskPackages    []string `yaml:"kiosk_packages"`
}

// Queue holds offline queue settings.
type Queue struct {
	DrainInterval Duration `yaml:"drain_interval"`
	MaxAttempts   int      `yaml:"max_attempts"`
}

// Config is the full agent configuration.
type Config struct {
	Server      Server    `yaml:"server"`
	DeviceID    string    `yaml:"device_id"`
	DataDir     string    `yaml:"data_dir"`
	ProfilePath string    `yaml:"profile_path"`
	Heartbeat   Heartbeat `yaml:"heartbeat"`
	Lock        Lock      `yaml:"lock"`
	Queue       Queue     `yaml:"queue"`
	SyncLogCap  int       `yaml:"sync_log_cap"`
	Debug       bool      `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:     "/var/lib/loanlock",
		ProfilePath: "/etc/loanlock/device.yaml",
		Heartbeat: Heartbeat{
			Interval:       Duration(30 * time.Second),
			DriftTolerance: Duration(time.Minute),
			MaxRetries:     3,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
		},
		Lock: Lock{
			SoftLockThrottle: Duration(4 * time.Hour),
			BusyTimeout:      Duration(30 * time.Second),
			AuditRetention:   Duration(30 * 24 * time.Hour),
		},
		Queue: Queue{
			DrainInterval: Duration(5 * time.Minute),
			MaxAttempts:   10,
		},
		SyncLogCap: 100,
	}
}

// Load reads the YAML file at path over the defaults. A missing file is an
// error; an empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the settings needed to run are present.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	return nil
}
