// Package config handles YAML configuration for AIDA.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure. It is loaded once, passed
// explicitly to every component, and only changed through Set followed by
// Save.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	MIS     string        `yaml:"mis"`
	Server  ServerConfig  `yaml:"server"`
	SIMS    SIMSConfig    `yaml:"sims"`
	SQL     SQLConfig     `yaml:"sql"`
	Archive ArchiveConfig `yaml:"archive"`
	OTEL    OTELConfig    `yaml:"otel"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Log     LogConfig     `yaml:"log"`

	path string
}

// ServerConfig holds IRIS portal connection settings.
type ServerConfig struct {
	URL              string        `yaml:"url"`
	Port             int           `yaml:"port,omitempty"`
	SiteID           string        `yaml:"site_id"`
	ServerPassword   string        `yaml:"server_password"`
	ClientPassword   string        `yaml:"client_password"`
	ProxyURL         string        `yaml:"proxy_url,omitempty"`
	LogHeaders       bool          `yaml:"log_headers,omitempty"`
	UploadsPerSecond float64       `yaml:"uploads_per_second,omitempty"`
	TimeoutStr       string        `yaml:"timeout,omitempty"`
	Timeout          time.Duration `yaml:"-"`
}

// SIMSConfig holds settings for the SIMS command reporter adapter.
type SIMSConfig struct {
	ReporterCommand string `yaml:"reporter_command"`
	ImporterCommand string `yaml:"importer_command"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
}

// SQLConfig holds settings for the SQL query adapter.
type SQLConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ArchiveConfig holds optional copies of every transmit file.
type ArchiveConfig struct {
	S3 S3Config `yaml:"s3"`
}

// S3Config describes an S3 archive target. Empty Bucket disables it.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DaemonConfig holds settings for the scheduled mode.
type DaemonConfig struct {
	IntervalStr string        `yaml:"interval"`
	Interval    time.Duration `yaml:"-"`
	MetricsAddr string        `yaml:"metrics_addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level    string `yaml:"level"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.path = path

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with defaults applied and no file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = parseDurations(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "iris"
	}
	if cfg.Server.URL == "" {
		cfg.Server.URL = "https://portal.iris.ac"
	}
	if cfg.Server.TimeoutStr == "" {
		cfg.Server.TimeoutStr = "5m"
	}
	if cfg.SQL.Driver == "" {
		cfg.SQL.Driver = "sqlite"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "aida"
	}
	if cfg.Daemon.IntervalStr == "" {
		cfg.Daemon.IntervalStr = "24h"
	}
	if cfg.Daemon.MetricsAddr == "" {
		cfg.Daemon.MetricsAddr = ":2112"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxBytes == 0 {
		cfg.Log.MaxBytes = 50000
	}
}

func parseDurations(cfg *Config) error {
	d, err := time.ParseDuration(cfg.Daemon.IntervalStr)
	if err != nil {
		return fmt.Errorf("parse interval %q: %w", cfg.Daemon.IntervalStr, err)
	}
	cfg.Daemon.Interval = d

	d, err = time.ParseDuration(cfg.Server.TimeoutStr)
	if err != nil {
		return fmt.Errorf("parse server timeout %q: %w", cfg.Server.TimeoutStr, err)
	}
	cfg.Server.Timeout = d
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if strings.TrimSpace(c.MIS) == "" {
		return fmt.Errorf("mis is required")
	}
	if c.Daemon.Interval <= 0 {
		return fmt.Errorf("daemon: interval must be positive (got %s)", c.Daemon.IntervalStr)
	}
	if c.Server.UploadsPerSecond < 0 {
		return fmt.Errorf("server: uploads_per_second must not be negative")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}

// Require checks that every named key has a non-empty value.
func (c *Config) Require(keys ...string) error {
	var missing []string
	for _, key := range keys {
		v, err := c.Get(key)
		if err != nil || strings.TrimSpace(v) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required keys not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

// CanConnect reports whether enough portal settings exist to talk to the
// server. Without them the agent runs locally.
func (c *Config) CanConnect() bool {
	return c.Require("server.site_id", "server.server_password", "server.client_password") == nil
}

// Save writes the configuration back to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no file to save to")
	}
	return c.SaveAs(c.path)
}

// SaveAs writes the configuration to path atomically and makes it the
// file used by later calls to Save.
func (c *Config) SaveAs(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".aida-config-*")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// credentials live in this file
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("save config: %w", err)
	}
	c.path = path
	return nil
}
