// Package config defines the runtime configuration structs, parsing helpers,
// and hot-reload wiring for the cache manager process.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Telemetry             TelemetryConfig             `yaml:"telemetry"`
	Logging               LoggingConfig               `yaml:"logging"`
	Cache                 CacheConfig                 `yaml:"cache"`
	ConditionalForwarding ConditionalForwardingConfig `yaml:"conditional_forwarding"`
	UpstreamDNSServers    []string                    `yaml:"upstream_dns_servers"`
}

// CacheConfig holds cache manager settings.
type CacheConfig struct {
	MaxEntries     int           `yaml:"max_entries"`
	MinTTL         time.Duration `yaml:"min_ttl"`
	MaxTTL         time.Duration `yaml:"max_ttl"`
	NegativeTTL    time.Duration `yaml:"negative_ttl"`
	FailureTTL     time.Duration `yaml:"failure_ttl"`
	ServeStaleTTL  time.Duration `yaml:"serve_stale_ttl"`
	ServeStale     bool          `yaml:"serve_stale"`
	EvictionPeriod time.Duration `yaml:"eviction_period"`
	SnapshotPath   string        `yaml:"snapshot_path"`
	SnapshotPeriod time.Duration `yaml:"snapshot_period"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	TracingEndpoint   string `yaml:"tracing_endpoint"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	Enabled           bool   `yaml:"enabled"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// Load loads the configuration from a YAML file.
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by user via CLI flag, this is intentional
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// Clone creates a deep copy of the configuration via a YAML round-trip,
// so hot-reload can diff an in-flight config against a freshly parsed
// one without risking shared mutable state.
func (c *Config) Clone() (*Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config for cloning: %w", err)
	}

	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config clone: %w", err)
	}
	clone.applyDefaults()
	return &clone, nil
}

// applyDefaults sets default values for unset configuration fields.
func (c *Config) applyDefaults() {
	if len(c.UpstreamDNSServers) == 0 {
		c.UpstreamDNSServers = []string{
			"1.1.1.1:53",
			"8.8.8.8:53",
		}
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1_000_000
	}
	if c.Cache.MinTTL == 0 {
		c.Cache.MinTTL = 10 * time.Second
	}
	if c.Cache.MaxTTL == 0 {
		c.Cache.MaxTTL = 7 * 24 * time.Hour
	}
	if c.Cache.NegativeTTL == 0 {
		c.Cache.NegativeTTL = 5 * time.Minute
	}
	if c.Cache.FailureTTL == 0 {
		c.Cache.FailureTTL = time.Minute
	}
	if c.Cache.ServeStaleTTL == 0 {
		c.Cache.ServeStaleTTL = 3 * 24 * time.Hour
	}
	if c.Cache.EvictionPeriod == 0 {
		c.Cache.EvictionPeriod = time.Minute
	}
	if c.Cache.SnapshotPath == "" {
		c.Cache.SnapshotPath = "./cache.bin"
	}
	if c.Cache.SnapshotPeriod == 0 {
		c.Cache.SnapshotPeriod = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dnscache"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

const envSnapshotPath = "DNSCACHE_SNAPSHOT_PATH"

func (c *Config) applyEnvOverrides() {
	if path := strings.TrimSpace(os.Getenv(envSnapshotPath)); path != "" {
		c.Cache.SnapshotPath = path
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.UpstreamDNSServers) == 0 {
		return fmt.Errorf("at least one upstream DNS server must be configured")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries cannot be negative")
	}

	if err := c.ConditionalForwarding.Validate(); err != nil {
		return fmt.Errorf("conditional_forwarding validation failed: %w", err)
	}

	return nil
}
