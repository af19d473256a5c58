// ABOUTME: Configuration loading and parsing for the relay server.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Relay     RelayConfig     `yaml:"relay"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	Database  DatabaseConfig  `yaml:"database"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds listen address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// RelayConfig holds the shared secret and proxy timing configuration.
type RelayConfig struct {
	Secret string `yaml:"secret"`

	RequestTimeout     time.Duration `yaml:"-"`
	StreamChunkTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw     string `yaml:"request_timeout"`
	StreamChunkTimeoutRaw string `yaml:"stream_chunk_timeout"`

	// MaxMessageBytes caps a single control-connection frame.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// UploadsConfig holds bug report upload configuration.
type UploadsConfig struct {
	Dir        string `yaml:"dir"`
	MaxSizeMB  int64  `yaml:"max_size_mb"`
	KeepPerBot int    `yaml:"keep_per_bot"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TailscaleConfig holds Tailscale tsnet configuration.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied after parsing when fields are unset.
const (
	DefaultRequestTimeout     = 30 * time.Second
	DefaultStreamChunkTimeout = 10 * time.Second
	DefaultMaxMessageBytes    = 16 * 1024 * 1024
	DefaultUploadMaxSizeMB    = 150
	DefaultUploadKeepPerBot   = 10
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded, and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration content.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Relay.RequestTimeout == 0 {
		c.Relay.RequestTimeout = DefaultRequestTimeout
	}
	if c.Relay.StreamChunkTimeout == 0 {
		c.Relay.StreamChunkTimeout = DefaultStreamChunkTimeout
	}
	if c.Relay.MaxMessageBytes == 0 {
		c.Relay.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Uploads.MaxSizeMB == 0 {
		c.Uploads.MaxSizeMB = DefaultUploadMaxSizeMB
	}
	if c.Uploads.KeepPerBot == 0 {
		c.Uploads.KeepPerBot = DefaultUploadKeepPerBot
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/-/metrics"
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	// The relay fails closed without a secret: refuse to start rather than
	// reject every connection while looking healthy.
	if strings.TrimSpace(c.Relay.Secret) == "" {
		return fmt.Errorf("relay.secret is required (set RELAY_SECRET and reference it as ${RELAY_SECRET})")
	}

	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relay.RequestTimeoutRaw != "" {
		cfg.Relay.RequestTimeout, err = time.ParseDuration(cfg.Relay.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Relay.RequestTimeoutRaw, err)
		}
	}

	if cfg.Relay.StreamChunkTimeoutRaw != "" {
		cfg.Relay.StreamChunkTimeout, err = time.ParseDuration(cfg.Relay.StreamChunkTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing stream_chunk_timeout %q: %w", cfg.Relay.StreamChunkTimeoutRaw, err)
		}
	}

	return nil
}
