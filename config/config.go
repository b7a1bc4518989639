// Package config loads and validates fleetstream node configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML
// file, then FLEETSTREAM_* environment overrides. Validation runs last
// so every layer is checked as a whole.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "FLEETSTREAM"

// Config is the complete node configuration.
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Roster   RosterConfig   `yaml:"roster"`
	Sessions SessionConfig  `yaml:"sessions"`
	Calls    CallConfig     `yaml:"calls"`
	DRC      DRCConfig      `yaml:"drc"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	HTTP     HTTPConfig     `yaml:"http"`
	LogLevel string         `yaml:"log_level"`
}

// NATSConfig defines the broker connection settings.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	Token         string        `yaml:"token,omitempty"`
	CredsFile     string        `yaml:"creds_file,omitempty"`
	TLS           TLSConfig     `yaml:"tls,omitempty"`
}

// TLSConfig for secure broker connections.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
	CAFile   string `yaml:"ca_file,omitempty"`
}

// RosterConfig defines the durable session roster bucket.
type RosterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	History int    `yaml:"history"`
}

// SessionConfig tunes the liveness sweep.
type SessionConfig struct {
	LivenessWindow time.Duration `yaml:"liveness_window"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// CallConfig sets request/reply defaults. Retries is the number of
// republish attempts after the first send.
type CallConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// DRCConfig tunes the high-rate control channel.
type DRCConfig struct {
	Repeat int `yaml:"repeat"`
}

// DispatchConfig tunes inbound message handling.
type DispatchConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	IdleLaneTimeout time.Duration `yaml:"idle_lane_timeout"`
}

// HTTPConfig exposes the metrics and health endpoints.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Roster: RosterConfig{
			Enabled: true,
			Bucket:  "fleet-roster",
			History: 1,
		},
		Sessions: SessionConfig{
			LivenessWindow: 2 * time.Minute,
			SweepInterval:  15 * time.Second,
		},
		Calls: CallConfig{
			Timeout: 5 * time.Second,
			Retries: 2,
		},
		DRC: DRCConfig{
			Repeat: 5,
		},
		Dispatch: DispatchConfig{
			QueueSize:       128,
			IdleLaneTimeout: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from an optional YAML file, applies
// environment overrides, and validates the result. An empty path loads
// defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(EnvPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := os.Getenv(EnvPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(EnvPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(EnvPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := os.Getenv(EnvPrefix + "_ROSTER_BUCKET"); val != "" {
		cfg.Roster.Bucket = val
	}
	if val := os.Getenv(EnvPrefix + "_HTTP_ADDR"); val != "" {
		cfg.HTTP.Addr = val
	}
	if val := os.Getenv(EnvPrefix + "_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv(EnvPrefix + "_CALL_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Calls.Timeout = d
		}
	}
	if val := os.Getenv(EnvPrefix + "_CALL_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Calls.Retries = n
		}
	}
}

// Validate checks the configuration as a whole.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.New("config: nats.url is required")
	}
	if c.Roster.Enabled {
		if c.Roster.Bucket == "" {
			return errors.New("config: roster.bucket is required when roster.enabled")
		}
		if !isValidBucketName(c.Roster.Bucket) {
			return fmt.Errorf("config: roster.bucket %q is not a valid bucket name", c.Roster.Bucket)
		}
	}
	if c.Sessions.LivenessWindow <= 0 {
		return errors.New("config: sessions.liveness_window must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return errors.New("config: sessions.sweep_interval must be positive")
	}
	if c.Sessions.SweepInterval > c.Sessions.LivenessWindow {
		return errors.New("config: sessions.sweep_interval must not exceed sessions.liveness_window")
	}
	if c.Calls.Timeout <= 0 {
		return errors.New("config: calls.timeout must be positive")
	}
	if c.Calls.Retries < 0 {
		return errors.New("config: calls.retries must not be negative")
	}
	if c.DRC.Repeat < 1 {
		return errors.New("config: drc.repeat must be at least 1")
	}
	if c.Dispatch.QueueSize < 1 {
		return errors.New("config: dispatch.queue_size must be at least 1")
	}
	if c.Dispatch.IdleLaneTimeout <= 0 {
		return errors.New("config: dispatch.idle_lane_timeout must be positive")
	}
	if err := c.validateTLS(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

func (c *Config) validateTLS() error {
	if !c.NATS.TLS.Enabled {
		return nil
	}
	if c.NATS.TLS.CertFile == "" {
		return errors.New("config: nats.tls.cert_file is required when TLS is enabled")
	}
	if c.NATS.TLS.KeyFile == "" {
		return errors.New("config: nats.tls.key_file is required when TLS is enabled")
	}
	if _, err := os.Stat(c.NATS.TLS.CertFile); err != nil {
		return fmt.Errorf("config: nats.tls.cert_file: %w", err)
	}
	if _, err := os.Stat(c.NATS.TLS.KeyFile); err != nil {
		return fmt.Errorf("config: nats.tls.key_file: %w", err)
	}
	return nil
}

// isValidBucketName checks that a bucket name is safe for JetStream.
func isValidBucketName(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}
