package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/fleetstream.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
nats:
  url: nats://broker.internal:4222
sessions:
  liveness_window: 30s
  sweep_interval: 5s
calls:
  timeout: 2s
  retries: 1
log_level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.NATS.URL != "nats://broker.internal:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
	if cfg.Sessions.LivenessWindow != 30*time.Second {
		t.Errorf("liveness window = %v", cfg.Sessions.LivenessWindow)
	}
	if cfg.Calls.Retries != 1 {
		t.Errorf("retries = %d", cfg.Calls.Retries)
	}
	if cfg.Roster.Bucket != "fleet-roster" {
		t.Errorf("unset fields keep defaults, bucket = %q", cfg.Roster.Bucket)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLEETSTREAM_NATS_URL", "nats://env.internal:4222")
	t.Setenv("FLEETSTREAM_CALL_TIMEOUT", "9s")
	t.Setenv("FLEETSTREAM_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.NATS.URL != "nats://env.internal:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
	if cfg.Calls.Timeout != 9*time.Second {
		t.Errorf("call timeout = %v", cfg.Calls.Timeout)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"roster without bucket", func(c *Config) { c.Roster.Bucket = "" }},
		{"bucket with path separator", func(c *Config) { c.Roster.Bucket = "fleet/roster" }},
		{"zero liveness window", func(c *Config) { c.Sessions.LivenessWindow = 0 }},
		{"zero sweep interval", func(c *Config) { c.Sessions.SweepInterval = 0 }},
		{"sweep longer than window", func(c *Config) {
			c.Sessions.LivenessWindow = time.Second
			c.Sessions.SweepInterval = time.Minute
		}},
		{"zero call timeout", func(c *Config) { c.Calls.Timeout = 0 }},
		{"negative retries", func(c *Config) { c.Calls.Retries = -1 }},
		{"zero drc repeat", func(c *Config) { c.DRC.Repeat = 0 }},
		{"zero queue size", func(c *Config) { c.Dispatch.QueueSize = 0 }},
		{"zero idle lane timeout", func(c *Config) { c.Dispatch.IdleLaneTimeout = 0 }},
		{"tls without cert", func(c *Config) { c.NATS.TLS.Enabled = true }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateDisabledRosterSkipsBucketCheck(t *testing.T) {
	cfg := Default()
	cfg.Roster.Enabled = false
	cfg.Roster.Bucket = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled roster must not require a bucket, got %v", err)
	}
}
