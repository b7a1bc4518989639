package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	configDefault := getEnv("FLEETSTREAM_CONFIG", "")
	flag.StringVar(&cfg.ConfigPath, "config", configDefault,
		"Path to configuration file (env: FLEETSTREAM_CONFIG)")
	flag.StringVar(&cfg.ConfigPath, "c", configDefault,
		"Path to configuration file (shorthand)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("FLEETSTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: FLEETSTREAM_LOG_LEVEL)")
	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("FLEETSTREAM_LOG_FORMAT", "json"),
		"Log format: json, text (env: FLEETSTREAM_LOG_FORMAT)")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("FLEETSTREAM_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: FLEETSTREAM_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information (shorthand)")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

	return cfg
}

// validateFlags rejects unusable flag combinations before any setup runs.
// Version and help requests bypass validation entirely.
func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Fleet Device Management Node

Dispatches device telemetry and events, correlates call-style commands
with their replies, and tracks gateway sessions over NATS.

Usage:
  %s [flags]

Flags:
`, appName, appName)
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  %s --config configs/fleet.yaml
  %s --config configs/fleet.yaml --validate
  FLEETSTREAM_NATS_URL=nats://broker:4222 %s
`, appName, appName, appName)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
