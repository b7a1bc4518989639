// Package main implements the entry point for the fleetstream node, the
// cloud-side management plane for a fleet of drones and docks over NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/fleetstream/config"
	"github.com/c360/fleetstream/fleet"
	"github.com/c360/fleetstream/health"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/natsclient"
	"github.com/c360/fleetstream/session"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fleetstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting fleetstream node",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	metrics := metric.NewRegistry()
	monitor := health.NewMonitor()

	client, err := buildNATSClient(cfg, logger, metrics.Metrics, monitor)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() { _ = client.Close(ctx) }()

	store, err := buildRoster(ctx, cfg, client, logger)
	if err != nil {
		return err
	}

	nodeOpts := []fleet.Option{
		fleet.WithLogger(logger),
		fleet.WithMetrics(metrics.Metrics),
		fleet.WithMonitor(monitor),
	}
	if store != nil {
		nodeOpts = append(nodeOpts, fleet.WithStore(store))
	}
	node, err := fleet.New(cfg, client, nodeOpts...)
	if err != nil {
		return fmt.Errorf("build fleet node: %w", err)
	}

	return runWithSignalHandling(ctx, cfg, node, metrics, monitor, cliCfg.ShutdownTimeout)
}

// buildNATSClient maps the node configuration onto the transport client and
// wires its health signals into metrics and the monitor.
func buildNATSClient(
	cfg *config.Config,
	logger *slog.Logger,
	m *metric.Metrics,
	monitor *health.Monitor,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithReconnectCallback(func() {
			m.TransportReconnects.Inc()
		}),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				m.TransportConnected.Set(1)
				monitor.UpdateHealthy("transport", "NATS connection healthy")
			} else {
				m.TransportConnected.Set(0)
				monitor.UpdateUnhealthy("transport", "NATS connection lost")
			}
		}),
	}

	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.CredsFile != "" {
		opts = append(opts, natsclient.WithCredsFile(cfg.NATS.CredsFile))
	}
	if cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(
			cfg.NATS.TLS.CertFile, cfg.NATS.TLS.KeyFile, cfg.NATS.TLS.CAFile))
	}

	return natsclient.NewClient(cfg.NATS.URL, opts...)
}

// buildRoster creates the KV-backed session roster, or nil when disabled.
func buildRoster(
	ctx context.Context,
	cfg *config.Config,
	client *natsclient.Client,
	logger *slog.Logger,
) (session.Store, error) {
	if !cfg.Roster.Enabled {
		slog.Info("Roster persistence disabled, crash recovery unavailable")
		return nil, nil
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Roster.Bucket,
		Description: "fleetstream session roster",
		History:     uint8(cfg.Roster.History),
	})
	if err != nil {
		return nil, fmt.Errorf("create roster bucket %s: %w", cfg.Roster.Bucket, err)
	}

	return session.NewKVRoster(client.NewKVStore(bucket), logger), nil
}

// runWithSignalHandling starts the node plus the metrics/health HTTP server
// and blocks until a shutdown signal arrives.
func runWithSignalHandling(
	ctx context.Context,
	cfg *config.Config,
	node *fleet.Node,
	metrics *metric.Registry,
	monitor *health.Monitor,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", monitor.Handler(appName))
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := node.Start(signalCtx); err != nil {
		return fmt.Errorf("start fleet node: %w", err)
	}
	slog.Info("Fleet node started", "http_addr", cfg.HTTP.Addr)

	g, gctx := errgroup.WithContext(signalCtx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := node.Stop(shutdownTimeout); err != nil {
		slog.Error("Error stopping fleet node", "error", err)
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
