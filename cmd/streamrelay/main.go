// Package main runs the stream relay: it finds the configured EEG sources on
// the stream network and republishes each under its friendly name.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/config"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/discovery"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/health"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/natsclient"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/pkg/retry"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/registry"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/relay"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/supervisor"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/tap"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "streamrelay"
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

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Relay failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, closeLog, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.Redacted().String())
		return nil
	}

	reg, err := registry.New(cfg.Sources)
	if err != nil {
		return fmt.Errorf("build source registry: %w", err)
	}
	logBanner(logger, cfg, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runRelay(ctx, cfg, reg, logger, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, func() error, bool, error) {
	cliCfg, fs, err := parseFlags(args)
	if err != nil {
		return nil, nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil, nil, nil, true, nil
	}

	logger, closer := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat, cliCfg.LogFile)
	slog.SetDefault(logger)

	logger.Info("Starting stream relay",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, closer.Close, false, nil
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path == "" {
		cfg, err := loader.Load()
		if err != nil {
			return nil, fmt.Errorf("load default config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func logBanner(logger *slog.Logger, cfg *config.Config, reg *registry.Registry) {
	logger.Info("Relay configuration",
		"nats", strings.Join(cfg.NATS.URLs, ","),
		"prefix", cfg.Network.SubjectPrefix,
		"backend", cfg.Discovery.Backend,
		"type", cfg.Discovery.Type,
		"require_name", cfg.Discovery.RequireName,
		"sources", reg.Len())
	for _, e := range reg.Entries() {
		logger.Info("Relay source", "source_id", e.SourceID, "new_name", e.NewName)
	}
}

func newNATSClient(cfg *config.Config, registry *metric.MetricsRegistry, monitor *health.Monitor,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout),
		natsclient.WithLogger(natsclient.SlogLogger(logger)),
		natsclient.WithMetrics(registry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.UpdateHealthy("nats", "connected")
			} else {
				monitor.UpdateUnhealthy("nats", "disconnected")
			}
		}),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	// nats.Connect accepts a comma separated server list
	return natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
}

// connectToNATS keeps trying until the server answers or ctx ends
func connectToNATS(ctx context.Context, client *natsclient.Client, logger *slog.Logger) error {
	logger.Info("Connecting to NATS", "url", client.URL())
	err := retry.Do(ctx, retry.Persistent(), func() error {
		if err := client.Connect(ctx); err != nil {
			logger.Warn("NATS connect attempt failed", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

func runRelay(ctx context.Context, cfg *config.Config, reg *registry.Registry, logger *slog.Logger,
	shutdownTimeout time.Duration,
) error {
	metricsRegistry := metric.NewMetricsRegistry()
	metrics := metricsRegistry.CoreMetrics()
	monitor := health.NewMonitor()

	client, err := newNATSClient(cfg, metricsRegistry, monitor, logger)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := connectToNATS(ctx, client, logger); err != nil {
		return err
	}
	monitor.UpdateHealthy("nats", "connected")

	network, err := stream.NewNetwork(ctx, client, client, cfg.StreamNetworkConfig(), metricsRegistry,
		logger.With("component", "network"))
	if err != nil {
		_ = client.Close(context.Background())
		return fmt.Errorf("open stream network: %w", err)
	}
	resolver := network.Resolver(cfg.Discovery.Timeout)
	opener := relay.NetworkOpener(network)

	probe, err := discovery.NewProbe(resolver, reg, cfg.DiscoveryProbeConfig(),
		discovery.WithLogger(logger.With("component", "discovery")),
		discovery.WithMetrics(metrics))
	if err != nil {
		_ = client.Close(context.Background())
		return fmt.Errorf("create discovery probe: %w", err)
	}

	sup, err := supervisor.New(probe, opener, reg, cfg.SupervisorConfig(),
		supervisor.WithLogger(logger.With("component", "supervisor")),
		supervisor.WithMetrics(metrics),
		supervisor.WithHealth(monitor))
	if err != nil {
		_ = client.Close(context.Background())
		return fmt.Errorf("create supervisor: %w", err)
	}

	var server *metric.Server
	var streamTap *tap.Tap
	if cfg.Metrics.Enabled {
		server = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		server.Handle("/health", monitor.Handler(appName))
		server.Handle("/relays", sup.Handler())
		if cfg.Metrics.Tap {
			streamTap = tap.New(resolver, opener, tap.WithLogger(logger.With("component", "tap")))
			server.Handle(tap.PathPrefix, streamTap)
		}
		if err := server.Listen(); err != nil {
			_ = client.Close(context.Background())
			return fmt.Errorf("start ops server: %w", err)
		}
		logger.Info("Ops server listening", "metrics", server.Address())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	if server != nil {
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if streamTap != nil {
				streamTap.Close()
			}
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Stream relay running")
	runErr := g.Wait()
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Close(shutdownCtx); err != nil {
		logger.Warn("Relay close reported errors", "error", err)
	}
	if err := client.Close(shutdownCtx); err != nil {
		logger.Warn("NATS close failed", "error", err)
	}

	if runErr != nil {
		return fmt.Errorf("relay stopped: %w", runErr)
	}
	logger.Info("Stream relay shutdown complete")
	return nil
}
