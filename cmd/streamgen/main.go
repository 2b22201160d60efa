// Package main publishes a synthetic single-channel stream, standing in for
// a headset when testing the relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/natsclient"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/pkg/retry"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/relay"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
)

type options struct {
	natsURL  string
	prefix   string
	backend  string
	name     string
	typ      string
	sourceID string
	interval time.Duration
}

func main() {
	opts := options{}
	flag.StringVar(&opts.natsURL, "nats", envOr("STREAMRELAY_NATS_URLS", "nats://localhost:4222"), "NATS server URL")
	flag.StringVar(&opts.prefix, "prefix", stream.DefaultPrefix, "Subject prefix")
	flag.StringVar(&opts.backend, "backend", stream.BackendQuery, "Discovery backend: query, directory")
	flag.StringVar(&opts.name, "name", "Muse", "Stream name")
	flag.StringVar(&opts.typ, "type", "EEG", "Stream type")
	flag.StringVar(&opts.sourceID, "source-id", "", "Source id (required)")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "Time between samples")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("service", "streamgen")

	if opts.sourceID == "" || opts.interval <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("Generator failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	client, err := natsclient.NewClient(opts.natsURL, natsclient.WithName("streamgen-"+opts.sourceID),
		natsclient.WithLogger(natsclient.SlogLogger(logger)))
	if err != nil {
		return err
	}
	if err := retry.Do(ctx, retry.Quick(), func() error { return client.Connect(ctx) }); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() { _ = client.Close(context.Background()) }()

	cfg := stream.DefaultNetworkConfig()
	cfg.Prefix = opts.prefix
	cfg.Backend = opts.backend
	network, err := stream.NewNetwork(ctx, client, client, cfg, nil, logger)
	if err != nil {
		return err
	}

	return publish(ctx, relay.NetworkOpener(network), opts, rand.Float64, logger)
}

func (o options) descriptor() stream.Descriptor {
	return stream.Descriptor{
		Name:         o.name,
		Type:         o.typ,
		SourceID:     o.sourceID,
		ChannelCount: 1,
		NominalRate:  stream.IrregularRate,
		Format:       stream.FormatFloat32,
	}
}

// publish opens the generator's outlet and pushes one value from next per
// interval until ctx ends
func publish(ctx context.Context, opener relay.Opener, opts options, next func() float64, logger *slog.Logger) error {
	outlet, err := opener.OpenOutlet(ctx, opts.descriptor())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = outlet.Close(closeCtx)
	}()

	logger.Info("Publishing", "stream", outlet.Descriptor().String(), "interval", opts.interval)

	pushed := 0
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopped", "pushed", pushed)
			return nil
		case <-ticker.C:
			v := next()
			if err := outlet.PushSample(ctx, stream.Sample{Values: []float64{v}}); err != nil {
				logger.Warn("Push failed", "error", err)
				continue
			}
			pushed++
			logger.Debug("Pushed", "value", v)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
