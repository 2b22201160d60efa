// Package main lists the streams currently visible on the stream network.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/natsclient"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
)

func main() {
	natsURL := flag.String("nats", envOr("STREAMRELAY_NATS_URLS", "nats://localhost:4222"), "NATS server URL")
	prefix := flag.String("prefix", stream.DefaultPrefix, "Subject prefix")
	backend := flag.String("backend", stream.BackendQuery, "Discovery backend: query, directory")
	settle := flag.Duration("settle", 2*time.Second, "How long to collect answers")
	typ := flag.String("type", "", "Only list streams of this type")
	asJSON := flag.Bool("json", false, "Print descriptors as JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	streams, err := list(context.Background(), *natsURL, *prefix, *backend, *settle, stream.Query{Type: *typ}, logger)
	if err != nil {
		logger.Error("List failed", "error", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(streams)
		return
	}
	printTable(os.Stdout, streams)
}

func list(ctx context.Context, url, prefix, backend string, settle time.Duration, q stream.Query,
	logger *slog.Logger,
) ([]stream.Descriptor, error) {
	client, err := natsclient.NewClient(url, natsclient.WithName("streamls"),
		natsclient.WithLogger(natsclient.SlogLogger(logger)))
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() { _ = client.Close(context.Background()) }()

	cfg := stream.DefaultNetworkConfig()
	cfg.Prefix = prefix
	cfg.Backend = backend
	network, err := stream.NewNetwork(ctx, client, client, cfg, nil, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, settle+time.Second)
	defer cancel()
	return network.Resolver(settle).Resolve(ctx, q)
}

func printTable(w io.Writer, streams []stream.Descriptor) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tTYPE\tSOURCE ID\tUID\tCHANNELS\tRATE\tFORMAT\tHOST")
	for _, d := range streams {
		rate := "irregular"
		if !d.IsIrregular() {
			rate = fmt.Sprintf("%g", d.NominalRate)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			d.Name, d.Type, d.SourceID, d.UID, d.ChannelCount, rate, d.Format, d.Hostname)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "%d stream(s)\n", len(streams))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
