package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/pkg/buffer"
)

// Discovery backends
const (
	BackendQuery     = "query"
	BackendDirectory = "directory"
)

// DefaultDirectoryBucket is the KV bucket the directory backend uses
const DefaultDirectoryBucket = "STREAM_DIRECTORY"

// DirectoryStore is the part of the NATS client needed to open the
// directory bucket
type DirectoryStore interface {
	CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error)
}

// NetworkConfig holds the settings shared by every inlet, outlet and
// resolver a Network creates
type NetworkConfig struct {
	Prefix         string
	Backend        string
	Bucket         string
	DirectoryTTL   time.Duration
	BufferSize     int
	OverflowPolicy buffer.OverflowPolicy
}

// DefaultNetworkConfig returns the query backend under the default prefix
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Prefix:         DefaultPrefix,
		Backend:        BackendQuery,
		Bucket:         DefaultDirectoryBucket,
		DirectoryTTL:   30 * time.Second,
		BufferSize:     DefaultInletBuffer,
		OverflowPolicy: buffer.DropOldest,
	}
}

// Network opens inlets and outlets on one connection with one set of
// settings
type Network struct {
	conn      Conn
	cfg       NetworkConfig
	directory jetstream.KeyValue
	registry  *metric.MetricsRegistry
	logger    *slog.Logger
}

// NewNetwork creates a Network. With the directory backend the bucket is
// created (or bound) here, so store must be non-nil.
func NewNetwork(ctx context.Context, conn Conn, store DirectoryStore, cfg NetworkConfig,
	registry *metric.MetricsRegistry, logger *slog.Logger,
) (*Network, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendQuery
	}
	n := &Network{conn: conn, cfg: cfg, registry: registry, logger: logger}

	switch cfg.Backend {
	case BackendQuery:
	case BackendDirectory:
		if store == nil {
			return nil, errors.WrapFatal(errors.ErrStorageUnavailable, "Network", "NewNetwork", "open directory")
		}
		bucket := cfg.Bucket
		if bucket == "" {
			bucket = DefaultDirectoryBucket
		}
		kv, err := store.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Advertised stream descriptors",
			TTL:         cfg.DirectoryTTL,
			History:     1,
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "Network", "NewNetwork", "open directory bucket "+bucket)
		}
		n.directory = kv
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Network", "NewNetwork",
			"unknown discovery backend "+cfg.Backend)
	}
	return n, nil
}

// Resolver returns the resolver for the configured backend
func (n *Network) Resolver(timeout time.Duration) Resolver {
	if n.directory != nil {
		return NewDirectoryResolver(n.directory, n.logger)
	}
	return NewQueryResolver(n.conn, n.cfg.Prefix, timeout, n.logger)
}

// OpenInlet subscribes to desc with recovery enabled
func (n *Network) OpenInlet(_ context.Context, desc Descriptor) (*Inlet, error) {
	return NewInlet(n.conn, desc,
		WithInletPrefix(n.cfg.Prefix),
		WithRecover(true),
		WithBuffer(n.cfg.BufferSize, n.cfg.OverflowPolicy),
		WithInletMetrics(n.registry),
		WithInletLogger(n.logger),
	)
}

// OpenOutlet publishes a new stream described by desc
func (n *Network) OpenOutlet(ctx context.Context, desc Descriptor) (*Outlet, error) {
	opts := []OutletOption{WithOutletPrefix(n.cfg.Prefix), WithOutletLogger(n.logger)}
	if n.directory != nil {
		opts = append(opts, WithDirectory(n.directory, n.cfg.DirectoryTTL/3))
	}
	return NewOutlet(ctx, n.conn, desc, opts...)
}
