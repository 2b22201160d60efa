// Package discovery finds the live streams the relay should attach to:
// streams of the configured type, optionally with a required name, whose
// source identity is in the registry.
package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/registry"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
)

// Config selects which streams are candidates
type Config struct {
	Type        string        `json:"type"`
	RequireName string        `json:"require_name,omitempty"`
	Timeout     time.Duration `json:"timeout"`
}

// DefaultConfig matches Muse EEG headsets
func DefaultConfig() Config {
	return Config{
		Type:        "EEG",
		RequireName: "Muse",
		Timeout:     2 * time.Second,
	}
}

// Probe runs discovery rounds
type Probe struct {
	resolver stream.Resolver
	registry *registry.Registry
	cfg      Config
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// Option configures a Probe
type Option func(*Probe)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Probe) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records round duration and result counts
func WithMetrics(metrics *metric.Metrics) Option {
	return func(p *Probe) { p.metrics = metrics }
}

// NewProbe creates a Probe
func NewProbe(resolver stream.Resolver, reg *registry.Registry, cfg Config, opts ...Option) (*Probe, error) {
	if resolver == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Probe", "NewProbe", "check resolver")
	}
	if reg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Probe", "NewProbe", "check registry")
	}
	if cfg.Type == "" {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Probe", "NewProbe", "check stream type")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	p := &Probe{resolver: resolver, registry: reg, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Discover runs one round and returns the registered candidates, at most
// one per source identity. Finding nothing is not an error.
func (p *Probe) Discover(ctx context.Context) ([]stream.Descriptor, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resolved, err := p.resolver.Resolve(ctx, stream.Query{Type: p.cfg.Type})
	if err != nil {
		p.metrics.RecordDiscovery(time.Since(start), 0, err)
		return nil, errors.Wrap(err, "Probe", "Discover", "resolve "+p.cfg.Type+" streams")
	}

	candidates := p.filter(resolved)
	p.metrics.RecordDiscovery(time.Since(start), len(candidates), nil)
	return candidates, nil
}

func (p *Probe) filter(resolved []stream.Descriptor) []stream.Descriptor {
	index := make(map[string]int)
	candidates := make([]stream.Descriptor, 0, len(resolved))

	for _, d := range resolved {
		if d.Type != p.cfg.Type {
			continue
		}
		if p.cfg.RequireName != "" && d.Name != p.cfg.RequireName {
			continue
		}
		if !p.registry.Contains(d.SourceID) {
			p.logger.Debug("Ignoring unregistered source", "name", d.Name, "source_id", d.SourceID)
			continue
		}
		if i, dup := index[d.SourceID]; dup {
			if d.CreatedAt.After(candidates[i].CreatedAt) {
				candidates[i] = d
			}
			continue
		}
		index[d.SourceID] = len(candidates)
		candidates = append(candidates, d)
	}
	return candidates
}
