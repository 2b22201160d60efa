// Package supervisor keeps one relay per registered source alive for the
// lifetime of the process. An attach loop periodically discovers sources
// and constructs relays for new identities; a forward loop steps every
// relay in turn. The two loops share only the live set.
package supervisor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/health"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/registry"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/relay"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
)

// Discoverer returns the registered sources currently advertised
type Discoverer interface {
	Discover(ctx context.Context) ([]stream.Descriptor, error)
}

// Config holds the loop timings
type Config struct {
	RescanInterval time.Duration `json:"rescan_interval"`
	CycleSleep     time.Duration `json:"cycle_sleep"`
	QuietAfter     time.Duration `json:"quiet_after"`
	WarnInterval   time.Duration `json:"warn_interval"`
}

// DefaultConfig returns the standard timings
func DefaultConfig() Config {
	return Config{
		RescanInterval: time.Second,
		CycleSleep:     time.Millisecond,
		QuietAfter:     10 * time.Second,
		WarnInterval:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RescanInterval <= 0 {
		c.RescanInterval = d.RescanInterval
	}
	if c.CycleSleep <= 0 {
		c.CycleSleep = d.CycleSleep
	}
	if c.QuietAfter <= 0 {
		c.QuietAfter = d.QuietAfter
	}
	if c.WarnInterval <= 0 {
		c.WarnInterval = d.WarnInterval
	}
	return c
}

// Health component names
const (
	DiscoveryComponent = "discovery"
	relayComponent     = "relay:"
)

// ForwardReport totals the outcomes of one forwarding cycle
type ForwardReport struct {
	Idle      int
	Forwarded int
	Skipped   int
	Failed    int
}

// Total returns the number of relays stepped
func (r ForwardReport) Total() int {
	return r.Idle + r.Forwarded + r.Skipped + r.Failed
}

type entry struct {
	relay *relay.Relay

	// Owned by the forward loop
	limiter    *rate.Limiter
	suppressed int
	quiet      bool
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records live set and per-relay metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(s *Supervisor) { s.metrics = metrics }
}

// WithHealth reports relay and discovery health to monitor
func WithHealth(monitor *health.Monitor) Option {
	return func(s *Supervisor) {
		if monitor != nil {
			s.health = monitor
		}
	}
}

// Supervisor owns the live set of relays
type Supervisor struct {
	probe    Discoverer
	opener   relay.Opener
	registry *registry.Registry
	cfg      Config
	logger   *slog.Logger
	metrics  *metric.Metrics
	health   *health.Monitor

	mu     sync.RWMutex
	relays map[string]*entry

	// attachMu serialises attach rounds so an identity is never
	// constructed twice
	attachMu sync.Mutex
}

// New creates a Supervisor with an empty live set
func New(probe Discoverer, opener relay.Opener, reg *registry.Registry, cfg Config, opts ...Option) (*Supervisor, error) {
	if probe == nil || opener == nil || reg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Supervisor", "New", "check dependencies")
	}
	s := &Supervisor{
		probe:    probe,
		opener:   opener,
		registry: reg,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		health:   health.NewMonitor(),
		relays:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AttachOnce runs one discovery round and constructs a relay for every
// registered identity not already in the live set. Construction failures
// are logged and retried on the next round; only a discovery failure is
// returned.
func (s *Supervisor) AttachOnce(ctx context.Context) (int, error) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	found, err := s.probe.Discover(ctx)
	if err != nil {
		s.health.UpdateDegraded(DiscoveryComponent, "discovery failed: "+err.Error())
		return 0, errors.Wrap(err, "Supervisor", "AttachOnce", "discover sources")
	}
	s.health.UpdateHealthy(DiscoveryComponent, fmt.Sprintf("%d registered streams visible", len(found)))

	attached := 0
	for _, src := range found {
		if s.has(src.SourceID) {
			continue
		}
		newName, err := s.registry.Require(src.SourceID)
		if err != nil {
			s.logger.Debug("Skipping source", "source_id", src.SourceID, "name", src.Name, "error", err)
			continue
		}

		r, err := relay.New(ctx, s.opener, src, newName,
			relay.WithLogger(s.logger.With("relay", newName)),
			relay.WithMetrics(s.metrics),
		)
		if err != nil {
			s.metrics.RecordAttachFailure(src.SourceID)
			s.logger.Error("relay attach failed",
				"source_id", src.SourceID, "original_name", src.Name, "new_name", newName, "error", err)
			continue
		}

		s.mu.Lock()
		s.relays[src.SourceID] = &entry{
			relay:   r,
			limiter: rate.NewLimiter(rate.Every(s.cfg.WarnInterval), 1),
		}
		active := len(s.relays)
		s.mu.Unlock()

		attached++
		s.metrics.RecordRelaysActive(active)
		s.metrics.RecordRelayHealth(newName, true)
		s.health.UpdateHealthy(relayComponent+newName, "attached to "+src.SourceID)
		s.logger.Info("relay attached",
			"source_id", src.SourceID,
			"original_name", src.Name,
			"new_name", newName,
			"subject", r.Published().Subject)
	}
	return attached, nil
}

func (s *Supervisor) has(sourceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.relays[sourceID]
	return ok
}

func (s *Supervisor) entries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.relays))
	for _, e := range s.relays {
		out = append(out, e)
	}
	return out
}

// ForwardOnce steps every live relay once. Failures are logged, rate
// limited per relay, and never stop the cycle.
func (s *Supervisor) ForwardOnce(ctx context.Context) ForwardReport {
	var report ForwardReport
	for _, e := range s.entries() {
		outcome, err := e.relay.Step(ctx)
		switch outcome {
		case relay.Idle:
			report.Idle++
		case relay.Forwarded:
			report.Forwarded++
		case relay.Skipped:
			report.Skipped++
		case relay.Failed:
			report.Failed++
		}
		if err != nil {
			s.warnStepFailure(e, err)
		}
		s.trackQuiet(e, outcome)
	}
	return report
}

func (s *Supervisor) warnStepFailure(e *entry, err error) {
	if !e.limiter.Allow() {
		e.suppressed++
		return
	}
	s.logger.Warn("relay step failed",
		"source_id", e.relay.SourceID(),
		"new_name", e.relay.NewName(),
		"suppressed", e.suppressed,
		"error", err)
	e.suppressed = 0
}

func (s *Supervisor) trackQuiet(e *entry, outcome relay.Outcome) {
	name := e.relay.NewName()
	if e.quiet {
		if outcome == relay.Forwarded {
			e.quiet = false
			s.metrics.RecordRelayHealth(name, true)
			s.health.UpdateHealthy(relayComponent+name, "samples flowing")
			s.logger.Info("relay resumed", "source_id", e.relay.SourceID(), "new_name", name)
		}
		return
	}
	if outcome == relay.Idle {
		if quiet := e.relay.QuietFor(); quiet > s.cfg.QuietAfter {
			e.quiet = true
			s.metrics.RecordRelayHealth(name, false)
			s.health.UpdateDegraded(relayComponent+name, fmt.Sprintf("no samples for %s", quiet.Truncate(time.Second)))
			s.logger.Warn("relay quiet",
				"source_id", e.relay.SourceID(), "new_name", name, "quiet_for", quiet.Truncate(time.Millisecond))
		}
	}
}

// Run drives the attach and forward loops until ctx is cancelled
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("relay supervisor started",
		"sources", s.registry.Len(),
		"rescan_interval", s.cfg.RescanInterval,
		"cycle_sleep", s.cfg.CycleSleep)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.attachLoop(gctx) })
	g.Go(func() error { return s.forwardLoop(gctx) })
	err := g.Wait()

	s.logger.Info("relay supervisor stopped", "relays", s.Len())
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Supervisor) attachLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()
	for {
		if _, err := s.AttachOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Discovery round failed, retrying next scan", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) forwardLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CycleSleep)
	defer ticker.Stop()
	for {
		s.ForwardOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Len returns the size of the live set
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.relays)
}

// Relays returns a snapshot of every live relay, ordered by new name
func (s *Supervisor) Relays() []relay.Snapshot {
	entries := s.entries()
	snaps := make([]relay.Snapshot, 0, len(entries))
	for _, e := range entries {
		snaps = append(snaps, e.relay.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].NewName < snaps[j].NewName })
	return snaps
}

// Health returns the monitor relay health is reported to
func (s *Supervisor) Health() *health.Monitor {
	return s.health
}

// Handler serves the live set as JSON
func (s *Supervisor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Relays()); err != nil {
			s.logger.Debug("Failed to write relay snapshot", "error", err)
		}
	})
}

// Close closes every relay and empties the live set
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	relays := s.relays
	s.relays = make(map[string]*entry)
	s.mu.Unlock()

	s.logger.Info("stopping relay", "relays", len(relays))
	var errs []error
	for id, e := range relays {
		if err := e.relay.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("relay %s: %w", id, err))
		}
		s.health.Remove(relayComponent + e.relay.NewName())
	}
	s.metrics.RecordRelaysActive(0)
	if len(errs) > 0 {
		return errors.WrapTransient(stderrors.Join(errs...), "Supervisor", "Close", "close relays")
	}
	return nil
}
