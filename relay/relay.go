// Package relay republishes one source stream under a new name. A Relay
// owns an inlet on the source and an outlet carrying the renamed
// descriptor, and forwards samples one Step at a time.
package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
)

// Inlet is the receiving side of a relay
type Inlet interface {
	// PullSample returns immediately; ok is false when nothing is queued
	PullSample() (s stream.Sample, ok bool, err error)
	QuietFor() time.Duration
	Close() error
}

// Outlet is the publishing side of a relay
type Outlet interface {
	PushSample(ctx context.Context, s stream.Sample) error
	Descriptor() stream.Descriptor
	Close(ctx context.Context) error
}

// Opener creates inlets and outlets. Inlets must be opened with recovery
// so that a source restart is invisible to the relay.
type Opener interface {
	OpenInlet(ctx context.Context, src stream.Descriptor) (Inlet, error)
	OpenOutlet(ctx context.Context, desc stream.Descriptor) (Outlet, error)
}

// Outcome is the result of one Step
type Outcome int

const (
	// Idle means no sample was waiting
	Idle Outcome = iota
	// Forwarded means one sample was republished
	Forwarded
	// Skipped means one sample was consumed and dropped as malformed
	Skipped
	// Failed means the step hit a transient error; the relay stays usable
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Forwarded:
		return "forwarded"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Description keys recording where a renamed stream came from
const (
	DescOriginalName     = "original_name"
	DescOriginalType     = "original_type"
	DescOriginalSourceID = "original_source_id"
	DescOriginalUID      = "original_uid"
	DescRenamedTo        = "renamed_to"
)

// RenamedDescriptor derives the descriptor a relay publishes for src
func RenamedDescriptor(src stream.Descriptor, newName string) stream.Descriptor {
	return stream.Descriptor{
		Name:         newName,
		Type:         src.Type,
		SourceID:     "Renamed:" + newName + ":" + src.SourceID,
		ChannelCount: src.ChannelCount,
		NominalRate:  src.NominalRate,
		Format:       src.Format,
		Desc: map[string]string{
			DescOriginalName:     src.Name,
			DescOriginalType:     src.Type,
			DescOriginalSourceID: src.SourceID,
			DescOriginalUID:      src.UID,
			DescRenamedTo:        newName,
		},
	}
}

// Option configures a Relay
type Option func(*Relay)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records per-stream forwarding counters
func WithMetrics(metrics *metric.Metrics) Option {
	return func(r *Relay) { r.metrics = metrics }
}

// Snapshot is a point-in-time view of a relay
type Snapshot struct {
	SourceID     string        `json:"source_id"`
	OriginalName string        `json:"original_name"`
	NewName      string        `json:"new_name"`
	Subject      string        `json:"subject"`
	AttachedAt   time.Time     `json:"attached_at"`
	Forwarded    int64         `json:"forwarded"`
	Skipped      int64         `json:"skipped"`
	Failures     int64         `json:"failures"`
	LastForward  time.Time     `json:"last_forward,omitempty"`
	QuietFor     time.Duration `json:"quiet_for_ns"`
}

// Relay forwards samples from one source to its renamed publication
type Relay struct {
	src        stream.Descriptor
	newName    string
	inlet      Inlet
	outlet     Outlet
	attachedAt time.Time
	logger     *slog.Logger
	metrics    *metric.Metrics

	forwarded   atomic.Int64
	skipped     atomic.Int64
	failures    atomic.Int64
	lastForward atomic.Int64
	closed      atomic.Bool
}

// New opens an inlet on src and an outlet publishing it as newName. If the
// outlet cannot be opened the inlet is closed again and nothing leaks.
func New(ctx context.Context, opener Opener, src stream.Descriptor, newName string, opts ...Option) (*Relay, error) {
	if newName == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Relay", "New", "check new name")
	}

	inlet, err := opener.OpenInlet(ctx, src)
	if err != nil {
		return nil, errors.Wrap(err, "Relay", "New", "open inlet for "+src.SourceID)
	}

	outlet, err := opener.OpenOutlet(ctx, RenamedDescriptor(src, newName))
	if err != nil {
		_ = inlet.Close()
		return nil, errors.Wrap(err, "Relay", "New", "open outlet "+newName)
	}

	r := &Relay{
		src:        src.Clone(),
		newName:    newName,
		inlet:      inlet,
		outlet:     outlet,
		attachedAt: time.Now(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Source returns the descriptor of the stream being relayed
func (r *Relay) Source() stream.Descriptor {
	return r.src.Clone()
}

// SourceID returns the identity of the relayed source
func (r *Relay) SourceID() string {
	return r.src.SourceID
}

// NewName returns the name the relay publishes under
func (r *Relay) NewName() string {
	return r.newName
}

// Published returns the descriptor the outlet advertises
func (r *Relay) Published() stream.Descriptor {
	return r.outlet.Descriptor()
}

// Step forwards at most one sample and never waits for one. Samples
// without a valid timestamp are consumed and skipped. A returned error is
// always paired with Failed.
func (r *Relay) Step(ctx context.Context) (Outcome, error) {
	if r.closed.Load() {
		return Failed, errors.WrapFatal(errors.ErrClosed, "Relay", "Step", "check state")
	}

	s, ok, err := r.inlet.PullSample()
	if err != nil {
		r.fail()
		return Failed, errors.WrapTransient(err, "Relay", "Step", "pull from "+r.src.Name)
	}
	if !ok {
		return Idle, nil
	}

	if !s.HasValidTimestamp() {
		r.skip()
		return Skipped, nil
	}

	if err := r.outlet.PushSample(ctx, s); err != nil {
		if errors.IsInvalid(err) {
			r.logger.Debug("Skipping sample the outlet rejected", "stream", r.newName, "error", err)
			r.skip()
			return Skipped, nil
		}
		r.fail()
		return Failed, errors.WrapTransient(err, "Relay", "Step", "push to "+r.newName)
	}

	r.forwarded.Add(1)
	r.lastForward.Store(time.Now().UnixNano())
	r.metrics.RecordForwarded(r.newName)
	return Forwarded, nil
}

func (r *Relay) skip() {
	r.skipped.Add(1)
	r.metrics.RecordSkipped(r.newName)
}

func (r *Relay) fail() {
	r.failures.Add(1)
	r.metrics.RecordForwardError(r.newName)
}

// QuietFor returns how long the source has been silent
func (r *Relay) QuietFor() time.Duration {
	return r.inlet.QuietFor()
}

// Snapshot returns the relay's counters
func (r *Relay) Snapshot() Snapshot {
	snap := Snapshot{
		SourceID:     r.src.SourceID,
		OriginalName: r.src.Name,
		NewName:      r.newName,
		Subject:      r.outlet.Descriptor().Subject,
		AttachedAt:   r.attachedAt,
		Forwarded:    r.forwarded.Load(),
		Skipped:      r.skipped.Load(),
		Failures:     r.failures.Load(),
		QuietFor:     r.inlet.QuietFor(),
	}
	if last := r.lastForward.Load(); last != 0 {
		snap.LastForward = time.Unix(0, last)
	}
	return snap
}

// Close releases the inlet and withdraws the outlet
func (r *Relay) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	inErr := r.inlet.Close()
	outErr := r.outlet.Close(ctx)
	if inErr != nil {
		return errors.Wrap(inErr, "Relay", "Close", "close inlet")
	}
	if outErr != nil {
		return errors.Wrap(outErr, "Relay", "Close", "close outlet")
	}
	return nil
}
