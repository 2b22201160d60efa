package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/pkg/buffer"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/pkg/retry"
)

// DefaultInletBuffer is the number of samples an inlet queues before it
// starts dropping the oldest
const DefaultInletBuffer = 1024

// InletOption configures an Inlet
type InletOption func(*inletConfig)

type inletConfig struct {
	prefix     string
	recover    bool
	bufferSize int
	policy     buffer.OverflowPolicy
	registry   *metric.MetricsRegistry
	logger     *slog.Logger
	backoff    retry.Config
}

// WithInletPrefix sets the subject prefix
func WithInletPrefix(prefix string) InletOption {
	return func(c *inletConfig) { c.prefix = normalizePrefix(prefix) }
}

// WithRecover makes the inlet survive the loss of its source: it keeps its
// subscription alive and resumes delivery when a source with the same
// identity reappears, instead of reporting ErrSourceLost.
func WithRecover(enabled bool) InletOption {
	return func(c *inletConfig) { c.recover = enabled }
}

// WithBuffer sets the queue capacity and overflow policy
func WithBuffer(size int, policy buffer.OverflowPolicy) InletOption {
	return func(c *inletConfig) {
		if size > 0 {
			c.bufferSize = size
		}
		c.policy = policy
	}
}

// WithInletMetrics exports queue metrics to registry
func WithInletMetrics(registry *metric.MetricsRegistry) InletOption {
	return func(c *inletConfig) { c.registry = registry }
}

// WithInletLogger sets the logger
func WithInletLogger(logger *slog.Logger) InletOption {
	return func(c *inletConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithResubscribeBackoff sets the pacing of resubscription attempts
func WithResubscribeBackoff(cfg retry.Config) InletOption {
	return func(c *inletConfig) { c.backoff = cfg }
}

// InletStats is a point-in-time view of an inlet's counters
type InletStats struct {
	Received  int64 `json:"received"`
	Dropped   int64 `json:"dropped"`
	Malformed int64 `json:"malformed"`
	Queued    int   `json:"queued"`
}

// Inlet receives the samples of one stream. Delivery runs on the NATS
// callback goroutine and only ever appends to a bounded queue, so a slow
// consumer never stalls the connection.
type Inlet struct {
	conn    Conn
	desc    Descriptor
	subject string
	recover bool
	logger  *slog.Logger

	queue   buffer.Buffer[Sample]
	backoff *retry.Backoff

	mu  sync.Mutex
	sub *nats.Subscription

	ended      atomic.Bool
	closed     atomic.Bool
	received   atomic.Int64
	malformed  atomic.Int64
	lastSample atomic.Int64
	created    time.Time
}

// NewInlet subscribes to the stream described by desc
func NewInlet(conn Conn, desc Descriptor, opts ...InletOption) (*Inlet, error) {
	if conn == nil {
		return nil, errors.WrapFatal(errors.ErrNoConnection, "Inlet", "NewInlet", "check connection")
	}

	cfg := inletConfig{
		prefix:     DefaultPrefix,
		bufferSize: DefaultInletBuffer,
		policy:     buffer.DropOldest,
		logger:     slog.Default(),
		backoff:    retry.Quick(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	subject := desc.Subject
	if subject == "" {
		subject = DataSubject(cfg.prefix, desc)
	}

	queue, err := newSampleQueue(cfg, desc)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Inlet", "NewInlet", "create sample queue")
	}

	in := &Inlet{
		conn:    conn,
		desc:    desc.Clone(),
		subject: subject,
		recover: cfg.recover,
		logger:  cfg.logger,
		queue:   queue,
		backoff: retry.NewBackoff(cfg.backoff),
		created: time.Now(),
	}

	sub, err := conn.Subscribe(subject, in.deliver)
	if err != nil {
		_ = queue.Close()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Inlet", "NewInlet", "subscribe to "+subject)
	}
	in.sub = sub

	in.logger.Debug("Inlet opened", "stream", desc.Name, "subject", subject, "recover", cfg.recover)
	return in, nil
}

// newSampleQueue builds the inlet queue. Queue metrics are keyed by stream,
// so only the first inlet open on a stream exports them; later ones (a tap
// client following a relayed source, say) queue unmetered.
func newSampleQueue(cfg inletConfig, desc Descriptor) (buffer.Buffer[Sample], error) {
	policy := buffer.WithOverflowPolicy[Sample](cfg.policy)
	if cfg.registry != nil {
		queue, err := buffer.NewCircularBuffer[Sample](cfg.bufferSize, policy,
			buffer.WithMetrics[Sample](cfg.registry, "inlet_"+Token(desc)))
		if err == nil {
			return queue, nil
		}
		cfg.logger.Debug("Inlet queue metrics unavailable", "stream", desc.Name, "error", err)
	}
	return buffer.NewCircularBuffer[Sample](cfg.bufferSize, policy)
}

func (in *Inlet) deliver(msg *nats.Msg) {
	if msg.Header != nil && msg.Header.Get(HeaderEvent) == EventEOS {
		in.ended.Store(true)
		in.logger.Debug("Source signalled end of stream", "stream", in.desc.Name)
		return
	}
	s, err := DecodeSample(msg.Data)
	if err != nil {
		in.malformed.Add(1)
		in.logger.Debug("Dropping undecodable sample", "stream", in.desc.Name, "error", err)
		return
	}
	in.ended.Store(false)
	in.received.Add(1)
	in.lastSample.Store(time.Now().UnixNano())
	_ = in.queue.Write(s)
}

// Descriptor returns the metadata of the stream this inlet follows
func (in *Inlet) Descriptor() Descriptor {
	return in.desc.Clone()
}

// PullSample returns the oldest queued sample without waiting. ok is false
// when nothing is queued. Without recovery, an inlet whose source has ended
// and whose queue is drained reports ErrSourceLost.
func (in *Inlet) PullSample() (Sample, bool, error) {
	if in.closed.Load() {
		return Sample{}, false, errors.WrapFatal(errors.ErrClosed, "Inlet", "PullSample", "check state")
	}
	if s, ok := in.queue.Read(); ok {
		return s, true, nil
	}

	lost := in.ended.Load() || in.subscriptionLost()
	if !lost {
		return Sample{}, false, nil
	}
	if !in.recover {
		return Sample{}, false, errors.WrapTransient(errors.ErrSourceLost, "Inlet", "PullSample", "read "+in.desc.Name)
	}
	if in.subscriptionLost() {
		in.resubscribe()
	}
	return Sample{}, false, nil
}

func (in *Inlet) subscriptionLost() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.sub != nil && !in.sub.IsValid()
}

// resubscribe replaces a subscription the server dropped. Attempts are
// paced by the backoff gate so a failing server is not hammered from the
// forwarding loop.
func (in *Inlet) resubscribe() {
	if !in.backoff.Ready() {
		return
	}
	sub, err := in.conn.Subscribe(in.subject, in.deliver)
	if err != nil {
		wait := in.backoff.Failure()
		in.logger.Debug("Resubscribe failed", "stream", in.desc.Name, "retry_in", wait, "error", err)
		return
	}
	in.backoff.Reset()
	in.mu.Lock()
	if in.closed.Load() {
		in.mu.Unlock()
		_ = in.conn.Unsubscribe(sub)
		return
	}
	stale := in.sub
	in.sub = sub
	in.mu.Unlock()
	if err := in.conn.Unsubscribe(stale); err != nil {
		in.logger.Debug("Releasing dropped subscription failed", "stream", in.desc.Name, "error", err)
	}
	in.logger.Info("Inlet resubscribed", "stream", in.desc.Name, "subject", in.subject)
}

// QuietFor returns how long it has been since the last sample arrived, or
// since the inlet was opened if none has
func (in *Inlet) QuietFor() time.Duration {
	last := in.lastSample.Load()
	if last == 0 {
		return time.Since(in.created)
	}
	return time.Since(time.Unix(0, last))
}

// Stats returns the inlet's counters
func (in *Inlet) Stats() InletStats {
	return InletStats{
		Received:  in.received.Load(),
		Dropped:   in.queue.Stats().Drops(),
		Malformed: in.malformed.Load(),
		Queued:    in.queue.Size(),
	}
}

// Close stops delivery. Queued samples are discarded.
func (in *Inlet) Close() error {
	if !in.closed.CompareAndSwap(false, true) {
		return nil
	}
	in.mu.Lock()
	sub := in.sub
	in.sub = nil
	in.mu.Unlock()

	var err error
	if sub != nil {
		err = in.conn.Unsubscribe(sub)
	}
	if cerr := in.queue.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.WrapTransient(err, "Inlet", "Close", "close inlet")
	}
	return nil
}
