package stream

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
)

// OutletOption configures an Outlet
type OutletOption func(*Outlet)

// WithOutletPrefix sets the subject prefix
func WithOutletPrefix(prefix string) OutletOption {
	return func(o *Outlet) { o.prefix = normalizePrefix(prefix) }
}

// WithOutletLogger sets the logger
func WithOutletLogger(logger *slog.Logger) OutletOption {
	return func(o *Outlet) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDirectory also advertises the outlet in a KV directory, refreshing
// the entry every refresh interval so it outlives the bucket TTL.
func WithDirectory(kv jetstream.KeyValue, refresh time.Duration) OutletOption {
	return func(o *Outlet) {
		o.directory = kv
		o.refresh = refresh
	}
}

// Outlet advertises a stream and publishes its samples
type Outlet struct {
	conn      Conn
	desc      Descriptor
	prefix    string
	logger    *slog.Logger
	directory jetstream.KeyValue
	refresh   time.Duration

	discoverSub *nats.Subscription
	advert      []byte

	pushed atomic.Int64
	closed atomic.Bool

	stop     chan struct{}
	wg       sync.WaitGroup
	closeErr error
	once     sync.Once
}

// NewOutlet validates desc, assigns it a fresh uid, and starts answering
// discovery queries for it. The returned outlet owns the advertisement
// until Close.
func NewOutlet(ctx context.Context, conn Conn, desc Descriptor, opts ...OutletOption) (*Outlet, error) {
	if conn == nil {
		return nil, errors.WrapFatal(errors.ErrNoConnection, "Outlet", "NewOutlet", "check connection")
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	o := &Outlet{
		conn:   conn,
		desc:   desc.Clone(),
		prefix: DefaultPrefix,
		logger: slog.Default(),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.desc.UID = uuid.NewString()
	o.desc.CreatedAt = time.Now().UTC()
	if o.desc.Hostname == "" {
		o.desc.Hostname, _ = os.Hostname()
	}
	o.desc.Subject = DataSubject(o.prefix, o.desc)

	advert, err := json.Marshal(o.desc)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Outlet", "NewOutlet", "encode descriptor")
	}
	o.advert = advert

	sub, err := conn.Subscribe(DiscoverSubject(o.prefix), o.answer)
	if err != nil {
		return nil, errors.WrapTransient(err, "Outlet", "NewOutlet", "subscribe to discovery")
	}
	o.discoverSub = sub

	if o.directory != nil {
		if err := o.advertise(ctx); err != nil {
			_ = conn.Unsubscribe(sub)
			return nil, err
		}
		if o.refresh > 0 {
			o.wg.Add(1)
			go o.refreshLoop()
		}
	}

	o.logger.Debug("Outlet created", "stream", o.desc.Name, "subject", o.desc.Subject, "uid", o.desc.UID)
	return o, nil
}

func (o *Outlet) answer(msg *nats.Msg) {
	if o.closed.Load() || msg.Reply == "" {
		return
	}
	q, err := decodeQuery(msg.Data)
	if err != nil {
		o.logger.Debug("Ignoring malformed discovery query", "error", err)
		return
	}
	if !q.Matches(o.desc) {
		return
	}
	if err := msg.Respond(o.advert); err != nil {
		o.logger.Debug("Failed to answer discovery query", "stream", o.desc.Name, "error", err)
	}
}

func (o *Outlet) advertise(ctx context.Context) error {
	if _, err := o.directory.Put(ctx, o.desc.UID, o.advert); err != nil {
		return errors.WrapTransient(err, "Outlet", "advertise", "put directory entry")
	}
	return nil
}

func (o *Outlet) refreshLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.refresh)
			if err := o.advertise(ctx); err != nil {
				o.logger.Warn("Failed to refresh directory entry", "stream", o.desc.Name, "error", err)
			}
			cancel()
		}
	}
}

// Descriptor returns the advertised metadata, including the assigned uid
// and subject
func (o *Outlet) Descriptor() Descriptor {
	return o.desc.Clone()
}

// Pushed returns the number of samples published
func (o *Outlet) Pushed() int64 {
	return o.pushed.Load()
}

// PushSample publishes s. A zero timestamp is replaced with LocalClock;
// a sample whose shape does not match the descriptor is rejected.
func (o *Outlet) PushSample(ctx context.Context, s Sample) error {
	if o.closed.Load() {
		return errors.WrapFatal(errors.ErrClosed, "Outlet", "PushSample", "check state")
	}
	if !s.Fits(o.desc) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: got %d values for %d %s channels",
				errors.ErrMalformedSample, s.Width(), o.desc.ChannelCount, o.desc.Format),
			"Outlet", "PushSample", "check sample shape")
	}
	if s.Timestamp == 0 {
		s.Timestamp = LocalClock()
	}
	data, err := EncodeSample(s)
	if err != nil {
		return err
	}
	if err := o.conn.Publish(ctx, o.desc.Subject, data); err != nil {
		return errors.WrapTransient(err, "Outlet", "PushSample", "publish sample")
	}
	o.pushed.Add(1)
	return nil
}

// Close withdraws the advertisement and tells subscribers the stream ended
func (o *Outlet) Close(ctx context.Context) error {
	o.once.Do(func() {
		o.closed.Store(true)
		close(o.stop)
		o.wg.Wait()

		var errs []error
		eos := nats.NewMsg(o.desc.Subject)
		eos.Header.Set(HeaderEvent, EventEOS)
		if err := o.conn.PublishMsg(ctx, eos); err != nil {
			errs = append(errs, fmt.Errorf("publish end of stream: %w", err))
		}
		if o.discoverSub != nil {
			if err := o.conn.Unsubscribe(o.discoverSub); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribe discovery: %w", err))
			}
		}
		if o.directory != nil {
			if err := o.directory.Delete(ctx, o.desc.UID); err != nil {
				errs = append(errs, fmt.Errorf("delete directory entry: %w", err))
			}
		}
		if len(errs) > 0 {
			o.closeErr = errors.WrapTransient(stderrors.Join(errs...), "Outlet", "Close", "close outlet")
		}
		o.logger.Debug("Outlet closed", "stream", o.desc.Name, "pushed", o.pushed.Load())
	})
	return o.closeErr
}
