package stream

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/pkg/buffer"
)

// loopConn delivers published messages synchronously to handlers
// subscribed on the same subject.
type loopConn struct {
	mu        sync.Mutex
	handlers  map[string][]nats.MsgHandler
	published []*nats.Msg
	failSub   bool
}

func newLoopConn() *loopConn {
	return &loopConn{handlers: make(map[string][]nats.MsgHandler)}
}

func (c *loopConn) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSub {
		return nil, nats.ErrConnectionClosed
	}
	c.handlers[subject] = append(c.handlers[subject], handler)
	return nil, nil
}

func (c *loopConn) Unsubscribe(*nats.Subscription) error { return nil }

func (c *loopConn) Publish(ctx context.Context, subject string, data []byte) error {
	return c.PublishMsg(ctx, &nats.Msg{Subject: subject, Data: data})
}

func (c *loopConn) PublishMsg(_ context.Context, msg *nats.Msg) error {
	c.mu.Lock()
	c.published = append(c.published, msg)
	handlers := append([]nats.MsgHandler(nil), c.handlers[msg.Subject]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (c *loopConn) RequestMany(context.Context, string, []byte, func(*nats.Msg) bool) error {
	return nil
}

func (c *loopConn) subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for s := range c.handlers {
		out = append(out, s)
	}
	return out
}

func museDescriptor(sourceID string) Descriptor {
	return Descriptor{
		Name:         "Muse",
		Type:         "EEG",
		SourceID:     sourceID,
		ChannelCount: 4,
		NominalRate:  256,
		Format:       FormatFloat32,
	}
}

func TestDescriptor_Validate(t *testing.T) {
	valid := museDescriptor("Muse4958")
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Descriptor)
	}{
		{"missing name", func(d *Descriptor) { d.Name = "" }},
		{"missing type", func(d *Descriptor) { d.Type = "" }},
		{"zero channels", func(d *Descriptor) { d.ChannelCount = 0 }},
		{"negative rate", func(d *Descriptor) { d.NominalRate = -1 }},
		{"NaN rate", func(d *Descriptor) { d.NominalRate = math.NaN() }},
		{"unknown format", func(d *Descriptor) { d.Format = "complex128" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			err := d.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDescriptor_CloneIsDeep(t *testing.T) {
	d := museDescriptor("a")
	d.Desc = map[string]string{"k": "v"}
	c := d.Clone()
	c.Desc["k"] = "changed"
	assert.Equal(t, "v", d.Desc["k"])
}

func TestDescriptor_Identity(t *testing.T) {
	assert.Equal(t, "abc", Descriptor{SourceID: "abc", UID: "u1"}.Identity())
	assert.Equal(t, "uid:u1", Descriptor{UID: "u1"}.Identity())
}

func TestSample_HasValidTimestamp(t *testing.T) {
	cases := map[float64]bool{
		100.0:        true,
		0.001:        true,
		0:            false,
		-5:           false,
		math.NaN():   false,
		math.Inf(1):  false,
		math.Inf(-1): false,
	}
	for ts, want := range cases {
		assert.Equal(t, want, Sample{Timestamp: ts}.HasValidTimestamp(), "timestamp %v", ts)
	}
}

func TestSample_DecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeSample(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrParsingFailed)

	_, err = DecodeSample([]byte{0xc1})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSample_EncodeKeepsStringsAndValues(t *testing.T) {
	data, err := EncodeSample(Sample{Strings: []string{"blink"}, Timestamp: 12.5})
	require.NoError(t, err)
	s, err := DecodeSample(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"blink"}, s.Strings)
	assert.Empty(t, s.Values)
	assert.Equal(t, 12.5, s.Timestamp)
}

func TestToken_StableAcrossInstances(t *testing.T) {
	a := Descriptor{SourceID: "Muse4958", UID: "first"}
	b := Descriptor{SourceID: "Muse4958", UID: "second"}
	c := Descriptor{SourceID: "MuseAEA6", UID: "first"}

	assert.Equal(t, Token(a), Token(b))
	assert.NotEqual(t, Token(a), Token(c))
	assert.Equal(t, "lsl.data."+Token(a), DataSubject("", a))
	assert.Equal(t, "eeg.discover", DiscoverSubject(".eeg."))
}

func TestQuery_Matches(t *testing.T) {
	d := museDescriptor("ID-A")
	assert.True(t, Query{}.Matches(d))
	assert.True(t, Query{Type: "EEG"}.Matches(d))
	assert.False(t, Query{Type: "Markers"}.Matches(d))
	assert.True(t, Query{Type: "EEG", Name: "Muse", SourceID: "ID-A"}.Matches(d))
	assert.False(t, Query{SourceID: "ID-B"}.Matches(d))
}

func TestOutlet_PushAndInletPull(t *testing.T) {
	conn := newLoopConn()
	ctx := context.Background()

	out, err := NewOutlet(ctx, conn, museDescriptor("ID-A"))
	require.NoError(t, err)
	published := out.Descriptor()
	assert.NotEmpty(t, published.UID)
	assert.Equal(t, DataSubject(DefaultPrefix, published), published.Subject)
	assert.False(t, published.CreatedAt.IsZero())

	in, err := NewInlet(conn, published)
	require.NoError(t, err)
	defer in.Close()

	_, ok, err := in.PullSample()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, out.PushSample(ctx, Sample{Values: []float64{1, 2, 3, 4}, Timestamp: 100}))
	s, ok, err := in.PullSample()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3, 4}, s.Values)
	assert.Equal(t, 100.0, s.Timestamp)
	assert.Equal(t, int64(1), out.Pushed())
	assert.Less(t, in.QuietFor(), time.Second)
}

func TestOutlet_StampsZeroTimestamp(t *testing.T) {
	conn := newLoopConn()
	out, err := NewOutlet(context.Background(), conn, museDescriptor("ID-A"))
	require.NoError(t, err)
	in, err := NewInlet(conn, out.Descriptor())
	require.NoError(t, err)

	before := LocalClock()
	require.NoError(t, out.PushSample(context.Background(), Sample{Values: []float64{0, 0, 0, 0}}))
	s, ok, _ := in.PullSample()
	require.True(t, ok)
	assert.GreaterOrEqual(t, s.Timestamp, before)
}

func TestOutlet_RejectsWrongShape(t *testing.T) {
	out, err := NewOutlet(context.Background(), newLoopConn(), museDescriptor("ID-A"))
	require.NoError(t, err)

	err = out.PushSample(context.Background(), Sample{Values: []float64{1}, Timestamp: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMalformedSample)

	err = out.PushSample(context.Background(), Sample{Strings: []string{"a", "b", "c", "d"}, Timestamp: 1})
	assert.ErrorIs(t, err, errors.ErrMalformedSample)
}

func TestOutlet_Int64StreamCarriesExactIntegers(t *testing.T) {
	conn := newLoopConn()
	ctx := context.Background()
	desc := museDescriptor("ID-A")
	desc.ChannelCount = 2
	desc.Format = FormatInt64

	out, err := NewOutlet(ctx, conn, desc)
	require.NoError(t, err)
	in, err := NewInlet(conn, out.Descriptor())
	require.NoError(t, err)
	defer in.Close()

	err = out.PushSample(ctx, Sample{Values: []float64{1, 2}, Timestamp: 1})
	assert.ErrorIs(t, err, errors.ErrMalformedSample)

	big := int64(math.MaxInt64 - 1)
	require.NoError(t, out.PushSample(ctx, Sample{Ints: []int64{big, -7}, Timestamp: 5}))
	s, ok, err := in.PullSample()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{big, -7}, s.Ints)
	assert.Empty(t, s.Values)
	assert.Equal(t, 2, s.Width())
}

func TestOutlet_CloseSendsEndOfStream(t *testing.T) {
	conn := newLoopConn()
	ctx := context.Background()
	out, err := NewOutlet(ctx, conn, museDescriptor("ID-A"))
	require.NoError(t, err)

	strict, err := NewInlet(conn, out.Descriptor())
	require.NoError(t, err)
	recovering, err := NewInlet(conn, out.Descriptor(), WithRecover(true))
	require.NoError(t, err)

	require.NoError(t, out.PushSample(ctx, Sample{Values: []float64{1, 1, 1, 1}, Timestamp: 5}))
	require.NoError(t, out.Close(ctx))
	require.NoError(t, out.Close(ctx))

	err = out.PushSample(ctx, Sample{Values: []float64{1, 1, 1, 1}, Timestamp: 6})
	assert.True(t, errors.IsFatal(err))

	// Queued samples drain before the loss is reported
	_, ok, err := strict.PullSample()
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = strict.PullSample()
	assert.False(t, ok)
	assert.ErrorIs(t, err, errors.ErrSourceLost)
	assert.True(t, errors.IsTransient(err))

	_, _, _ = recovering.PullSample()
	_, ok, err = recovering.PullSample()
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestInlet_RecoversWhenSourceReturns(t *testing.T) {
	conn := newLoopConn()
	ctx := context.Background()

	first, err := NewOutlet(ctx, conn, museDescriptor("ID-A"))
	require.NoError(t, err)
	in, err := NewInlet(conn, first.Descriptor(), WithRecover(true))
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	// A restarted source gets a new uid but the same identity and subject
	second, err := NewOutlet(ctx, conn, museDescriptor("ID-A"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Descriptor().UID, second.Descriptor().UID)
	assert.Equal(t, first.Descriptor().Subject, second.Descriptor().Subject)

	require.NoError(t, second.PushSample(ctx, Sample{Values: []float64{9, 9, 9, 9}, Timestamp: 7}))
	s, ok, err := in.PullSample()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7.0, s.Timestamp)
}

// droppedSubConn hands out subscriptions the server has already dropped
// and records what the inlet releases.
type droppedSubConn struct {
	*loopConn
	issued   []*nats.Subscription
	released []*nats.Subscription
}

func (c *droppedSubConn) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	if _, err := c.loopConn.Subscribe(subject, handler); err != nil {
		return nil, err
	}
	sub := &nats.Subscription{Subject: subject}
	c.issued = append(c.issued, sub)
	return sub, nil
}

func (c *droppedSubConn) Unsubscribe(sub *nats.Subscription) error {
	c.released = append(c.released, sub)
	return nil
}

func TestInlet_ResubscribeReleasesDroppedSubscription(t *testing.T) {
	conn := &droppedSubConn{loopConn: newLoopConn()}
	in, err := NewInlet(conn, museDescriptor("ID-A"), WithRecover(true))
	require.NoError(t, err)
	require.Len(t, conn.issued, 1)

	_, ok, err := in.PullSample()
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, conn.issued, 2)
	require.Len(t, conn.released, 1)
	assert.Same(t, conn.issued[0], conn.released[0])

	require.NoError(t, in.Close())
	require.Len(t, conn.released, 2)
	assert.Same(t, conn.issued[1], conn.released[1])
}

func TestInlet_BoundedQueueDropsOldest(t *testing.T) {
	conn := newLoopConn()
	ctx := context.Background()
	out, err := NewOutlet(ctx, conn, museDescriptor("ID-A"))
	require.NoError(t, err)
	in, err := NewInlet(conn, out.Descriptor(), WithBuffer(2, buffer.DropOldest))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, out.PushSample(ctx, Sample{Values: []float64{0, 0, 0, 0}, Timestamp: float64(i)}))
	}

	s, ok, _ := in.PullSample()
	require.True(t, ok)
	assert.Equal(t, 2.0, s.Timestamp)
	stats := in.Stats()
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 1, stats.Queued)
}

func TestInlet_CountsUndecodablePayloads(t *testing.T) {
	conn := newLoopConn()
	d := museDescriptor("ID-A")
	in, err := NewInlet(conn, d)
	require.NoError(t, err)

	require.NoError(t, conn.Publish(context.Background(), DataSubject(DefaultPrefix, d), []byte{0xc1}))
	_, ok, err := in.PullSample()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), in.Stats().Malformed)
}

func TestInlet_ClosedAndSubscribeFailure(t *testing.T) {
	conn := newLoopConn()
	in, err := NewInlet(conn, museDescriptor("ID-A"))
	require.NoError(t, err)
	require.NoError(t, in.Close())
	require.NoError(t, in.Close())

	_, _, err = in.PullSample()
	assert.True(t, errors.IsFatal(err))

	conn.failSub = true
	_, err = NewInlet(conn, museDescriptor("ID-B"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSubscriptionFailed)
}

func TestNetwork_QueryBackendAndUnknownBackend(t *testing.T) {
	conn := newLoopConn()
	n, err := NewNetwork(context.Background(), conn, nil, DefaultNetworkConfig(), nil, nil)
	require.NoError(t, err)
	_, ok := n.Resolver(0).(*QueryResolver)
	assert.True(t, ok)

	out, err := n.OpenOutlet(context.Background(), museDescriptor("ID-A"))
	require.NoError(t, err)
	assert.Contains(t, conn.subjects(), DiscoverSubject(DefaultPrefix))

	in, err := n.OpenInlet(context.Background(), out.Descriptor())
	require.NoError(t, err)
	assert.True(t, in.recover)

	cfg := DefaultNetworkConfig()
	cfg.Backend = "gossip"
	_, err = NewNetwork(context.Background(), conn, nil, cfg, nil, nil)
	assert.True(t, errors.IsInvalid(err))

	cfg.Backend = BackendDirectory
	_, err = NewNetwork(context.Background(), conn, nil, cfg, nil, nil)
	assert.True(t, errors.IsFatal(err))
}

func TestInlet_SecondInletOnStreamQueuesUnmetered(t *testing.T) {
	conn := newLoopConn()
	registry := metric.NewMetricsRegistry()
	ctx := context.Background()

	out, err := NewOutlet(ctx, conn, museDescriptor("ID-A"))
	require.NoError(t, err)

	first, err := NewInlet(conn, out.Descriptor(), WithInletMetrics(registry))
	require.NoError(t, err)
	second, err := NewInlet(conn, out.Descriptor(), WithInletMetrics(registry))
	require.NoError(t, err)

	require.NoError(t, out.PushSample(ctx, Sample{Values: []float64{1, 2, 3, 4}, Timestamp: 1}))
	for _, in := range []*Inlet{first, second} {
		_, ok, err := in.PullSample()
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// Closing the metered inlet frees the label for the next one
	require.NoError(t, first.Close())
	third, err := NewInlet(conn, out.Descriptor(), WithInletMetrics(registry))
	require.NoError(t, err)
	require.NoError(t, third.Close())
	require.NoError(t, second.Close())
}
