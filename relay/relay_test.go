package relay_test

import (
	"context"
	"fmt"
	"math"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/relay"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/testutil"
)

func attach(t *testing.T, network *testutil.MockNetwork, sourceID, newName string, opts ...relay.Option) (*testutil.MockSource, *relay.Relay, *testutil.MockOutlet) {
	t.Helper()
	src := network.AddSource(testutil.EEGSource(sourceID))
	r, err := relay.New(context.Background(), network, src.Descriptor(), newName, opts...)
	require.NoError(t, err)
	out, err := network.Outlet(newName)
	require.NoError(t, err)
	return src, r, out
}

func TestRenamedDescriptor(t *testing.T) {
	src := testutil.EEGSource("ID-A")
	src.UID = "uid-a"

	got := relay.RenamedDescriptor(src, "Stream-1")

	assert.Equal(t, "Stream-1", got.Name)
	assert.Equal(t, "Renamed:Stream-1:ID-A", got.SourceID)
	assert.Equal(t, src.Type, got.Type)
	assert.Equal(t, src.ChannelCount, got.ChannelCount)
	assert.Equal(t, src.NominalRate, got.NominalRate)
	assert.Equal(t, src.Format, got.Format)
	assert.Equal(t, map[string]string{
		relay.DescOriginalName:     "Muse",
		relay.DescOriginalType:     "EEG",
		relay.DescOriginalSourceID: "ID-A",
		relay.DescOriginalUID:      "uid-a",
		relay.DescRenamedTo:        "Stream-1",
	}, got.Desc)
	assert.Empty(t, got.UID, "uid is assigned by the outlet")
}

func TestStep_PassThroughFidelity(t *testing.T) {
	network := testutil.NewMockNetwork()
	src, r, out := attach(t, network, "ID-A", "Stream-1")

	outcome, err := r.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relay.Idle, outcome)

	src.Push(testutil.Value(0.42, 100.0))
	src.Push(stream.Sample{Values: []float64{0.1234567}, Timestamp: 100.5})

	for i := 0; i < 2; i++ {
		outcome, err = r.Step(context.Background())
		require.NoError(t, err)
		assert.Equal(t, relay.Forwarded, outcome)
	}

	assert.Equal(t, []stream.Sample{
		testutil.Value(0.42, 100.0),
		{Values: []float64{0.1234567}, Timestamp: 100.5},
	}, out.Pushed())

	snap := r.Snapshot()
	assert.Equal(t, int64(2), snap.Forwarded)
	assert.Equal(t, "ID-A", snap.SourceID)
	assert.Equal(t, "Muse", snap.OriginalName)
	assert.Equal(t, "Stream-1", snap.NewName)
	assert.False(t, snap.LastForward.IsZero())
	assert.NotEmpty(t, snap.Subject)
}

func TestStep_SkipsInvalidTimestamps(t *testing.T) {
	network := testutil.NewMockNetwork()
	src, r, out := attach(t, network, "ID-A", "Stream-1")

	for _, ts := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		src.Push(testutil.Value(1, ts))
		outcome, err := r.Step(context.Background())
		require.NoError(t, err)
		assert.Equal(t, relay.Skipped, outcome, "timestamp %v", ts)
	}
	assert.Empty(t, out.Pushed())
	assert.Equal(t, int64(4), r.Snapshot().Skipped)
}

func TestStep_OutletRejectionIsSkip(t *testing.T) {
	network := testutil.NewMockNetwork()
	src, r, out := attach(t, network, "ID-A", "Stream-1")
	out.SetPushErr(errors.WrapInvalid(errors.ErrMalformedSample, "Outlet", "PushSample", "check shape"))

	src.Push(testutil.Value(1, 5))
	outcome, err := r.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relay.Skipped, outcome)
}

func TestStep_FailuresLeaveRelayUsable(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	network := testutil.NewMockNetwork()
	src, r, out := attach(t, network, "ID-A", "Stream-1", relay.WithMetrics(reg.CoreMetrics()))

	out.SetPushErr(fmt.Errorf("publish: nats: connection closed"))
	src.Push(testutil.Value(1, 5))
	outcome, err := r.Step(context.Background())
	require.Error(t, err)
	assert.Equal(t, relay.Failed, outcome)
	assert.True(t, errors.IsTransient(err))

	inlet := network.Inlets()[0]
	inlet.SetPullErr(errors.ErrSourceLost)
	outcome, err = r.Step(context.Background())
	assert.Equal(t, relay.Failed, outcome)
	assert.ErrorIs(t, err, errors.ErrSourceLost)

	inlet.SetPullErr(nil)
	out.SetPushErr(nil)
	src.Push(testutil.Value(2, 6))
	outcome, err = r.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relay.Forwarded, outcome)

	snap := r.Snapshot()
	assert.Equal(t, int64(2), snap.Failures)
	assert.Equal(t, int64(1), snap.Forwarded)

	core := reg.CoreMetrics()
	assert.Equal(t, 2.0, promtestutil.ToFloat64(core.ForwardErrors.WithLabelValues("Stream-1")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(core.SamplesForwarded.WithLabelValues("Stream-1")))
}

func TestStep_SurvivesSourceRestart(t *testing.T) {
	network := testutil.NewMockNetwork()
	src, r, out := attach(t, network, "ID-A", "Stream-1")

	src.Push(testutil.Value(1, 1))
	network.RemoveSource("ID-A")

	outcome, err := r.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relay.Forwarded, outcome)
	outcome, err = r.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relay.Idle, outcome)

	restarted := network.AddSource(testutil.EEGSource("ID-A"))
	assert.NotEqual(t, src.Descriptor().UID, restarted.Descriptor().UID)
	restarted.Push(testutil.Value(2, 2))

	outcome, err = r.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relay.Forwarded, outcome)
	assert.Len(t, out.Pushed(), 2)
	assert.Equal(t, 1, network.OpenOutletCalls)
}

func TestNew_OutletFailureClosesInlet(t *testing.T) {
	network := testutil.NewMockNetwork()
	network.OpenOutletErr = func(stream.Descriptor) error { return fmt.Errorf("outlet refused") }
	src := network.AddSource(testutil.EEGSource("ID-A"))

	_, err := relay.New(context.Background(), network, src.Descriptor(), "Stream-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outlet refused")

	inlets := network.Inlets()
	require.Len(t, inlets, 1)
	assert.True(t, inlets[0].Closed())
}

func TestNew_InletFailure(t *testing.T) {
	network := testutil.NewMockNetwork()
	network.OpenInletErr = func(stream.Descriptor) error { return fmt.Errorf("subscribe refused") }
	src := network.AddSource(testutil.EEGSource("ID-A"))

	_, err := relay.New(context.Background(), network, src.Descriptor(), "Stream-1")
	require.Error(t, err)
	assert.Equal(t, 0, network.OpenOutletCalls)

	_, err = relay.New(context.Background(), network, src.Descriptor(), "")
	assert.True(t, errors.IsInvalid(err))
}

func TestClose(t *testing.T) {
	network := testutil.NewMockNetwork()
	_, r, _ := attach(t, network, "ID-A", "Stream-1")

	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, r.Close(context.Background()))
	assert.True(t, network.Inlets()[0].Closed())

	_, err := network.Outlet("Stream-1")
	assert.Error(t, err, "closed outlet is no longer advertised")

	outcome, err := r.Step(context.Background())
	assert.Equal(t, relay.Failed, outcome)
	assert.True(t, errors.IsFatal(err))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "idle", relay.Idle.String())
	assert.Equal(t, "forwarded", relay.Forwarded.String())
	assert.Equal(t, "skipped", relay.Skipped.String())
	assert.Equal(t, "failed", relay.Failed.String())
}
