//go:build integration

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/natsclient"
)

func pullWithin(t *testing.T, in *Inlet, timeout time.Duration) Sample {
	t.Helper()
	var got Sample
	require.Eventually(t, func() bool {
		s, ok, err := in.PullSample()
		require.NoError(t, err)
		if ok {
			got = s
		}
		return ok
	}, timeout, 5*time.Millisecond)
	return got
}

func TestIntegration_QueryDiscoveryAndDelivery(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	publisher := tc.NewClient(t)
	ctx := context.Background()

	eeg, err := NewOutlet(ctx, publisher, museDescriptor("ID-A"))
	require.NoError(t, err)
	defer eeg.Close(ctx)
	markers := museDescriptor("ID-M")
	markers.Type = "Markers"
	markers.Format = FormatString
	markers.ChannelCount = 1
	mk, err := NewOutlet(ctx, publisher, markers)
	require.NoError(t, err)
	defer mk.Close(ctx)

	resolver := NewQueryResolver(tc.Client, DefaultPrefix, 500*time.Millisecond, nil)
	found, err := resolver.Resolve(ctx, Query{Type: "EEG"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "ID-A", found[0].SourceID)
	assert.Equal(t, eeg.Descriptor().UID, found[0].UID)

	all, err := resolver.Resolve(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := resolver.Resolve(ctx, Query{Type: "Gaze"})
	require.NoError(t, err)
	assert.Empty(t, none)

	in, err := NewInlet(tc.Client, found[0], WithRecover(true))
	require.NoError(t, err)
	defer in.Close()
	// Let the subscription reach the server before publishing
	require.NoError(t, tc.Client.GetConnection().Flush())

	require.NoError(t, eeg.PushSample(ctx, Sample{Values: []float64{0.42, 0, 0, 0}, Timestamp: 100}))
	s := pullWithin(t, in, 2*time.Second)
	assert.Equal(t, 0.42, s.Values[0])
	assert.Equal(t, 100.0, s.Timestamp)
}

func TestIntegration_InletFollowsRestartedSource(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	publisher := tc.NewClient(t)
	ctx := context.Background()

	first, err := NewOutlet(ctx, publisher, museDescriptor("ID-A"))
	require.NoError(t, err)
	in, err := NewInlet(tc.Client, first.Descriptor(), WithRecover(true))
	require.NoError(t, err)
	defer in.Close()
	require.NoError(t, tc.Client.GetConnection().Flush())

	require.NoError(t, first.Close(ctx))
	second, err := NewOutlet(ctx, publisher, museDescriptor("ID-A"))
	require.NoError(t, err)
	defer second.Close(ctx)

	require.NoError(t, second.PushSample(ctx, Sample{Values: []float64{1, 2, 3, 4}, Timestamp: 200}))
	s := pullWithin(t, in, 2*time.Second)
	assert.Equal(t, 200.0, s.Timestamp)
}

func TestIntegration_DirectoryBackend(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup(), natsclient.WithJetStream())
	ctx := context.Background()

	cfg := DefaultNetworkConfig()
	cfg.Backend = BackendDirectory
	cfg.DirectoryTTL = 3 * time.Second
	network, err := NewNetwork(ctx, tc.Client, tc.Client, cfg, nil, nil)
	require.NoError(t, err)

	resolver := network.Resolver(time.Second)
	_, isDirectory := resolver.(*DirectoryResolver)
	require.True(t, isDirectory)

	empty, err := resolver.Resolve(ctx, Query{Type: "EEG"})
	require.NoError(t, err)
	assert.Empty(t, empty)

	out, err := network.OpenOutlet(ctx, museDescriptor("ID-A"))
	require.NoError(t, err)

	found, err := resolver.Resolve(ctx, Query{Type: "EEG"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, out.Descriptor().UID, found[0].UID)

	// Refreshes keep the entry alive past the bucket TTL
	time.Sleep(4 * time.Second)
	found, err = resolver.Resolve(ctx, Query{Type: "EEG"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	require.NoError(t, out.Close(ctx))
	found, err = resolver.Resolve(ctx, Query{Type: "EEG"})
	require.NoError(t, err)
	assert.Empty(t, found)
}
