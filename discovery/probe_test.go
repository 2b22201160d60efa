package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/registry"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
)

type staticResolver struct {
	streams []stream.Descriptor
	err     error
	queries []stream.Query
	sawDL   bool
}

func (r *staticResolver) Resolve(ctx context.Context, q stream.Query) ([]stream.Descriptor, error) {
	r.queries = append(r.queries, q)
	_, r.sawDL = ctx.Deadline()
	return r.streams, r.err
}

func desc(name, typ, sourceID, uid string, created time.Time) stream.Descriptor {
	return stream.Descriptor{
		Name:         name,
		Type:         typ,
		SourceID:     sourceID,
		UID:          uid,
		ChannelCount: 1,
		Format:       stream.FormatFloat32,
		CreatedAt:    created,
	}
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(map[string]string{"ID-A": "Stream-1", "ID-B": "Stream-2"})
	require.NoError(t, err)
	return reg
}

func TestDiscover_FiltersTypeNameAndRegistry(t *testing.T) {
	now := time.Now()
	resolver := &staticResolver{streams: []stream.Descriptor{
		desc("Muse", "EEG", "ID-A", "u1", now),
		desc("Muse", "EEG", "ID-X", "u2", now),
		desc("Other", "EEG", "ID-B", "u3", now),
		desc("Muse", "Markers", "ID-B", "u4", now),
		desc("Muse", "EEG", "ID-B", "u5", now),
	}}

	probe, err := NewProbe(resolver, newRegistry(t), DefaultConfig())
	require.NoError(t, err)

	got, err := probe.Discover(context.Background())
	require.NoError(t, err)

	want := []stream.Descriptor{resolver.streams[0], resolver.streams[4]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Discover() mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, resolver.queries, 1)
	assert.Equal(t, stream.Query{Type: "EEG"}, resolver.queries[0])
	assert.True(t, resolver.sawDL, "resolver should be called with a deadline")
}

func TestDiscover_NoRequiredName(t *testing.T) {
	resolver := &staticResolver{streams: []stream.Descriptor{
		desc("Other", "EEG", "ID-B", "u3", time.Now()),
	}}
	cfg := DefaultConfig()
	cfg.RequireName = ""
	probe, err := NewProbe(resolver, newRegistry(t), cfg)
	require.NoError(t, err)

	got, err := probe.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDiscover_DuplicateIdentityKeepsNewest(t *testing.T) {
	old := time.Now().Add(-time.Minute)
	resolver := &staticResolver{streams: []stream.Descriptor{
		desc("Muse", "EEG", "ID-A", "old", old),
		desc("Muse", "EEG", "ID-A", "new", old.Add(30*time.Second)),
		desc("Muse", "EEG", "ID-A", "older", old.Add(-time.Second)),
	}}
	probe, err := NewProbe(resolver, newRegistry(t), DefaultConfig())
	require.NoError(t, err)

	got, err := probe.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].UID)
}

func TestDiscover_EmptyIsNotAnError(t *testing.T) {
	probe, err := NewProbe(&staticResolver{}, newRegistry(t), DefaultConfig())
	require.NoError(t, err)

	got, err := probe.Discover(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestDiscover_ResolverFailureIsReturned(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	resolver := &staticResolver{err: fmt.Errorf("nats down")}
	probe, err := NewProbe(resolver, newRegistry(t), DefaultConfig(), WithMetrics(reg.CoreMetrics()))
	require.NoError(t, err)

	_, err = probe.Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats down")
}

func TestNewProbe_Validation(t *testing.T) {
	reg := newRegistry(t)
	_, err := NewProbe(nil, reg, DefaultConfig())
	assert.Error(t, err)
	_, err = NewProbe(&staticResolver{}, nil, DefaultConfig())
	assert.Error(t, err)
	_, err = NewProbe(&staticResolver{}, reg, Config{})
	assert.Error(t, err)

	probe, err := NewProbe(&staticResolver{}, reg, Config{Type: "EEG"})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, probe.cfg.Timeout)
}
