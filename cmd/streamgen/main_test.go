package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/testutil"
)

func TestPublish_PushesUntilCancelled(t *testing.T) {
	network := testutil.NewMockNetwork()
	opts := options{name: "Muse", typ: "EEG", sourceID: "ID-A", interval: time.Millisecond}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	n := 0
	next := func() float64 {
		n++
		return float64(n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- publish(ctx, network, opts, next, logger) }()

	require.Eventually(t, func() bool {
		outlets := network.Outlets()
		return len(outlets) == 1 && len(outlets[0].Pushed()) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not stop after cancel")
	}

	out := network.Outlets()[0]
	assert.True(t, out.Closed())

	desc := out.Descriptor()
	assert.Equal(t, "Muse", desc.Name)
	assert.Equal(t, "EEG", desc.Type)
	assert.Equal(t, "ID-A", desc.SourceID)
	assert.Equal(t, 1, desc.ChannelCount)
	assert.Equal(t, stream.FormatFloat32, desc.Format)
	assert.Equal(t, stream.IrregularRate, desc.NominalRate)

	pushed := out.Pushed()
	for i, s := range pushed[:3] {
		assert.Equal(t, []float64{float64(i + 1)}, s.Values)
	}
}

func TestPublish_OpenFailure(t *testing.T) {
	network := testutil.NewMockNetwork()
	network.OpenOutletErr = func(stream.Descriptor) error { return fmt.Errorf("no broker") }
	opts := options{name: "Muse", typ: "EEG", sourceID: "ID-A", interval: time.Millisecond}

	err := publish(context.Background(), network, opts, func() float64 { return 0 }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no broker")
}
