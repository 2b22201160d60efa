package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
)

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	printTable(&buf, []stream.Descriptor{
		{Name: "Stream-1", Type: "EEG", SourceID: "Renamed:Stream-1:Muse-A", ChannelCount: 1, Hostname: "lab-1"},
		{Name: "Muse", Type: "EEG", SourceID: "Muse-A", ChannelCount: 4, NominalRate: 256, Hostname: "lab-2"},
	})

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "Renamed:Stream-1:Muse-A")
	assert.Contains(t, out, "irregular")
	assert.Contains(t, out, "256")
	assert.Contains(t, out, "2 stream(s)")
}
