package testutil

import "github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"

// EEGSource describes a single-channel irregular EEG stream named "Muse"
// with the given source id, shaped like the headset band-power streams.
func EEGSource(sourceID string) stream.Descriptor {
	return stream.Descriptor{
		Name:         "Muse",
		Type:         "EEG",
		SourceID:     sourceID,
		ChannelCount: 1,
		NominalRate:  stream.IrregularRate,
		Format:       stream.FormatFloat32,
		Hostname:     "headset-host",
	}
}

// Value returns a one-channel sample
func Value(v, ts float64) stream.Sample {
	return stream.Sample{Values: []float64{v}, Timestamp: ts}
}
