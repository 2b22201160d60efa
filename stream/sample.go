package stream

import (
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
)

// Sample is one multi-channel reading. The int64 format uses Ints, the
// string format uses Strings and every other numeric format uses Values.
// Timestamp is in seconds on the emitter's clock.
type Sample struct {
	Values    []float64 `msgpack:"v,omitempty" json:"values,omitempty"`
	Ints      []int64   `msgpack:"i,omitempty" json:"ints,omitempty"`
	Strings   []string  `msgpack:"s,omitempty" json:"strings,omitempty"`
	Timestamp float64   `msgpack:"t" json:"timestamp"`
}

// HasValidTimestamp reports whether the sample carries a usable timestamp.
// Zero means "no timestamp"; negative and non-finite values are rejected too.
func (s Sample) HasValidTimestamp() bool {
	return s.Timestamp > 0 && !math.IsNaN(s.Timestamp) && !math.IsInf(s.Timestamp, 0)
}

// Width returns the number of channel values carried
func (s Sample) Width() int {
	switch {
	case len(s.Strings) > 0:
		return len(s.Strings)
	case len(s.Ints) > 0:
		return len(s.Ints)
	}
	return len(s.Values)
}

// Clone returns a deep copy
func (s Sample) Clone() Sample {
	out := Sample{Timestamp: s.Timestamp}
	if s.Values != nil {
		out.Values = append([]float64(nil), s.Values...)
	}
	if s.Ints != nil {
		out.Ints = append([]int64(nil), s.Ints...)
	}
	if s.Strings != nil {
		out.Strings = append([]string(nil), s.Strings...)
	}
	return out
}

// Fits reports whether the sample's shape matches the descriptor
func (s Sample) Fits(d Descriptor) bool {
	switch {
	case d.Format.IsString():
		return len(s.Strings) == d.ChannelCount && len(s.Values) == 0 && len(s.Ints) == 0
	case d.Format.IsInt64():
		return len(s.Ints) == d.ChannelCount && len(s.Values) == 0 && len(s.Strings) == 0
	}
	return len(s.Values) == d.ChannelCount && len(s.Strings) == 0 && len(s.Ints) == 0
}

// EncodeSample serializes a sample for the wire
func EncodeSample(s Sample) ([]byte, error) {
	data, err := msgpack.Marshal(&s)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Sample", "EncodeSample", "msgpack encode")
	}
	return data, nil
}

// DecodeSample parses a sample from the wire
func DecodeSample(data []byte) (Sample, error) {
	var s Sample
	if len(data) == 0 {
		return s, errors.WrapInvalid(fmt.Errorf("%w: empty payload", errors.ErrParsingFailed),
			"Sample", "DecodeSample", "msgpack decode")
	}
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return s, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"Sample", "DecodeSample", "msgpack decode")
	}
	return s, nil
}

// LocalClock returns the current time in seconds, the clock outlets use
// to stamp samples pushed without a timestamp.
func LocalClock() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
