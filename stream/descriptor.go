// Package stream is the publication layer of the relay: stream descriptors
// and samples, outlets that advertise and publish a stream, inlets that
// subscribe to one, and resolvers that find advertised streams.
//
// Streams travel over NATS. An outlet answers discovery queries on
// <prefix>.discover and publishes msgpack samples on <prefix>.data.<token>,
// where the token is derived from the stream's source identity. Because the
// token does not depend on the outlet instance, a source that restarts with
// the same identity lands on the same subject and existing inlets keep
// receiving without re-discovery.
package stream

import (
	"fmt"
	"math"
	"time"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
)

// ChannelFormat is the value type of every channel in a stream
type ChannelFormat string

// Channel formats
const (
	FormatFloat32  ChannelFormat = "float32"
	FormatDouble64 ChannelFormat = "double64"
	FormatString   ChannelFormat = "string"
	FormatInt32    ChannelFormat = "int32"
	FormatInt16    ChannelFormat = "int16"
	FormatInt8     ChannelFormat = "int8"
	FormatInt64    ChannelFormat = "int64"
)

// Valid reports whether f is a known format
func (f ChannelFormat) Valid() bool {
	switch f {
	case FormatFloat32, FormatDouble64, FormatString, FormatInt32, FormatInt16, FormatInt8, FormatInt64:
		return true
	default:
		return false
	}
}

// IsString reports whether samples carry string values
func (f ChannelFormat) IsString() bool {
	return f == FormatString
}

// IsInt64 reports whether samples carry exact 64-bit integers
func (f ChannelFormat) IsInt64() bool {
	return f == FormatInt64
}

// IrregularRate is the nominal rate of streams that emit on events rather
// than on a clock
const IrregularRate = 0.0

// Descriptor is the metadata a stream advertises
type Descriptor struct {
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	SourceID     string            `json:"source_id,omitempty"`
	UID          string            `json:"uid"`
	ChannelCount int               `json:"channel_count"`
	NominalRate  float64           `json:"nominal_srate"`
	Format       ChannelFormat     `json:"channel_format"`
	Hostname     string            `json:"hostname,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Subject      string            `json:"subject"`
	Desc         map[string]string `json:"desc,omitempty"`
}

// Identity returns the key used to recognise the same source across
// restarts: the source id, or the instance uid when the source has none.
func (d Descriptor) Identity() string {
	if d.SourceID != "" {
		return d.SourceID
	}
	return "uid:" + d.UID
}

// IsIrregular reports whether the stream has no fixed sampling rate
func (d Descriptor) IsIrregular() bool {
	return d.NominalRate == IrregularRate
}

// Clone returns a deep copy
func (d Descriptor) Clone() Descriptor {
	if d.Desc != nil {
		desc := make(map[string]string, len(d.Desc))
		for k, v := range d.Desc {
			desc[k] = v
		}
		d.Desc = desc
	}
	return d
}

// Validate checks the fields a publisher must supply
func (d Descriptor) Validate() error {
	var problem string
	switch {
	case d.Name == "":
		problem = "name is required"
	case d.Type == "":
		problem = "type is required"
	case d.ChannelCount <= 0:
		problem = fmt.Sprintf("channel count must be positive, got %d", d.ChannelCount)
	case d.NominalRate < 0 || math.IsNaN(d.NominalRate) || math.IsInf(d.NominalRate, 0):
		problem = fmt.Sprintf("nominal rate must be >= 0, got %v", d.NominalRate)
	case !d.Format.Valid():
		problem = fmt.Sprintf("unknown channel format %q", d.Format)
	default:
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, problem),
		"Descriptor", "Validate", "validate stream descriptor")
}

// String renders the descriptor for log lines
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (type=%s source_id=%q uid=%s)", d.Name, d.Type, d.SourceID, d.UID)
}
