// Package buffer provides a bounded, thread-safe FIFO used between a
// network callback that must never block and a poller that drains it.
// When full, the buffer drops according to its OverflowPolicy and counts
// the drop; statistics are always collected, Prometheus export is opt-in.
package buffer

// Buffer is a bounded FIFO of T
type Buffer[T any] interface {
	// Write appends item, applying the overflow policy when full
	Write(item T) error

	// Read removes the oldest item. ok is false when the buffer is empty.
	Read() (item T, ok bool)

	// ReadBatch removes up to max items, oldest first
	ReadBatch(max int) []T

	Size() int
	Capacity() int

	// Clear discards every queued item
	Clear()

	Stats() *Statistics

	// Close rejects further writes. Queued items stay readable.
	Close() error
}

// OverflowPolicy defines what a full buffer does with a new item
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued item to make room
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy maps a configuration string to a policy
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, true
	case "drop_newest":
		return DropNewest, true
	default:
		return DropOldest, false
	}
}

// DropCallback is called, outside the buffer lock, with each dropped item
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring buffer of the given capacity.
// It fails only when metrics were requested and could not be registered.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newCircularBuffer(capacity, applyOptions(options...))
}
