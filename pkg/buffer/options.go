package buffer

import (
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
)

// Option configures a buffer
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]

	metricsReg   *metric.MetricsRegistry
	metricsLabel string
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.overflowPolicy = policy
	}
}

// WithMetrics exports the buffer statistics as Prometheus metrics labelled
// with label. Ignored when registry is nil or label is empty.
func WithMetrics[T any](registry *metric.MetricsRegistry, label string) Option[T] {
	return func(opts *bufferOptions[T]) {
		if registry != nil && label != "" {
			opts.metricsReg = registry
			opts.metricsLabel = label
		}
	}
}

// WithDropCallback sets a callback invoked for every dropped item
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = callback
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{overflowPolicy: DropOldest}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
