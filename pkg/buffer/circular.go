package buffer

import (
	"sync"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
)

type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	stats   *Statistics
	metrics *bufferMetrics
	opts    *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsLabel)
		if err != nil {
			return nil, errors.WrapTransient(err, "Buffer", "newCircularBuffer", "metrics registration")
		}
	}

	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

func (cb *circularBuffer[T]) Write(item T) error {
	var (
		dropped    T
		hasDropped bool
	)

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrClosed, "Buffer", "Write", "write to closed buffer")
	}

	if cb.size == cb.capacity {
		cb.stats.drop()
		cb.metrics.recordDrop()

		if cb.opts.overflowPolicy == DropNewest {
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(item)
			}
			return nil
		}

		var zero T
		dropped, hasDropped = cb.items[cb.tail], true
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.write(cb.size)
	cb.metrics.recordWrite(cb.size, cb.capacity)
	cb.mu.Unlock()

	if hasDropped && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return nil
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.read(1, cb.size)
	cb.metrics.recordRead(1, cb.size, cb.capacity)
	return item, true
}

func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := max
	if n > cb.size {
		n = cb.size
	}

	var zero T
	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
	}
	cb.size -= n

	cb.stats.read(n, cb.size)
	cb.metrics.recordRead(n, cb.size, cb.capacity)
	return result
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	var zero T
	var discarded []T
	if cb.opts.dropCallback != nil {
		discarded = make([]T, 0, cb.size)
	}
	for i := 0; i < cb.size; i++ {
		idx := (cb.tail + i) % cb.capacity
		if discarded != nil {
			discarded = append(discarded, cb.items[idx])
		}
		cb.items[idx] = zero
	}
	cb.head, cb.tail, cb.size = 0, 0, 0
	cb.stats.read(0, 0)
	cb.metrics.recordRead(0, 0, cb.capacity)
	cb.mu.Unlock()

	for _, item := range discarded {
		cb.opts.dropCallback(item)
	}
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.closed {
		return nil
	}
	cb.closed = true
	cb.metrics.unregister()
	return nil
}
