// Package cache provides a small generic, thread-safe cache whose entries
// expire a fixed time after they were set.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
)

// Option configures a TTL cache
type Option[V any] func(*TTL[V])

// WithMetrics exports hit and miss counters labelled with component.
// A nil registry or empty component is ignored.
func WithMetrics[V any](registry *metric.MetricsRegistry, component string) Option[V] {
	return func(c *TTL[V]) {
		if registry != nil && component != "" {
			c.registry = registry
			c.component = component
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *TTL[V]) {
		if now != nil {
			c.now = now
		}
	}
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Stats is a point-in-time view of cache activity
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// TTL is a map whose entries expire ttl after Set. Expired entries are
// dropped lazily on access, so no background goroutine is needed.
type TTL[V any] struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
	items map[string]entry[V]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	registry    *metric.MetricsRegistry
	component   string
	hitCounter  prometheus.Counter
	missCounter prometheus.Counter
}

// NewTTL creates a cache. ttl must be positive.
func NewTTL[V any](ttl time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	c := &TTL[V]{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]entry[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry != nil {
		if err := c.registerMetrics(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *TTL[V]) registerMetrics() error {
	labels := prometheus.Labels{"component": c.component}
	c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metric.Namespace,
		Subsystem:   "cache",
		Name:        "hits_total",
		Help:        "Total number of cache hits",
		ConstLabels: labels,
	})
	c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metric.Namespace,
		Subsystem:   "cache",
		Name:        "misses_total",
		Help:        "Total number of cache misses",
		ConstLabels: labels,
	})
	if err := c.registry.RegisterCounter("cache_"+c.component, "hits_total", c.hitCounter); err != nil {
		return errors.WrapTransient(err, "cache", "NewTTL", "metrics registration")
	}
	if err := c.registry.RegisterCounter("cache_"+c.component, "misses_total", c.missCounter); err != nil {
		return errors.WrapTransient(err, "cache", "NewTTL", "metrics registration")
	}
	return nil
}

// Get returns the value for key if present and not expired
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok && !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		c.evictions.Add(1)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		if c.missCounter != nil {
			c.missCounter.Inc()
		}
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	if c.hitCounter != nil {
		c.hitCounter.Inc()
	}
	return e.value, true
}

// Set stores value under key, restarting its ttl
func (c *TTL[V]) Set(key string, value V) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Set", "key cannot be empty")
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes key, reporting whether it was present
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	delete(c.items, key)
	return ok
}

// Len returns the number of unexpired entries
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, e := range c.items {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Stats returns activity counters
func (c *TTL[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}
