package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
)

type bufferMetrics struct {
	registry *metric.MetricsRegistry
	label    string

	writes      prometheus.Counter
	reads       prometheus.Counter
	drops       prometheus.Counter
	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, label string) (*bufferMetrics, error) {
	constLabels := prometheus.Labels{"stream": label}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: constLabels,
			Help:        help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: constLabels,
			Help:        help,
		})
	}

	m := &bufferMetrics{
		registry:    registry,
		label:       label,
		writes:      counter("writes_total", "Samples queued"),
		reads:       counter("reads_total", "Samples dequeued"),
		drops:       counter("drops_total", "Samples dropped on overflow"),
		size:        gauge("size", "Samples currently queued"),
		utilization: gauge("utilization", "Queue fill ratio (0.0 to 1.0)"),
	}

	if err := registry.RegisterCounter(label, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(label, "buffer_reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(label, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(label, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(label, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	if m == nil {
		return
	}
	m.writes.Inc()
	m.setSize(size, capacity)
}

func (m *bufferMetrics) recordRead(n, size, capacity int) {
	if m == nil {
		return
	}
	m.reads.Add(float64(n))
	m.setSize(size, capacity)
}

func (m *bufferMetrics) recordDrop() {
	if m == nil {
		return
	}
	m.drops.Inc()
}

func (m *bufferMetrics) setSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}

var bufferMetricNames = []string{"buffer_writes", "buffer_reads", "buffer_drops", "buffer_size", "buffer_utilization"}

func (m *bufferMetrics) unregister() {
	if m == nil {
		return
	}
	for _, name := range bufferMetricNames {
		m.registry.Unregister(m.label, name)
	}
}
