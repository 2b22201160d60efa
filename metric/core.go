package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the relay
const Namespace = "streamrelay"

// Metrics contains the process-wide relay metrics. Per-component metrics
// (buffers, individual inlets) register themselves separately.
type Metrics struct {
	RelaysActive      prometheus.Gauge
	SamplesForwarded  *prometheus.CounterVec
	SamplesSkipped    *prometheus.CounterVec
	ForwardErrors     *prometheus.CounterVec
	AttachFailures    *prometheus.CounterVec
	DiscoveryDuration prometheus.Histogram
	DiscoveredStreams prometheus.Gauge
	DiscoveryFailures prometheus.Counter
	RelayHealth       *prometheus.GaugeVec

	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the relay metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RelaysActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "supervisor",
			Name:      "relays_active",
			Help:      "Number of relays in the live set",
		}),

		SamplesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "relay",
				Name:      "samples_forwarded_total",
				Help:      "Samples republished under the new identity",
			},
			[]string{"stream"},
		),

		SamplesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "relay",
				Name:      "samples_skipped_total",
				Help:      "Samples dropped because they carried no valid timestamp",
			},
			[]string{"stream"},
		),

		ForwardErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "relay",
				Name:      "forward_errors_total",
				Help:      "Relay steps that failed with a transient error",
			},
			[]string{"stream"},
		),

		AttachFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "supervisor",
				Name:      "attach_failures_total",
				Help:      "Relay constructions that failed and will be retried",
			},
			[]string{"source_id"},
		),

		DiscoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "discovery",
			Name:      "duration_seconds",
			Help:      "Wall time of one discovery probe",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),

		DiscoveredStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "discovery",
			Name:      "streams",
			Help:      "Registered streams seen by the last discovery probe",
		}),

		DiscoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "discovery",
			Name:      "failures_total",
			Help:      "Discovery probes that returned an error",
		}),

		RelayHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "relay",
				Name:      "healthy",
				Help:      "Relay health (0=degraded, 1=healthy)",
			},
			[]string{"stream"},
		),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.RelaysActive,
		c.SamplesForwarded,
		c.SamplesSkipped,
		c.ForwardErrors,
		c.AttachFailures,
		c.DiscoveryDuration,
		c.DiscoveredStreams,
		c.DiscoveryFailures,
		c.RelayHealth,
		c.NATSConnected,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// The Record methods are nil-safe so components can run without metrics.

// RecordRelaysActive sets the live set size
func (c *Metrics) RecordRelaysActive(n int) {
	if c == nil {
		return
	}
	c.RelaysActive.Set(float64(n))
}

// RecordForwarded increments the forwarded counter for a stream
func (c *Metrics) RecordForwarded(stream string) {
	if c == nil {
		return
	}
	c.SamplesForwarded.WithLabelValues(stream).Inc()
}

// RecordSkipped increments the malformed-sample counter for a stream
func (c *Metrics) RecordSkipped(stream string) {
	if c == nil {
		return
	}
	c.SamplesSkipped.WithLabelValues(stream).Inc()
}

// RecordForwardError increments the step failure counter for a stream
func (c *Metrics) RecordForwardError(stream string) {
	if c == nil {
		return
	}
	c.ForwardErrors.WithLabelValues(stream).Inc()
}

// RecordAttachFailure increments the attach failure counter
func (c *Metrics) RecordAttachFailure(sourceID string) {
	if c == nil {
		return
	}
	c.AttachFailures.WithLabelValues(sourceID).Inc()
}

// RecordDiscovery observes one probe
func (c *Metrics) RecordDiscovery(duration time.Duration, found int, err error) {
	if c == nil {
		return
	}
	c.DiscoveryDuration.Observe(duration.Seconds())
	if err != nil {
		c.DiscoveryFailures.Inc()
		return
	}
	c.DiscoveredStreams.Set(float64(found))
}

// RecordRelayHealth sets the health gauge for a stream
func (c *Metrics) RecordRelayHealth(stream string, healthy bool) {
	if c == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.RelayHealth.WithLabelValues(stream).Set(value)
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	if c == nil {
		return
	}
	c.NATSCircuitBreaker.Set(float64(state))
}
