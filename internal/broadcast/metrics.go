package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricDeliveryLatency = "broadcast_delivery_latency_seconds"
	MetricDropped         = "broadcast_dropped_total"
	MetricPublished       = "broadcast_published_total"
	MetricSubscribers     = "broadcast_subscribers"
	MetricDeliveryErrors  = "broadcast_delivery_errors_total"
	MetricRelayErrors     = "broadcast_relay_errors_total"
)

// Metrics contains Prometheus metrics for live delivery.
// All operations are thread-safe.
type Metrics struct {
	deliveryLatency prometheus.Histogram
	dropped         prometheus.Counter
	published       *prometheus.CounterVec
	subscribers     prometheus.Gauge
	deliveryErrors  prometheus.Counter
	relayErrors     *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricDeliveryLatency,
			Help:    "Histogram of time from publish to dequeue by a subscriber in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDropped,
			Help: "Total number of queued updates dropped for slow subscribers",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPublished,
			Help: "Total number of updates delivered to at least one subscriber by type",
		}, []string{"type"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricSubscribers,
			Help: "Number of active live subscribers",
		}),
		deliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDeliveryErrors,
			Help: "Total number of failed writes to live connections",
		}),
		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRelayErrors,
			Help: "Total number of relay failures by operation",
		}, []string{"operation"}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveDeliveryLatency records a publish-to-dequeue latency sample.
func (m *Metrics) ObserveDeliveryLatency(seconds float64) {
	m.deliveryLatency.Observe(seconds)
}

// IncDropped increments the dropped counter.
func (m *Metrics) IncDropped() {
	m.dropped.Inc()
}

// IncPublished increments the published counter for an activity type.
func (m *Metrics) IncPublished(activityType string) {
	m.published.WithLabelValues(activityType).Inc()
}

// SetSubscribers sets the subscriber gauge.
func (m *Metrics) SetSubscribers(n float64) {
	m.subscribers.Set(n)
}

// IncDeliveryErrors increments the delivery error counter.
func (m *Metrics) IncDeliveryErrors() {
	m.deliveryErrors.Inc()
}

// IncRelayErrors increments the relay error counter for an operation.
func (m *Metrics) IncRelayErrors(operation string) {
	m.relayErrors.WithLabelValues(operation).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.deliveryLatency,
		m.dropped,
		m.published,
		m.subscribers,
		m.deliveryErrors,
		m.relayErrors,
	}
}
