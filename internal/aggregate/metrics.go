package aggregate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricEventsAggregated    = "aggregate_events_total"
	MetricBucketsClosed       = "aggregate_buckets_closed_total"
	MetricBucketCorrections   = "aggregate_bucket_corrections_total"
	MetricBucketsOpen         = "aggregate_buckets_open"
	MetricBucketPersistErrors = "aggregate_bucket_persist_errors_total"
)

// Metrics contains Prometheus metrics for the aggregation engine.
// All operations are thread-safe.
type Metrics struct {
	eventsAggregated prometheus.Counter
	bucketsClosed    *prometheus.CounterVec
	corrections      *prometheus.CounterVec
	bucketsOpen      prometheus.Gauge
	persistErrors    prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		eventsAggregated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricEventsAggregated,
			Help: "Total number of tool events rolled into buckets",
		}),
		bucketsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBucketsClosed,
			Help: "Total number of buckets closed by width",
		}, []string{"width"}),
		corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBucketCorrections,
			Help: "Total number of bucket revisions appended for late events by width",
		}, []string{"width"}),
		bucketsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricBucketsOpen,
			Help: "Number of buckets currently open",
		}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricBucketPersistErrors,
			Help: "Total number of failed bucket writes queued for retry",
		}),
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

// IncEventsAggregated increments the aggregated events counter.
func (m *Metrics) IncEventsAggregated() {
	m.eventsAggregated.Inc()
}

// IncClosed increments the closed bucket counter for a width.
func (m *Metrics) IncClosed(width time.Duration) {
	m.bucketsClosed.WithLabelValues(width.String()).Inc()
}

// IncCorrections increments the revision counter for a width.
func (m *Metrics) IncCorrections(width time.Duration) {
	m.corrections.WithLabelValues(width.String()).Inc()
}

// AddOpenBuckets adjusts the open bucket gauge.
func (m *Metrics) AddOpenBuckets(delta float64) {
	m.bucketsOpen.Add(delta)
}

// IncPersistErrors increments the persist error counter.
func (m *Metrics) IncPersistErrors() {
	m.persistErrors.Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventsAggregated,
		m.bucketsClosed,
		m.corrections,
		m.bucketsOpen,
		m.persistErrors,
	}
}
