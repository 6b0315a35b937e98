package anomaly

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricAnomaliesDetected = "anomaly_detected_total"
	MetricSamplesObserved   = "anomaly_samples_observed_total"
)

// Metrics contains Prometheus metrics for anomaly detection.
// All operations are thread-safe.
type Metrics struct {
	detected *prometheus.CounterVec
	samples  *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		detected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAnomaliesDetected,
			Help: "Total number of anomalies detected by metric and severity",
		}, []string{"metric", "severity"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSamplesObserved,
			Help: "Total number of bucket samples evaluated by metric",
		}, []string{"metric"}),
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

// IncDetected increments the detection counter.
func (m *Metrics) IncDetected(metric string, severity Severity) {
	m.detected.WithLabelValues(metric, string(severity)).Inc()
}

// IncSamples increments the evaluated sample counter.
func (m *Metrics) IncSamples(metric string) {
	m.samples.WithLabelValues(metric).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.detected, m.samples}
}
