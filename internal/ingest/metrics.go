package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricEventsTotal      = "ingest_events_total"
	MetricProcessDuration  = "ingest_process_duration_seconds"
	MetricQueueDepth       = "ingest_queue_depth"
	MetricHookTimeouts     = "ingest_hook_timeouts_total"
	MetricReplayQueueDepth = "ingest_replay_queue_depth"
	MetricReplayTotal      = "ingest_replay_total"
)

// Result labels for MetricEventsTotal.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultFailed    = "failed"
	ResultDeferred  = "deferred"
	ResultRejected  = "rejected"
)

// Metrics contains Prometheus metrics for event ingestion.
// All operations are thread-safe.
type Metrics struct {
	eventsTotal      *prometheus.CounterVec
	processDuration  *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	hookTimeouts     *prometheus.CounterVec
	replayQueueDepth prometheus.Gauge
	replayTotal      *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEventsTotal,
			Help: "Total number of hook events by trigger and result",
		}, []string{"trigger", "result"}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricProcessDuration,
			Help:    "Histogram of event processing duration in seconds by trigger",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"trigger"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricQueueDepth,
			Help: "Number of events waiting for a pipeline worker",
		}),
		hookTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHookTimeouts,
			Help: "Total number of hook deliveries that hit their timeout by mode",
		}, []string{"mode"}),
		replayQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricReplayQueueDepth,
			Help: "Number of events waiting in the replay queue",
		}),
		replayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricReplayTotal,
			Help: "Total number of replay queue operations by result",
		}, []string{"result"}),
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

// IncEvents increments the event counter.
func (m *Metrics) IncEvents(trigger, result string) {
	m.eventsTotal.WithLabelValues(trigger, result).Inc()
}

// ObserveProcessDuration records a processing duration sample.
func (m *Metrics) ObserveProcessDuration(trigger string, seconds float64) {
	m.processDuration.WithLabelValues(trigger).Observe(seconds)
}

// AddQueueDepth adjusts the worker queue gauge.
func (m *Metrics) AddQueueDepth(delta float64) {
	m.queueDepth.Add(delta)
}

// IncHookTimeouts increments the hook timeout counter.
func (m *Metrics) IncHookTimeouts(mode string) {
	m.hookTimeouts.WithLabelValues(mode).Inc()
}

// SetReplayQueueDepth sets the replay queue gauge.
func (m *Metrics) SetReplayQueueDepth(n float64) {
	m.replayQueueDepth.Set(n)
}

// IncReplay increments the replay counter (enqueued, recovered, retried, dropped).
func (m *Metrics) IncReplay(result string) {
	m.replayTotal.WithLabelValues(result).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventsTotal,
		m.processDuration,
		m.queueDepth,
		m.hookTimeouts,
		m.replayQueueDepth,
		m.replayTotal,
	}
}
