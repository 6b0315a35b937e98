// Package jobs runs periodic background work (bucket closing, score
// recompute, replay draining, registry pruning) and records job metrics.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricJobRunsTotal        = "job_runs_total"
	MetricJobRunDuration      = "job_run_duration_seconds"
	MetricJobErrorsTotal      = "job_errors_total"
	MetricJobLastSuccessStamp = "job_last_success_timestamp_seconds"
)

// Job types used as the job_type label.
const (
	JobTypeBucketClose      = "bucket_close"
	JobTypeScoreRecompute   = "score_recompute"
	JobTypeReplayDrain      = "replay_drain"
	JobTypeSessionPrune     = "session_prune"
	JobTypeRateLimitCleanup = "ratelimit_cleanup"
)

// Run outcomes.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Error types.
const (
	ErrorTypeTimeout = "timeout"
	ErrorTypeCycle   = "cycle_error"
)

// Metrics holds the collectors shared by every periodic job.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

// NewMetrics creates unregistered job collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobRunsTotal,
			Help: "Periodic job cycles by job type and outcome",
		}, []string{"job_type", "status"}),
		// Most cycles touch in-memory state only; the long tail is store I/O.
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricJobRunDuration,
			Help:    "Periodic job cycle duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		}, []string{"job_type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobErrorsTotal,
			Help: "Failed periodic job cycles by job type and error type",
		}, []string{"job_type", "error_type"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricJobLastSuccessStamp,
			Help: "Unix time of the last successful cycle per job type",
		}, []string{"job_type"}),
	}
}

// Register registers the collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns the collectors in registration order.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.runs, m.duration, m.errors, m.lastSuccess}
}

func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.runs.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.duration.WithLabelValues(jobType).Observe(seconds)
}

func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.errors.WithLabelValues(jobType, errorType).Inc()
}

// SetLastSuccess records when jobType last completed a cycle without error.
func (m *Metrics) SetLastSuccess(jobType string, at time.Time) {
	m.lastSuccess.WithLabelValues(jobType).Set(float64(at.UnixNano()) / 1e9)
}
