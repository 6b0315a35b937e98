// Package anomaly flags statistical outliers in rolling windows of closed
// aggregate buckets.
package anomaly

import (
	"time"

	"github.com/onnwee/hookpulse/internal/aggregate"
)

// Severity grades how far a sample is from the window mean.
type Severity string

// Severity levels.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Metric names observed per closed bucket.
const (
	MetricEventCount    = "event_count"
	MetricFailureRate   = "failure_rate"
	MetricAvgDurationMs = "avg_duration_ms"
)

// Range is the expected [Low, High] interval for a metric.
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Anomaly is an emitted detection. It is never mutated after emission.
type Anomaly struct {
	ID            string                `json:"id"`
	SubjectKind   aggregate.SubjectKind `json:"subject_kind"`
	SubjectID     string                `json:"subject_id"`
	Metric        string                `json:"metric"`
	ObservedValue float64               `json:"observed_value"`
	ExpectedRange Range                 `json:"expected_range"`
	Mean          float64               `json:"mean"`
	StdDev        float64               `json:"stddev"`
	Sigmas        float64               `json:"sigmas"`
	DetectedAt    time.Time             `json:"detected_at"`
	// SampleAt is the bucket start of the flagged sample.
	SampleAt time.Time `json:"sample_at"`
	Severity Severity  `json:"severity"`
}
