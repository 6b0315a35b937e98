package scoring

import (
	"errors"
	"fmt"
	"time"
)

// Metric names a scored bucket metric.
type Metric string

// Scored metrics.
const (
	// MetricEventRate is tool events per hour of window.
	MetricEventRate Metric = "event_rate"
	// MetricSuccessRate is the share of successful events.
	MetricSuccessRate Metric = "success_rate"
	// MetricAvgDuration is the mean tool duration; lower is better.
	MetricAvgDuration Metric = "avg_duration_ms"
	// MetricToolDiversity is the number of distinct tool categories used.
	MetricToolDiversity Metric = "tool_diversity"
)

// inverted metrics score higher when the raw value is lower.
var inverted = map[Metric]bool{MetricAvgDuration: true}

var knownMetrics = map[Metric]bool{
	MetricEventRate:     true,
	MetricSuccessRate:   true,
	MetricAvgDuration:   true,
	MetricToolDiversity: true,
}

// Bound is the normalization range of a metric. Values outside it clamp.
type Bound struct {
	Min float64 `koanf:"min" yaml:"min"`
	Max float64 `koanf:"max" yaml:"max"`
}

// Config holds the scoring weights and normalization bounds.
type Config struct {
	Weights map[Metric]float64
	Bounds  map[Metric]Bound
	// Epsilon is the score delta below which the trend is stable.
	Epsilon float64
	// BucketWidth selects which bucket resolution is read for a window.
	BucketWidth time.Duration
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid scoring config")

// DefaultEpsilon is the default trend threshold in score points.
const DefaultEpsilon = 2.0

// DefaultConfig returns the reference weight set.
func DefaultConfig() Config {
	return Config{
		Weights: map[Metric]float64{
			MetricEventRate:     0.25,
			MetricSuccessRate:   0.35,
			MetricAvgDuration:   0.20,
			MetricToolDiversity: 0.20,
		},
		Bounds: map[Metric]Bound{
			MetricEventRate:     {Min: 0, Max: 120},
			MetricSuccessRate:   {Min: 0, Max: 1},
			MetricAvgDuration:   {Min: 0, Max: 30000},
			MetricToolDiversity: {Min: 0, Max: 5},
		},
		Epsilon:     DefaultEpsilon,
		BucketWidth: time.Minute,
	}
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	var total float64
	for m, w := range c.Weights {
		if !knownMetrics[m] {
			errs = append(errs, fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, m))
			continue
		}
		if w < 0 {
			errs = append(errs, fmt.Errorf("%w: weight for %s is negative", ErrInvalidConfig, m))
		}
		total += w
		b, ok := c.Bounds[m]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: no bounds for %s", ErrInvalidConfig, m))
		} else if b.Max <= b.Min {
			errs = append(errs, fmt.Errorf("%w: bounds for %s must have max > min", ErrInvalidConfig, m))
		}
	}
	if total <= 0 {
		errs = append(errs, fmt.Errorf("%w: weights must sum to a positive value", ErrInvalidConfig))
	}
	if c.Epsilon < 0 {
		errs = append(errs, fmt.Errorf("%w: epsilon must not be negative", ErrInvalidConfig))
	}
	if c.BucketWidth <= 0 {
		errs = append(errs, fmt.Errorf("%w: bucket width must be positive", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// normalizedWeights scales the weights to sum to 1.
func (c Config) normalizedWeights() map[Metric]float64 {
	var total float64
	for _, w := range c.Weights {
		total += w
	}
	out := make(map[Metric]float64, len(c.Weights))
	for m, w := range c.Weights {
		out[m] = w / total
	}
	return out
}

func (c Config) normalize(m Metric, v float64) float64 {
	b := c.Bounds[m]
	n := clamp((v-b.Min)/(b.Max-b.Min), 0, 1)
	if inverted[m] {
		return 1 - n
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
