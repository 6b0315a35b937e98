package anomaly

import (
	"errors"
	"fmt"
)

// Config controls detection sensitivity.
type Config struct {
	// WindowSize is the number of samples kept per (subject, metric).
	WindowSize int
	// MinSamples is the number of prior samples required before evaluating.
	MinSamples int
	// K is the sigma threshold above which a sample is anomalous.
	K float64
	// MediumSigmas and HighSigmas grade severity.
	MediumSigmas float64
	HighSigmas   float64
}

// Defaults.
const (
	DefaultWindowSize   = 20
	DefaultMinSamples   = 5
	DefaultK            = 3.0
	DefaultMediumSigmas = 4.0
	DefaultHighSigmas   = 5.0
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid anomaly config")

// DefaultConfig returns the default detection parameters.
func DefaultConfig() Config {
	return Config{
		WindowSize:   DefaultWindowSize,
		MinSamples:   DefaultMinSamples,
		K:            DefaultK,
		MediumSigmas: DefaultMediumSigmas,
		HighSigmas:   DefaultHighSigmas,
	}
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.MinSamples < 2 {
		errs = append(errs, fmt.Errorf("%w: min samples must be at least 2", ErrInvalidConfig))
	}
	if c.WindowSize <= c.MinSamples {
		errs = append(errs, fmt.Errorf("%w: window size %d must exceed min samples %d", ErrInvalidConfig, c.WindowSize, c.MinSamples))
	}
	if c.K <= 0 {
		errs = append(errs, fmt.Errorf("%w: k must be positive", ErrInvalidConfig))
	}
	if c.MediumSigmas < c.K || c.HighSigmas < c.MediumSigmas {
		errs = append(errs, fmt.Errorf("%w: severity thresholds must satisfy k <= medium <= high", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// severity grades a sigma distance already known to exceed K.
func (c Config) severity(sigmas float64) Severity {
	switch {
	case sigmas >= c.HighSigmas:
		return SeverityHigh
	case sigmas >= c.MediumSigmas:
		return SeverityMedium
	}
	return SeverityLow
}
