// Package scoring computes bounded productivity scores from aggregate buckets.
package scoring

import (
	"errors"
	"fmt"
	"time"
)

// Trend compares a window's score with the preceding window of equal width.
type Trend string

// Trend values.
const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// ProductivityScore is a derived score for one subject over one window.
type ProductivityScore struct {
	SubjectID        string    `json:"subject_id"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	Score            float64   `json:"score"`
	Trend            Trend     `json:"trend"`
	InsufficientData bool      `json:"insufficient_data"`
	// Stale is set when a late event changed underlying buckets after this score was computed.
	Stale      bool      `json:"stale"`
	ComputedAt time.Time `json:"computed_at"`
}

// Window is a half-open [Start, End) scoring interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// ErrInvalidWindow is returned for empty or inverted windows.
var ErrInvalidWindow = errors.New("invalid scoring window")

// Validate checks the window bounds.
func (w Window) Validate() error {
	if !w.End.After(w.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidWindow, w.End, w.Start)
	}
	return nil
}

// Width returns the window duration.
func (w Window) Width() time.Duration {
	return w.End.Sub(w.Start)
}

// Previous returns the window of equal width immediately before w.
func (w Window) Previous() Window {
	return Window{Start: w.Start.Add(-w.Width()), End: w.Start}
}
