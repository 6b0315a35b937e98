package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
)

// Sink persists emitted anomalies.
type Sink interface {
	SaveAnomaly(ctx context.Context, a Anomaly) error
}

// Emitter receives anomaly activities.
type Emitter interface {
	Emit(ctx context.Context, u activity.Update)
}

// Listener feeds closed buckets of one width into a Detector.
type Listener struct {
	Detector *Detector
	// Width selects the bucket resolution observed; other widths are ignored.
	Width   time.Duration
	Sink    Sink
	Emitter Emitter
	Metrics *Metrics
	Logger  *slog.Logger
}

// OnBucketClosed implements aggregate.CloseListener. Revisions are not
// observed again; Recompute over stored buckets accounts for them.
func (l *Listener) OnBucketClosed(ctx context.Context, b aggregate.Bucket, corrected bool) {
	if corrected || b.Width != l.Width || !Observable(b) {
		return
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for metric, value := range Values(b) {
		if l.Metrics != nil {
			l.Metrics.IncSamples(metric)
		}
		a := l.Detector.Observe(b.SubjectKind, b.Subject, metric, value, b.BucketStart)
		if a == nil {
			continue
		}
		if l.Metrics != nil {
			l.Metrics.IncDetected(metric, a.Severity)
		}
		logger.Warn("anomaly detected",
			"subject_kind", string(a.SubjectKind),
			"subject_id", a.SubjectID,
			"metric", a.Metric,
			"observed", a.ObservedValue,
			"mean", a.Mean,
			"sigmas", a.Sigmas,
			"severity", a.Severity)
		if l.Sink != nil {
			if err := l.Sink.SaveAnomaly(ctx, *a); err != nil {
				logger.Error("failed to persist anomaly", "anomaly_id", a.ID, "error", err)
			}
		}
		if l.Emitter != nil {
			l.Emitter.Emit(ctx, Activity(*a))
		}
	}
}

// Activity renders an anomaly as an activity update.
func Activity(a Anomaly) activity.Update {
	u := activity.New(activity.TypeAnomaly, a.SubjectID, a.SubjectID,
		fmt.Sprintf("%s anomaly on %s: %.2f outside [%.2f, %.2f]", a.Severity, a.Metric, a.ObservedValue, a.ExpectedRange.Low, a.ExpectedRange.High),
		a.DetectedAt, map[string]any{
			"anomaly_id":   a.ID,
			"subject_kind": string(a.SubjectKind),
			"metric":       a.Metric,
			"severity":     string(a.Severity),
			"sigmas":       a.Sigmas,
			"sample_at":    a.SampleAt.Format(time.RFC3339),
		})
	return u
}
