package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/event"
	"github.com/onnwee/hookpulse/internal/session"
)

// ActivityStore persists activity updates for the recent-activity query.
type ActivityStore interface {
	AppendActivity(ctx context.Context, u activity.Update) error
}

// Publisher fans activity updates out to live subscribers.
type Publisher interface {
	Publish(u activity.Update)
}

// Recorder writes activity updates to the activity log and publishes them.
// It is the Emitter used by the pipeline, the score job and the anomaly
// listener, and it turns closed session and user buckets into activities.
type Recorder struct {
	store     ActivityStore
	publisher Publisher
	logger    *slog.Logger
}

// NewRecorder creates a recorder. Either dependency may be nil.
func NewRecorder(store ActivityStore, publisher Publisher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, publisher: publisher, logger: logger}
}

// Emit records u. A failed activity write is logged and the update is still
// published.
func (r *Recorder) Emit(ctx context.Context, u activity.Update) {
	if r.store != nil {
		if err := r.store.AppendActivity(ctx, u); err != nil {
			r.logger.Warn("failed to record activity",
				"activity_id", u.ID,
				"type", string(u.Type),
				"subject_id", u.SubjectID,
				"error", err)
		}
	}
	if r.publisher != nil {
		r.publisher.Publish(u)
	}
}

// OnBucketClosed emits bucket_closed or bucket_corrected for the per-subject
// rollup of sessions and users. Per-category and tool buckets stay quiet to
// keep the feed readable.
func (r *Recorder) OnBucketClosed(ctx context.Context, b aggregate.Bucket, corrected bool) {
	if b.Category != aggregate.CategoryAll || b.SubjectKind == aggregate.KindTool {
		return
	}
	r.Emit(ctx, BucketActivity(b, corrected))
}

// BucketActivity renders a closed bucket.
func BucketActivity(b aggregate.Bucket, corrected bool) activity.Update {
	t := activity.TypeBucketClosed
	desc := fmt.Sprintf("%s bucket closed: %d events, %.0f%% failed", b.Width, b.EventCount, b.FailureRate()*100)
	if corrected {
		t = activity.TypeBucketCorrected
		desc = fmt.Sprintf("%s bucket corrected to revision %d: %d events", b.Width, b.Revision, b.EventCount)
	}
	return activity.New(t, b.Subject, b.Subject, desc, b.ClosedAt, map[string]any{
		"subject_kind":    string(b.SubjectKind),
		"width_seconds":   int64(b.Width / time.Second),
		"bucket_start":    b.BucketStart.Format(time.RFC3339),
		"bucket_end":      b.BucketEnd.Format(time.RFC3339),
		"event_count":     b.EventCount,
		"success_count":   b.SuccessCount,
		"avg_duration_ms": b.AvgDurationMs(),
		"revision":        b.Revision,
	})
}

// EventActivity renders an ingested event. Lifecycle triggers map to
// session_start and session_end; everything else is a tool_use.
func EventActivity(ev *event.Event, tr session.Transition) activity.Update {
	meta := map[string]any{
		"event_id":   ev.ID,
		"session_id": ev.SessionID,
		"trigger":    string(ev.Trigger),
	}
	if ev.UserID != "" {
		meta["user_id"] = ev.UserID
	}
	if ev.Incomplete {
		meta["incomplete"] = true
	}

	switch ev.Trigger {
	case event.TriggerSessionStart:
		return activity.New(activity.TypeSessionStart, ev.SessionID, ev.SessionID,
			"session started", ev.StartedAt, meta)
	case event.TriggerSessionEnd:
		meta["state"] = string(tr.To)
		desc := "session ended"
		if tr.Recovered {
			desc = "session ended (start not observed)"
			meta["recovered"] = true
		}
		return activity.New(activity.TypeSessionEnd, ev.SessionID, ev.SessionID, desc, ev.EndedAt(), meta)
	}

	meta["tool_name"] = ev.ToolName
	meta["duration_ms"] = ev.DurationMs
	meta["success"] = ev.Success
	outcome := "succeeded"
	if !ev.Success {
		outcome = "failed"
	}
	desc := fmt.Sprintf("%s %s in %dms", ev.ToolName, outcome, ev.DurationMs)
	return activity.New(activity.TypeToolUse, ev.SessionID, ev.ToolName, desc, ev.StartedAt, meta)
}
