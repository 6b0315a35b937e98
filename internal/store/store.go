// Package store provides the persistence layer for the telemetry pipeline:
// an append-only raw event log plus materialized aggregate buckets, scores,
// anomalies and the activity log.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/anomaly"
	"github.com/onnwee/hookpulse/internal/event"
	"github.com/onnwee/hookpulse/internal/scoring"
)

var (
	// ErrDuplicateEvent marks an append of an already stored event id.
	// Appends never return it; it is reported through Ack.Err.
	ErrDuplicateEvent = errors.New("duplicate event id")
	// ErrStorageWrite is matched by every write failure.
	ErrStorageWrite = errors.New("storage write failed")
	// ErrStaleWrite is returned when a bucket upsert carries an older version.
	ErrStaleWrite = aggregate.ErrStaleVersion
	// ErrNotFound is returned for missing rows.
	ErrNotFound = errors.New("not found")
)

// WriteError wraps an underlying write failure.
type WriteError struct {
	Op  string
	Err error
}

// Error implements error.
func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the cause.
func (e *WriteError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrStorageWrite).
func (e *WriteError) Is(target error) bool { return target == ErrStorageWrite }

func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &WriteError{Op: op, Err: err}
}

// Ack acknowledges an append. Duplicate appends return the original Ack.
type Ack struct {
	EventID   string    `json:"event_id"`
	Seq       int64     `json:"seq"`
	StoredAt  time.Time `json:"stored_at"`
	Duplicate bool      `json:"duplicate"`
	// Recovered is set on a duplicate ack when an earlier attempt in the same
	// call failed: that attempt may have committed the event, so nothing
	// downstream has seen it yet.
	Recovered bool `json:"recovered,omitempty"`
}

// Err returns ErrDuplicateEvent for duplicate acks, nil otherwise.
func (a Ack) Err() error {
	if a.Duplicate {
		return ErrDuplicateEvent
	}
	return nil
}

// AnomalyQuery filters stored anomalies.
type AnomalyQuery struct {
	SubjectID string
	Since     time.Time
	Limit     int
}

// Store is the persistence contract. Implementations are safe for concurrent use.
type Store interface {
	// Append stores an event at most once per id.
	Append(ctx context.Context, e *event.Event) (Ack, error)
	// ReadRange lazily yields events of a session or user with started_at in
	// [from, to), ordered by time then append sequence.
	ReadRange(ctx context.Context, subjectID string, from, to time.Time) iter.Seq2[*event.Event, error]
	// ReadAll yields every event with started_at >= since in log order.
	ReadAll(ctx context.Context, since time.Time) iter.Seq2[*event.Event, error]

	// UpsertBucket writes a bucket revision; older versions return ErrStaleWrite.
	UpsertBucket(ctx context.Context, b aggregate.Bucket) (bool, error)
	// ListBuckets returns buckets ordered by (bucket_start, subject, category, revision).
	ListBuckets(ctx context.Context, q aggregate.Query) ([]aggregate.Bucket, error)

	SaveScore(ctx context.Context, s scoring.ProductivityScore) error
	LatestScore(ctx context.Context, subjectID string) (*scoring.ProductivityScore, error)
	ListScores(ctx context.Context, subjectID string, from, to time.Time) ([]scoring.ProductivityScore, error)

	SaveAnomaly(ctx context.Context, a anomaly.Anomaly) error
	ListAnomalies(ctx context.Context, q AnomalyQuery) ([]anomaly.Anomaly, error)

	AppendActivity(ctx context.Context, u activity.Update) error
	// RecentActivities returns newest-first activities and the total matching count.
	RecentActivities(ctx context.Context, q activity.Query) ([]activity.Update, int, error)

	Ping(ctx context.Context) error
	Close() error
}

// matchesSubject reports whether an event belongs to a session or user subject.
func matchesSubject(e *event.Event, subjectID string) bool {
	return subjectID == "" || e.SessionID == subjectID || e.UserID == subjectID
}
