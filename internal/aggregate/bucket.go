// Package aggregate rolls hook events into time-bucketed aggregates at one or
// more resolutions.
package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SubjectKind names what a bucket aggregates over.
type SubjectKind string

// Subject kinds maintained by the engine.
const (
	KindSession SubjectKind = "session"
	KindUser    SubjectKind = "user"
	KindTool    SubjectKind = "tool"
)

// ParseSubjectKind validates a subject kind string.
func ParseSubjectKind(s string) (SubjectKind, error) {
	switch SubjectKind(s) {
	case KindSession, KindUser, KindTool:
		return SubjectKind(s), nil
	}
	return "", fmt.Errorf("unknown subject kind %q", s)
}

// ErrStaleVersion is returned by stores when an upsert carries a version no
// newer than the stored one.
var ErrStaleVersion = errors.New("stale bucket version")

// ErrStaleBucket marks an event that landed in an already closed bucket.
// It is resolved by appending a revision and is never surfaced to hook callers.
var ErrStaleBucket = errors.New("event arrived after bucket close")

// Bucket is a fixed time-window aggregate for one subject and tool category.
type Bucket struct {
	SubjectKind     SubjectKind   `json:"subject_kind"`
	Subject         string        `json:"subject_id"`
	Category        string        `json:"category"`
	Width           time.Duration `json:"-"`
	BucketStart     time.Time     `json:"bucket_start"`
	BucketEnd       time.Time     `json:"bucket_end"`
	EventCount      int64         `json:"event_count"`
	SuccessCount    int64         `json:"success_count"`
	TotalDurationMs int64         `json:"total_duration_ms"`
	// Revision is 0 for the first close and increments for each late-event correction.
	Revision int `json:"revision"`
	// Version orders writes to the same bucket key; older versions are rejected.
	Version  int64     `json:"version"`
	ClosedAt time.Time `json:"closed_at"`
}

// MarshalJSON renders the width in seconds.
func (b Bucket) MarshalJSON() ([]byte, error) {
	type alias Bucket
	return json.Marshal(struct {
		alias
		WidthSeconds int64 `json:"width_seconds"`
	}{alias: alias(b), WidthSeconds: int64(b.Width / time.Second)})
}

// Key identifies the bucket independent of revision.
func (b Bucket) Key() Key {
	return Key{
		SubjectKind: b.SubjectKind,
		Subject:     b.Subject,
		Category:    b.Category,
		Width:       b.Width,
		Start:       b.BucketStart.UnixNano(),
	}
}

// FailureRate returns the share of failed events, 0 when empty.
func (b Bucket) FailureRate() float64 {
	if b.EventCount == 0 {
		return 0
	}
	return float64(b.EventCount-b.SuccessCount) / float64(b.EventCount)
}

// AvgDurationMs returns the mean duration, 0 when empty.
func (b Bucket) AvgDurationMs() float64 {
	if b.EventCount == 0 {
		return 0
	}
	return float64(b.TotalDurationMs) / float64(b.EventCount)
}

// Key is the identity of a bucket series element.
type Key struct {
	SubjectKind SubjectKind
	Subject     string
	Category    string
	Width       time.Duration
	Start       int64 // unix nanos
}

// Cursor is a stable pagination position over buckets ordered by
// (bucket_start, subject, category, subject_kind, width, revision).
type Cursor struct {
	BucketStart time.Time
	Subject     string
	Category    string
	SubjectKind SubjectKind
	Width       time.Duration
	Revision    int
}

// CursorAt returns the cursor positioned on b.
func CursorAt(b Bucket) Cursor {
	return Cursor{
		BucketStart: b.BucketStart,
		Subject:     b.Subject,
		Category:    b.Category,
		SubjectKind: b.SubjectKind,
		Width:       b.Width,
		Revision:    b.Revision,
	}
}

// Encode renders the cursor as
// "<unixnano>:<width_ns>:<revision>:<kind>:<category>:<subject>".
// The subject goes last since it is the only free-form part.
func (c Cursor) Encode() string {
	return fmt.Sprintf("%d:%d:%d:%s:%s:%s",
		c.BucketStart.UnixNano(), int64(c.Width), c.Revision, c.SubjectKind, c.Category, c.Subject)
}

// ParseCursor parses an encoded cursor.
func ParseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, ":", 6)
	if len(parts) != 6 {
		return nil, fmt.Errorf("malformed cursor %q", s)
	}
	var nums [3]int64
	for i := range nums {
		n, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed cursor %q: %w", s, err)
		}
		nums[i] = n
	}
	kind, err := ParseSubjectKind(parts[3])
	if err != nil {
		return nil, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	return &Cursor{
		BucketStart: time.Unix(0, nums[0]).UTC(),
		Width:       time.Duration(nums[1]),
		Revision:    int(nums[2]),
		SubjectKind: kind,
		Category:    parts[4],
		Subject:     parts[5],
	}, nil
}

// After reports whether b sorts strictly after the cursor position.
func (c Cursor) After(b Bucket) bool {
	if !b.BucketStart.Equal(c.BucketStart) {
		return b.BucketStart.After(c.BucketStart)
	}
	if b.Subject != c.Subject {
		return b.Subject > c.Subject
	}
	if b.Category != c.Category {
		return b.Category > c.Category
	}
	if b.SubjectKind != c.SubjectKind {
		return b.SubjectKind > c.SubjectKind
	}
	if b.Width != c.Width {
		return b.Width > c.Width
	}
	return b.Revision > c.Revision
}

// Query filters stored buckets. Zero values leave a dimension unfiltered.
type Query struct {
	SubjectKind SubjectKind
	Subject     string
	Category    string
	Width       time.Duration
	// From is inclusive, To exclusive, on bucket_start.
	From time.Time
	To   time.Time
	// AllRevisions returns every revision instead of only the latest per key.
	AllRevisions bool
	After        *Cursor
	Limit        int
}

// Floor returns the start of the bucket of the given width containing t.
func Floor(t time.Time, width time.Duration) time.Time {
	return t.UTC().Truncate(width)
}
