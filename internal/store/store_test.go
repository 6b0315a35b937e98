package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/anomaly"
	"github.com/onnwee/hookpulse/internal/event"
	"github.com/onnwee/hookpulse/internal/scoring"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newEvent(session, user, tool string, at time.Time, seq int64) *event.Event {
	return &event.Event{
		ID:         event.ComputeID(session, tool, at, seq),
		SessionID:  session,
		UserID:     user,
		ToolName:   tool,
		Trigger:    event.TriggerPostToolUse,
		StartedAt:  at,
		DurationMs: 100,
		Success:    true,
		Sequence:   seq,
		Metadata:   map[string]any{"file": "main.go"},
	}
}

func collect(t *testing.T, seq func(func(*event.Event, error) bool)) []*event.Event {
	t.Helper()
	var out []*event.Event
	for e, err := range seq {
		if err != nil {
			t.Fatalf("iteration error: %v", err)
		}
		out = append(out, e)
	}
	return out
}

// storeFactories runs every contract test against each implementation.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), DefaultDBFile), nil)
			if err != nil {
				t.Fatalf("OpenSQLite() error = %v", err)
			}
			if err := s.Migrate(context.Background()); err != nil {
				t.Fatalf("Migrate() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStore_AppendIdempotent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			e := newEvent("s1", "u1", "Edit", t0, 1)

			first, err := s.Append(ctx, e)
			if err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if first.Duplicate || first.Err() != nil {
				t.Fatalf("first append flagged duplicate: %+v", first)
			}

			second, err := s.Append(ctx, e)
			if err != nil {
				t.Fatalf("second Append() error = %v", err)
			}
			if !second.Duplicate {
				t.Fatal("expected duplicate ack")
			}
			if second.Seq != first.Seq {
				t.Errorf("duplicate seq = %d, want %d", second.Seq, first.Seq)
			}
			if !errors.Is(second.Err(), ErrDuplicateEvent) {
				t.Errorf("Ack.Err() = %v, want ErrDuplicateEvent", second.Err())
			}

			got := collect(t, s.ReadAll(ctx, time.Time{}))
			if len(got) != 1 {
				t.Fatalf("ReadAll() returned %d events, want 1", len(got))
			}
		})
	}
}

func TestStore_ReadRangeOrderAndFilter(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			events := []*event.Event{
				newEvent("s1", "u1", "Edit", t0.Add(3*time.Second), 3),
				newEvent("s1", "u1", "Read", t0.Add(1*time.Second), 1),
				newEvent("s2", "u1", "Bash", t0.Add(2*time.Second), 1),
				newEvent("s3", "u2", "Grep", t0.Add(2*time.Second), 1),
				newEvent("s1", "u1", "Grep", t0.Add(time.Hour), 4),
			}
			for _, e := range events {
				if _, err := s.Append(ctx, e); err != nil {
					t.Fatalf("Append() error = %v", err)
				}
			}

			tests := []struct {
				name    string
				subject string
				want    []string
			}{
				{name: "session", subject: "s1", want: []string{"Read", "Edit"}},
				{name: "user", subject: "u1", want: []string{"Read", "Bash", "Edit"}},
				{name: "all", subject: "", want: []string{"Read", "Bash", "Grep", "Edit"}},
				{name: "unknown", subject: "nobody", want: nil},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got := collect(t, s.ReadRange(ctx, tt.subject, t0, t0.Add(time.Minute)))
					if len(got) != len(tt.want) {
						t.Fatalf("got %d events, want %d", len(got), len(tt.want))
					}
					for i, e := range got {
						if e.ToolName != tt.want[i] {
							t.Errorf("event[%d] = %s, want %s", i, e.ToolName, tt.want[i])
						}
					}
				})
			}

			got := collect(t, s.ReadRange(ctx, "s1", t0, t0.Add(2*time.Hour)))
			if got[0].Metadata["file"] != "main.go" {
				t.Errorf("metadata not round-tripped: %v", got[0].Metadata)
			}
			if !got[0].StartedAt.Equal(t0.Add(time.Second)) {
				t.Errorf("StartedAt = %v", got[0].StartedAt)
			}
		})
	}
}

func TestStore_ReadRangeEarlyStop(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := range 10 {
		if _, err := s.Append(ctx, newEvent("s1", "", "Edit", t0.Add(time.Duration(i)*time.Second), int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	n := 0
	for _, err := range s.ReadRange(ctx, "s1", t0, t0.Add(time.Hour)) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("consumed %d events, want 3", n)
	}
}

func bucket(subject, category string, start time.Time, revision int, version int64, count int64) aggregate.Bucket {
	return aggregate.Bucket{
		SubjectKind:     aggregate.KindSession,
		Subject:         subject,
		Category:        category,
		Width:           time.Minute,
		BucketStart:     start,
		BucketEnd:       start.Add(time.Minute),
		EventCount:      count,
		SuccessCount:    count,
		TotalDurationMs: count * 100,
		Revision:        revision,
		Version:         version,
		ClosedAt:        start.Add(time.Minute),
	}
}

func TestStore_UpsertBucketLastWriterWins(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			if applied, err := s.UpsertBucket(ctx, bucket("s1", "edit", t0, 0, 10, 3)); err != nil || !applied {
				t.Fatalf("initial upsert applied=%v err=%v", applied, err)
			}
			applied, err := s.UpsertBucket(ctx, bucket("s1", "edit", t0, 0, 5, 99))
			if !errors.Is(err, ErrStaleWrite) || applied {
				t.Fatalf("stale upsert applied=%v err=%v, want ErrStaleWrite", applied, err)
			}
			if applied, err := s.UpsertBucket(ctx, bucket("s1", "edit", t0, 0, 11, 4)); err != nil || !applied {
				t.Fatalf("newer upsert applied=%v err=%v", applied, err)
			}

			got, err := s.ListBuckets(ctx, aggregate.Query{Subject: "s1"})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].EventCount != 4 || got[0].Version != 11 {
				t.Fatalf("ListBuckets() = %+v, want one bucket with count 4", got)
			}
			if got[0].Width != time.Minute {
				t.Errorf("Width = %v, want 1m", got[0].Width)
			}
		})
	}
}

func TestStore_ListBucketsRevisionsAndCursor(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			rows := []aggregate.Bucket{
				bucket("s1", "edit", t0, 0, 1, 2),
				bucket("s1", "edit", t0, 1, 2, 3),
				bucket("s1", "read", t0, 0, 3, 1),
				bucket("s2", "edit", t0, 0, 4, 1),
				bucket("s1", "edit", t0.Add(time.Minute), 0, 5, 1),
			}
			for _, b := range rows {
				if _, err := s.UpsertBucket(ctx, b); err != nil {
					t.Fatal(err)
				}
			}

			latest, err := s.ListBuckets(ctx, aggregate.Query{})
			if err != nil {
				t.Fatal(err)
			}
			if len(latest) != 4 {
				t.Fatalf("latest-only returned %d buckets, want 4", len(latest))
			}
			if latest[0].Revision != 1 || latest[0].EventCount != 3 {
				t.Errorf("first bucket = %+v, want revision 1", latest[0])
			}

			all, err := s.ListBuckets(ctx, aggregate.Query{AllRevisions: true})
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 5 {
				t.Fatalf("all revisions returned %d buckets, want 5", len(all))
			}

			page1, err := s.ListBuckets(ctx, aggregate.Query{Limit: 2})
			if err != nil {
				t.Fatal(err)
			}
			if len(page1) != 2 {
				t.Fatalf("page1 len = %d", len(page1))
			}
			last := page1[len(page1)-1]
			cursor := aggregate.CursorAt(last)
			page2, err := s.ListBuckets(ctx, aggregate.Query{Limit: 2, After: &cursor})
			if err != nil {
				t.Fatal(err)
			}
			if len(page2) != 2 {
				t.Fatalf("page2 len = %d", len(page2))
			}
			seen := map[string]bool{}
			for _, b := range append(page1, page2...) {
				k := b.Subject + "/" + b.Category + "/" + b.BucketStart.String()
				if seen[k] {
					t.Errorf("bucket %s returned twice", k)
				}
				seen[k] = true
			}
			if !page2[1].BucketStart.Equal(t0.Add(time.Minute)) {
				t.Errorf("last bucket start = %v", page2[1].BucketStart)
			}
		})
	}
}

func TestStore_ListBucketsCursorSeparatesRevisionsAndWidths(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			day := bucket("s1", aggregate.CategoryAll, t0, 0, 1, 5)
			day.Width = 24 * time.Hour
			day.BucketEnd = t0.Add(24 * time.Hour)
			for _, b := range []aggregate.Bucket{
				day,
				bucket("s1", aggregate.CategoryAll, t0, 1, 2, 3),
				bucket("s1", aggregate.CategoryAll, t0, 0, 1, 2),
			} {
				if _, err := s.UpsertBucket(ctx, b); err != nil {
					t.Fatal(err)
				}
			}

			var got []aggregate.Bucket
			var after *aggregate.Cursor
			for pages := 0; pages < 5; pages++ {
				page, err := s.ListBuckets(ctx, aggregate.Query{Subject: "s1", AllRevisions: true, After: after, Limit: 1})
				if err != nil {
					t.Fatal(err)
				}
				if len(page) == 0 {
					break
				}
				got = append(got, page...)
				c := aggregate.CursorAt(page[0])
				after = &c
			}
			if len(got) != 3 {
				t.Fatalf("paged %d buckets, want 3: %+v", len(got), got)
			}
			want := []struct {
				width    time.Duration
				revision int
			}{{time.Minute, 0}, {time.Minute, 1}, {24 * time.Hour, 0}}
			for i, w := range want {
				if got[i].Width != w.width || got[i].Revision != w.revision {
					t.Errorf("bucket %d = width %v revision %d, want width %v revision %d",
						i, got[i].Width, got[i].Revision, w.width, w.revision)
				}
			}
		})
	}
}

func TestStore_Scores(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			if _, err := s.LatestScore(ctx, "u1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("LatestScore() on empty store err = %v, want ErrNotFound", err)
			}
			for i := range 3 {
				start := t0.Add(time.Duration(i) * time.Hour)
				sc := scoring.ProductivityScore{
					SubjectID: "u1", WindowStart: start, WindowEnd: start.Add(time.Hour),
					Score: float64(10 * (i + 1)), Trend: scoring.TrendIncreasing, ComputedAt: start.Add(time.Hour),
				}
				if err := s.SaveScore(ctx, sc); err != nil {
					t.Fatal(err)
				}
			}
			latest, err := s.LatestScore(ctx, "u1")
			if err != nil {
				t.Fatal(err)
			}
			if latest.Score != 30 {
				t.Errorf("latest score = %v, want 30", latest.Score)
			}
			list, err := s.ListScores(ctx, "u1", t0, t0.Add(2*time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 2 || list[0].Score != 10 {
				t.Errorf("ListScores() = %+v", list)
			}
		})
	}
}

func TestStore_Anomalies(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			a := anomaly.Anomaly{
				ID: "s1:event_count:1", SubjectKind: aggregate.KindSession, SubjectID: "s1", Metric: anomaly.MetricEventCount,
				ObservedValue: 50, ExpectedRange: anomaly.Range{Low: 1, High: 9},
				Mean: 5, StdDev: 1.3, Sigmas: 34, DetectedAt: t0, SampleAt: t0, Severity: anomaly.SeverityHigh,
			}
			if err := s.SaveAnomaly(ctx, a); err != nil {
				t.Fatal(err)
			}
			a.Severity = anomaly.SeverityMedium
			a.DetectedAt = t0.Add(time.Minute)
			if err := s.SaveAnomaly(ctx, a); err != nil {
				t.Fatal(err)
			}
			other := a
			other.ID, other.SubjectID = "s2:event_count:1", "s2"
			if err := s.SaveAnomaly(ctx, other); err != nil {
				t.Fatal(err)
			}

			got, err := s.ListAnomalies(ctx, AnomalyQuery{SubjectID: "s1"})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].Severity != anomaly.SeverityMedium {
				t.Fatalf("ListAnomalies() = %+v", got)
			}
			if got[0].SubjectKind != aggregate.KindSession {
				t.Errorf("SubjectKind = %q, want session", got[0].SubjectKind)
			}
			if got[0].ExpectedRange.High != 9 {
				t.Errorf("expected range not round-tripped: %+v", got[0].ExpectedRange)
			}
		})
	}
}

func TestStore_RecentActivities(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			for i := range 5 {
				u := activity.New(activity.TypeToolUse, "Edit", "Edit", "tool used", t0.Add(time.Duration(i)*time.Second),
					map[string]any{"session_id": "s1", "user_id": "u1"})
				if err := s.AppendActivity(ctx, u); err != nil {
					t.Fatal(err)
				}
			}
			end := activity.New(activity.TypeSessionEnd, "s2", "s2", "session ended", t0.Add(time.Minute), nil)
			if err := s.AppendActivity(ctx, end); err != nil {
				t.Fatal(err)
			}

			tests := []struct {
				name      string
				q         activity.Query
				wantLen   int
				wantTotal int
			}{
				{name: "page", q: activity.Query{Limit: 2}, wantLen: 2, wantTotal: 6},
				{name: "offset past end", q: activity.Query{Limit: 2, Offset: 10}, wantLen: 0, wantTotal: 6},
				{name: "by type", q: activity.Query{Type: activity.TypeSessionEnd}, wantLen: 1, wantTotal: 1},
				{name: "by session metadata", q: activity.Query{SubjectID: "s1", Limit: 10}, wantLen: 5, wantTotal: 5},
				{name: "since", q: activity.Query{Since: t0.Add(4 * time.Second), Limit: 10}, wantLen: 2, wantTotal: 2},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got, total, err := s.RecentActivities(ctx, tt.q)
					if err != nil {
						t.Fatal(err)
					}
					if len(got) != tt.wantLen || total != tt.wantTotal {
						t.Errorf("got len=%d total=%d, want len=%d total=%d", len(got), total, tt.wantLen, tt.wantTotal)
					}
				})
			}

			got, _, err := s.RecentActivities(ctx, activity.Query{Limit: 1})
			if err != nil {
				t.Fatal(err)
			}
			if got[0].Type != activity.TypeSessionEnd {
				t.Errorf("newest activity = %s, want session_end", got[0].Type)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind() = %q", got)
	}
	lite := &SQLStore{dialect: DialectSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind() = %q", got)
	}
}

func TestWriteError_Is(t *testing.T) {
	err := writeErr("append event", errors.New("disk full"))
	if !errors.Is(err, ErrStorageWrite) {
		t.Error("WriteError should match ErrStorageWrite")
	}
	var we *WriteError
	if !errors.As(err, &we) || we.Op != "append event" {
		t.Errorf("errors.As() failed: %v", err)
	}
	if writeErr("noop", nil) != nil {
		t.Error("writeErr(nil) should be nil")
	}
}
