package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/anomaly"
	"github.com/onnwee/hookpulse/internal/event"
	"github.com/onnwee/hookpulse/internal/scoring"
	"github.com/onnwee/hookpulse/internal/stats"
)

type storedEvent struct {
	event *event.Event
	ack   Ack
}

type bucketRowKey struct {
	key      aggregate.Key
	revision int
}

type scoreKey struct {
	subject    string
	start, end int64
}

// MemoryStore is an in-memory Store used for tests and development.
// Thread-safe via RWMutex; all reads return copies.
type MemoryStore struct {
	mu         sync.RWMutex
	events     []storedEvent
	byID       map[string]int
	buckets    map[bucketRowKey]aggregate.Bucket
	scores     map[scoreKey]scoring.ProductivityScore
	anomalies  map[string]anomaly.Anomaly
	activities []activity.Update
	nextSeq    int64
	now        func() time.Time
	upserts    *stats.BucketWrites
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]int),
		buckets:   make(map[bucketRowKey]aggregate.Bucket),
		scores:    make(map[scoreKey]scoring.ProductivityScore),
		anomalies: make(map[string]anomaly.Anomaly),
		now:       time.Now,
		upserts:   stats.NewBucketWrites(),
	}
}

// BucketWrites exposes bucket write counters.
func (s *MemoryStore) BucketWrites() *stats.BucketWrites {
	return s.upserts
}

// Append stores e unless its id is already present.
func (s *MemoryStore) Append(ctx context.Context, e *event.Event) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, writeErr("append event", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byID[e.ID]; ok {
		ack := s.events[idx].ack
		ack.Duplicate = true
		return ack, nil
	}
	s.nextSeq++
	ack := Ack{EventID: e.ID, Seq: s.nextSeq, StoredAt: s.now().UTC()}
	s.byID[e.ID] = len(s.events)
	s.events = append(s.events, storedEvent{event: e.Clone(), ack: ack})
	return ack, nil
}

// ReadRange yields a consistent snapshot of the matching events.
func (s *MemoryStore) ReadRange(ctx context.Context, subjectID string, from, to time.Time) iter.Seq2[*event.Event, error] {
	return s.read(ctx, func(e *event.Event) bool {
		return matchesSubject(e, subjectID) && !e.StartedAt.Before(from) && e.StartedAt.Before(to)
	}, true)
}

// ReadAll yields every event since the given time in append order.
func (s *MemoryStore) ReadAll(ctx context.Context, since time.Time) iter.Seq2[*event.Event, error] {
	return s.read(ctx, func(e *event.Event) bool {
		return !e.StartedAt.Before(since)
	}, false)
}

func (s *MemoryStore) read(ctx context.Context, match func(*event.Event) bool, byTime bool) iter.Seq2[*event.Event, error] {
	return func(yield func(*event.Event, error) bool) {
		s.mu.RLock()
		var matched []storedEvent
		for _, se := range s.events {
			if match(se.event) {
				matched = append(matched, se)
			}
		}
		s.mu.RUnlock()

		if byTime {
			sort.SliceStable(matched, func(i, j int) bool {
				a, b := matched[i], matched[j]
				if !a.event.StartedAt.Equal(b.event.StartedAt) {
					return a.event.StartedAt.Before(b.event.StartedAt)
				}
				return a.ack.Seq < b.ack.Seq
			})
		}
		for _, se := range matched {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(se.event.Clone(), nil) {
				return
			}
		}
	}
}

// UpsertBucket writes a bucket revision using last-writer-wins on Version.
func (s *MemoryStore) UpsertBucket(ctx context.Context, b aggregate.Bucket) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, writeErr("upsert bucket", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := bucketRowKey{key: b.Key(), revision: b.Revision}
	if existing, ok := s.buckets[k]; ok {
		if existing.Version >= b.Version {
			s.upserts.RecordStale()
			return false, ErrStaleWrite
		}
		s.buckets[k] = b
		s.upserts.RecordRevision()
		return true, nil
	}
	s.buckets[k] = b
	s.upserts.RecordInsert()
	return true, nil
}

// ListBuckets filters buckets and returns them in cursor order.
func (s *MemoryStore) ListBuckets(ctx context.Context, q aggregate.Query) ([]aggregate.Bucket, error) {
	s.mu.RLock()
	latest := make(map[aggregate.Key]int)
	if !q.AllRevisions {
		for k := range s.buckets {
			if rev, ok := latest[k.key]; !ok || k.revision > rev {
				latest[k.key] = k.revision
			}
		}
	}
	var out []aggregate.Bucket
	for k, b := range s.buckets {
		if !q.AllRevisions && latest[k.key] != k.revision {
			continue
		}
		if !bucketMatches(b, q) {
			continue
		}
		out = append(out, b)
	}
	s.mu.RUnlock()

	sortBuckets(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func bucketMatches(b aggregate.Bucket, q aggregate.Query) bool {
	if q.SubjectKind != "" && b.SubjectKind != q.SubjectKind {
		return false
	}
	if q.Subject != "" && b.Subject != q.Subject {
		return false
	}
	if q.Category != "" && b.Category != q.Category {
		return false
	}
	if q.Width != 0 && b.Width != q.Width {
		return false
	}
	if !q.From.IsZero() && b.BucketStart.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !b.BucketStart.Before(q.To) {
		return false
	}
	if q.After != nil && !q.After.After(b) {
		return false
	}
	return true
}

func sortBuckets(bs []aggregate.Bucket) {
	sort.Slice(bs, func(i, j int) bool {
		a, b := bs[i], bs[j]
		if !a.BucketStart.Equal(b.BucketStart) {
			return a.BucketStart.Before(b.BucketStart)
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.SubjectKind != b.SubjectKind {
			return a.SubjectKind < b.SubjectKind
		}
		if a.Width != b.Width {
			return a.Width < b.Width
		}
		return a.Revision < b.Revision
	})
}

// SaveScore stores or replaces the score for its subject and window.
func (s *MemoryStore) SaveScore(ctx context.Context, sc scoring.ProductivityScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[scoreKey{sc.SubjectID, sc.WindowStart.UnixNano(), sc.WindowEnd.UnixNano()}] = sc
	return nil
}

// LatestScore returns the most recently computed score for a subject.
func (s *MemoryStore) LatestScore(ctx context.Context, subjectID string) (*scoring.ProductivityScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *scoring.ProductivityScore
	for k, sc := range s.scores {
		if k.subject != subjectID {
			continue
		}
		if latest == nil || sc.WindowEnd.After(latest.WindowEnd) ||
			(sc.WindowEnd.Equal(latest.WindowEnd) && sc.ComputedAt.After(latest.ComputedAt)) {
			c := sc
			latest = &c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// ListScores returns a subject's scores whose windows start in [from, to).
func (s *MemoryStore) ListScores(ctx context.Context, subjectID string, from, to time.Time) ([]scoring.ProductivityScore, error) {
	s.mu.RLock()
	var out []scoring.ProductivityScore
	for k, sc := range s.scores {
		if k.subject != subjectID || sc.WindowStart.Before(from) || !sc.WindowStart.Before(to) {
			continue
		}
		out = append(out, sc)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

// SaveAnomaly stores an anomaly, superseding any earlier detection with the same id.
func (s *MemoryStore) SaveAnomaly(ctx context.Context, a anomaly.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies[a.ID] = a
	return nil
}

// ListAnomalies returns newest-first anomalies.
func (s *MemoryStore) ListAnomalies(ctx context.Context, q AnomalyQuery) ([]anomaly.Anomaly, error) {
	s.mu.RLock()
	var out []anomaly.Anomaly
	for _, a := range s.anomalies {
		if q.SubjectID != "" && a.SubjectID != q.SubjectID {
			continue
		}
		if !q.Since.IsZero() && a.DetectedAt.Before(q.Since) {
			continue
		}
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// AppendActivity adds an update to the activity log.
func (s *MemoryStore) AppendActivity(ctx context.Context, u activity.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, u)
	return nil
}

// RecentActivities pages the activity log newest first.
func (s *MemoryStore) RecentActivities(ctx context.Context, q activity.Query) ([]activity.Update, int, error) {
	s.mu.RLock()
	var matched []activity.Update
	for i := len(s.activities) - 1; i >= 0; i-- {
		u := s.activities[i]
		if activityMatches(u, q) {
			matched = append(matched, u)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	total := len(matched)
	if q.Offset >= total {
		return []activity.Update{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < total {
		end = q.Offset + q.Limit
	}
	return matched[q.Offset:end], total, nil
}

func activityMatches(u activity.Update, q activity.Query) bool {
	if q.Type != "" && u.Type != q.Type {
		return false
	}
	if q.SubjectID != "" && u.SubjectID != q.SubjectID &&
		u.Meta("session_id") != q.SubjectID && u.Meta("user_id") != q.SubjectID {
		return false
	}
	if !q.Since.IsZero() && u.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
