package scoring

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
)

// memScores keeps one score per subject and window and records every save.
type memScores struct {
	mu      sync.Mutex
	scores  []ProductivityScore
	history []ProductivityScore
	failOn  string
	// failFresh fails only saves that would replace a stale score.
	failFresh string
}

func (m *memScores) SaveScore(_ context.Context, sc ProductivityScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc.SubjectID == m.failOn || (sc.SubjectID == m.failFresh && !sc.Stale) {
		return errors.New("write failed")
	}
	m.history = append(m.history, sc)
	for i, old := range m.scores {
		if old.SubjectID == sc.SubjectID && old.WindowStart.Equal(sc.WindowStart) && old.WindowEnd.Equal(sc.WindowEnd) {
			m.scores[i] = sc
			return nil
		}
	}
	m.scores = append(m.scores, sc)
	return nil
}

func (m *memScores) ListScores(_ context.Context, subjectID string, from, to time.Time) ([]ProductivityScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProductivityScore
	for _, sc := range m.scores {
		if sc.SubjectID == subjectID && !sc.WindowStart.Before(from) && sc.WindowStart.Before(to) {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (m *memScores) get(subjectID string, start time.Time) (ProductivityScore, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sc := range m.scores {
		if sc.SubjectID == subjectID && sc.WindowStart.Equal(start) {
			return sc, true
		}
	}
	return ProductivityScore{}, false
}

type emitted struct {
	mu      sync.Mutex
	updates []activity.Update
}

func (e *emitted) Emit(_ context.Context, u activity.Update) {
	e.mu.Lock()
	e.updates = append(e.updates, u)
	e.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecomputeJob_ScoresStaleSubjects(t *testing.T) {
	current := t0.Add(2 * time.Hour)
	corrected := bucket(aggregate.KindSession, "S2", aggregate.CategoryAll, t0.Add(5*time.Minute), 3, 3, 300)
	corrected.Revision = 1
	r := &fakeBuckets{buckets: []aggregate.Bucket{
		bucket(aggregate.KindSession, "S1", aggregate.CategoryAll, current.Add(5*time.Minute), 5, 4, 800),
		corrected,
	}}
	svc := newTestService(t, r)
	tracker := NewStaleTracker()
	scores := &memScores{}
	old := ProductivityScore{SubjectID: "S2", WindowStart: t0, WindowEnd: t0.Add(time.Hour), Score: 42, Trend: TrendStable, ComputedAt: t0.Add(time.Hour)}
	if err := scores.SaveScore(context.Background(), old); err != nil {
		t.Fatal(err)
	}
	out := &emitted{}
	job := NewRecomputeJob(RecomputeJobConfig{
		Logger:  quietLogger(),
		Metrics: NewMetrics(),
		Now:     func() time.Time { return current.Add(10 * time.Minute) },
	}, tracker, svc, scores, out)

	tracker.OnBucketClosed(context.Background(), r.buckets[0], false)
	tracker.OnBucketClosed(context.Background(), corrected, true)
	if !tracker.IsStale("S2") || tracker.IsStale("S1") {
		t.Fatal("only corrected subjects should be stale")
	}

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if tracker.Count() != 0 || tracker.IsStale("S2") {
		t.Errorf("tracker not cleared: %v", tracker.Dirty())
	}

	for _, subject := range []string{"S1", "S2"} {
		sc, ok := scores.get(subject, current)
		if !ok {
			t.Fatalf("%s: no score for the current window", subject)
		}
		if !sc.WindowEnd.Equal(current.Add(time.Hour)) {
			t.Errorf("%s: window end = %v", subject, sc.WindowEnd)
		}
	}
	if _, ok := scores.get("S1", t0); ok {
		t.Error("S1 had no correction but its past window was rescored")
	}

	past, ok := scores.get("S2", t0)
	if !ok {
		t.Fatal("S2: corrected window has no score")
	}
	if past.Stale || past.InsufficientData || past.ComputedAt.Equal(old.ComputedAt) {
		t.Errorf("corrected window score = %+v, want a fresh score", past)
	}
	var marks []bool
	for _, sc := range scores.history {
		if sc.SubjectID == "S2" && sc.WindowStart.Equal(t0) {
			marks = append(marks, sc.Stale)
		}
	}
	if len(marks) != 3 || marks[0] || !marks[1] || marks[2] {
		t.Errorf("S2 past window saves stale = %v, want [false true false]", marks)
	}

	if len(out.updates) != 3 || out.updates[0].Type != activity.TypeScoreUpdate {
		t.Errorf("emitted = %+v", out.updates)
	}
}

func TestRecomputeJob_CorrectedScoreStaysStaleUntilReplaced(t *testing.T) {
	corrected := bucket(aggregate.KindSession, "S2", aggregate.CategoryAll, t0.Add(5*time.Minute), 3, 3, 300)
	corrected.Revision = 1
	svc := newTestService(t, &fakeBuckets{buckets: []aggregate.Bucket{corrected}})
	tracker := NewStaleTracker()
	scores := &memScores{}
	if err := scores.SaveScore(context.Background(), ProductivityScore{SubjectID: "S2", WindowStart: t0, WindowEnd: t0.Add(time.Hour), Score: 42}); err != nil {
		t.Fatal(err)
	}
	scores.failFresh = "S2"
	job := NewRecomputeJob(RecomputeJobConfig{
		Logger: quietLogger(),
		Now:    func() time.Time { return t0.Add(2*time.Hour + 10*time.Minute) },
	}, tracker, svc, scores, nil)

	tracker.OnBucketClosed(context.Background(), corrected, true)
	if err := job.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error when the recomputed score cannot be saved")
	}
	sc, ok := scores.get("S2", t0)
	if !ok || !sc.Stale || sc.Score != 42 {
		t.Errorf("score = %+v, want the old score flagged stale", sc)
	}
	if got := tracker.Corrections("S2"); len(got) != 1 || !got[0].Equal(corrected.BucketStart) {
		t.Errorf("Corrections() = %v, want the corrected bucket start", got)
	}

	scores.failFresh = ""
	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sc, _ := scores.get("S2", t0); sc.Stale {
		t.Errorf("score = %+v, want the stale flag cleared", sc)
	}
	if tracker.IsStale("S2") {
		t.Error("tracker still holds the correction")
	}
}

func TestStaleTracker_ClearKeepsNewerCorrections(t *testing.T) {
	tr := NewStaleTracker()
	first := t0.Add(5 * time.Minute)
	tr.MarkStale("S1", first)
	snapshot := tr.Corrections("S1")
	tr.MarkStale("S1", t0.Add(70*time.Minute))

	tr.Clear("S1", snapshot...)
	if got := tr.Corrections("S1"); len(got) != 1 || !got[0].Equal(t0.Add(70*time.Minute)) {
		t.Errorf("Corrections() = %v, want only the newer correction", got)
	}
	if tr.Count() != 1 {
		t.Errorf("Count() = %d, want 1", tr.Count())
	}
}

func TestRecomputeJob_FailedSubjectStaysQueued(t *testing.T) {
	svc := newTestService(t, &fakeBuckets{})
	tracker := NewStaleTracker()
	job := NewRecomputeJob(RecomputeJobConfig{Logger: quietLogger()}, tracker, svc, &memScores{failOn: "bad"}, nil)

	tracker.MarkDirty("bad")
	tracker.MarkDirty("good")
	if err := job.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error for failed subject")
	}
	if got := tracker.Dirty(); len(got) != 1 || got[0] != "bad" {
		t.Errorf("Dirty() = %v, want [bad]", got)
	}
}

func TestStaleTracker_Order(t *testing.T) {
	tr := NewStaleTracker()
	tr.MarkDirty("b")
	time.Sleep(time.Millisecond)
	tr.MarkDirty("a")
	tr.MarkDirty("b") // re-marking keeps the original position
	got := tr.Dirty()
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("Dirty() = %v, want [b a]", got)
	}
}
