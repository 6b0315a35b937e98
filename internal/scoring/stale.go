package scoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/hookpulse/internal/aggregate"
)

// StaleTracker tracks subjects whose scores need recomputation.
// Thread-safe via RWMutex.
type StaleTracker struct {
	mu    sync.RWMutex
	dirty map[string]time.Time // subject -> time marked
	// corrected holds the starts of closed buckets revised by a late event.
	corrected map[string]map[time.Time]struct{}
}

// NewStaleTracker creates a new StaleTracker instance.
func NewStaleTracker() *StaleTracker {
	return &StaleTracker{
		dirty:     make(map[string]time.Time),
		corrected: make(map[string]map[time.Time]struct{}),
	}
}

// MarkDirty queues a subject for recomputation.
func (t *StaleTracker) MarkDirty(subjectID string) {
	t.mu.Lock()
	if _, ok := t.dirty[subjectID]; !ok {
		t.dirty[subjectID] = time.Now()
	}
	t.mu.Unlock()
}

// MarkStale queues a subject whose closed bucket starting at bucketStart was
// corrected. Scores of the windows holding those buckets are stale until
// they are recomputed.
func (t *StaleTracker) MarkStale(subjectID string, bucketStart time.Time) {
	t.mu.Lock()
	if _, ok := t.dirty[subjectID]; !ok {
		t.dirty[subjectID] = time.Now()
	}
	starts := t.corrected[subjectID]
	if starts == nil {
		starts = make(map[time.Time]struct{})
		t.corrected[subjectID] = starts
	}
	starts[bucketStart.UTC()] = struct{}{}
	t.mu.Unlock()
}

// Corrections returns the corrected bucket starts of a subject, oldest first.
func (t *StaleTracker) Corrections(subjectID string) []time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]time.Time, 0, len(t.corrected[subjectID]))
	for start := range t.corrected[subjectID] {
		out = append(out, start)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Clear removes a subject after its score was recomputed. Only the listed
// corrections are dropped; a correction marked since stays queued.
func (t *StaleTracker) Clear(subjectID string, resolved ...time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	starts := t.corrected[subjectID]
	for _, start := range resolved {
		delete(starts, start.UTC())
	}
	if len(starts) > 0 {
		return
	}
	delete(t.dirty, subjectID)
	delete(t.corrected, subjectID)
}

// Dirty returns the queued subjects, oldest first.
func (t *StaleTracker) Dirty() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subjects := make([]string, 0, len(t.dirty))
	for s := range t.dirty {
		subjects = append(subjects, s)
	}
	sort.Slice(subjects, func(i, j int) bool {
		a, b := t.dirty[subjects[i]], t.dirty[subjects[j]]
		if !a.Equal(b) {
			return a.Before(b)
		}
		return subjects[i] < subjects[j]
	})
	return subjects
}

// IsStale reports whether the subject's persisted score predates a correction.
func (t *StaleTracker) IsStale(subjectID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.corrected[subjectID]) > 0
}

// Count returns the number of queued subjects.
func (t *StaleTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.dirty)
}

// OnBucketClosed implements aggregate.CloseListener.
func (t *StaleTracker) OnBucketClosed(_ context.Context, b aggregate.Bucket, corrected bool) {
	if corrected {
		t.MarkStale(b.Subject, b.BucketStart)
		return
	}
	t.MarkDirty(b.Subject)
}
