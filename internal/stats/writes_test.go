package stats

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestBucketWrites_Counts(t *testing.T) {
	w := NewBucketWrites()
	w.RecordInsert()
	w.RecordInsert()
	w.RecordRevision()
	w.RecordStale()

	got := w.Snapshot()
	want := Snapshot{Inserted: 2, Revised: 1, Stale: 1}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
	if got.Accepted() != 3 {
		t.Errorf("Accepted() = %d, want 3", got.Accepted())
	}
	if w.String() != "inserted=2 revised=1 stale=1" {
		t.Errorf("String() = %q", w.String())
	}
}

func TestBucketWrites_Concurrent(t *testing.T) {
	w := NewBucketWrites()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(3)
		go func() { defer wg.Done(); w.RecordInsert() }()
		go func() { defer wg.Done(); w.RecordRevision() }()
		go func() { defer wg.Done(); w.RecordStale() }()
	}
	wg.Wait()

	if s := w.Snapshot(); s.Inserted != 50 || s.Revised != 50 || s.Stale != 50 {
		t.Errorf("Snapshot() = %+v", s)
	}
}

func TestBucketWrites_LogSummary(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w := NewBucketWrites()
	w.RecordInsert()
	w.RecordRevision()
	w.LogSummary(logger)

	out := buf.String()
	for _, want := range []string{"bucket write statistics", "inserted=1", "revised=1", "stale=0", "accepted=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}
