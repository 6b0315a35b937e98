package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/hookpulse/internal/event"
)

func newTestRegistry() *Registry {
	return NewRegistry(RegistryConfig{
		Shards: 4,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

var base = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func ev(sessionID string, trigger event.Trigger, offset time.Duration) *event.Event {
	return &event.Event{
		ID:        fmt.Sprintf("%s-%s-%d", sessionID, trigger, offset),
		SessionID: sessionID,
		UserID:    "u1",
		ToolName:  "Edit",
		Trigger:   trigger,
		StartedAt: base.Add(offset),
		Success:   true,
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := newTestRegistry()

	tr, err := r.Apply(ev("S1", event.TriggerSessionStart, 0))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !tr.Created || tr.To != StateStarted || tr.Recovered {
		t.Errorf("start transition = %+v", tr)
	}
	if !r.IsActive("S1") {
		t.Error("started session should be active")
	}

	tr, _ = r.Apply(ev("S1", event.TriggerPostToolUse, time.Second))
	if tr.From != StateStarted || tr.To != StateActive {
		t.Errorf("first tool use transition = %+v", tr)
	}

	tr, _ = r.Apply(ev("S1", event.TriggerPostToolUse, 2*time.Second))
	if tr.Changed() {
		t.Errorf("second tool use should not change state: %+v", tr)
	}

	tr, _ = r.Apply(ev("S1", event.TriggerSessionEnd, 3*time.Second))
	if tr.From != StateActive || tr.To != StateEnded {
		t.Errorf("end transition = %+v", tr)
	}
	if r.IsActive("S1") {
		t.Error("ended session should not be active")
	}

	// Repeated end is idempotent.
	tr, err = r.Apply(ev("S1", event.TriggerSessionEnd, 4*time.Second))
	if err != nil || tr.Changed() {
		t.Errorf("repeated end = %+v, %v", tr, err)
	}

	tr, err = r.Finalize("S1")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if tr.To != StateFinalized {
		t.Errorf("finalize transition = %+v", tr)
	}

	sess, err := r.Get("S1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.EventCount != 5 {
		t.Errorf("EventCount = %d, want 5", sess.EventCount)
	}
	if sess.EndedAt == nil || !sess.EndedAt.Equal(base.Add(3*time.Second)) {
		t.Errorf("EndedAt = %v", sess.EndedAt)
	}
}

func TestRegistry_SessionEndForUnknownSession(t *testing.T) {
	r := newTestRegistry()

	tr, err := r.Apply(ev("ghost", event.TriggerSessionEnd, 0))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !tr.Created || !tr.Recovered {
		t.Errorf("expected recovered creation, got %+v", tr)
	}
	if tr.From != StateActive || tr.To != StateEnded {
		t.Errorf("transition = %s -> %s, want active -> ended", tr.From, tr.To)
	}
}

func TestRegistry_ToolUseForUnknownSession(t *testing.T) {
	r := newTestRegistry()

	tr, err := r.Apply(ev("late", event.TriggerPostToolUse, 0))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !tr.Recovered || tr.To != StateActive {
		t.Errorf("transition = %+v", tr)
	}
}

func TestRegistry_FinalizeRequiresEnded(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Apply(ev("S1", event.TriggerSessionStart, 0))

	if _, err := r.Finalize("S1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := r.Finalize("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistry_SnapshotAndPrune(t *testing.T) {
	r := newTestRegistry()
	for _, id := range []string{"c", "a", "b"} {
		_, _ = r.Apply(ev(id, event.TriggerSessionStart, 0))
	}
	_, _ = r.Apply(ev("a", event.TriggerSessionEnd, time.Minute))
	_, _ = r.Finalize("a")

	snap := r.Snapshot()
	if len(snap) != 3 || snap[0].ID != "a" || snap[2].ID != "c" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if n := r.Prune(base.Add(time.Hour)); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if _, err := r.Get("a"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("finalized session should be pruned")
	}
}

func TestRegistry_Rebuild(t *testing.T) {
	log := []*event.Event{
		ev("S1", event.TriggerSessionStart, 0),
		ev("S1", event.TriggerPostToolUse, time.Second),
		ev("S2", event.TriggerPostToolUse, time.Second),
		ev("S2", event.TriggerSessionEnd, 2*time.Second),
	}
	seq := iter.Seq2[*event.Event, error](func(yield func(*event.Event, error) bool) {
		for _, e := range log {
			if !yield(e, nil) {
				return
			}
		}
	})

	r := newTestRegistry()
	n, err := r.Rebuild(context.Background(), seq)
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if n != 4 {
		t.Errorf("Rebuild() applied %d events, want 4", n)
	}
	s1, _ := r.Get("S1")
	s2, _ := r.Get("S2")
	if s1.State != StateActive || s2.State != StateEnded {
		t.Errorf("states after rebuild: S1=%s S2=%s", s1.State, s2.State)
	}
}

func TestRegistry_ConcurrentSessions(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("S%d", i)
			_, _ = r.Apply(ev(id, event.TriggerSessionStart, 0))
			for j := 0; j < 20; j++ {
				_, _ = r.Apply(ev(id, event.TriggerPostToolUse, time.Duration(j)*time.Second))
			}
		}(i)
	}
	wg.Wait()

	snap := r.Snapshot()
	if len(snap) != 50 {
		t.Fatalf("expected 50 sessions, got %d", len(snap))
	}
	for _, s := range snap {
		if s.EventCount != 21 || s.State != StateActive {
			t.Errorf("session %s: count=%d state=%s", s.ID, s.EventCount, s.State)
		}
	}
}
