package hook

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/hookpulse/internal/event"
)

const validYAML = `version: 1
hooks:
  session-start: {enabled: true, script: hooks/session-start.sh, trigger: SessionStart, timeout_ms: 5000, async: false}
  tool-metrics:  {enabled: true, script: hooks/tool-metrics.sh, trigger: PostToolUse, timeout_ms: 2000, async: true}
  session-end:   {script: hooks/session-end.sh, trigger: session_end}
  legacy:        {enabled: false, script: hooks/legacy.sh, trigger: PostToolUse}
`

func TestParse_Valid(t *testing.T) {
	r, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if r.Version() != 1 || len(r.Hooks()) != 4 {
		t.Fatalf("version %d, %d hooks", r.Version(), len(r.Hooks()))
	}

	end, err := r.Lookup("session-end")
	if err != nil {
		t.Fatal(err)
	}
	if !end.Enabled || end.Timeout != DefaultTimeout || end.Trigger != event.TriggerSessionEnd {
		t.Errorf("defaults not applied: %+v", end)
	}
	if s := end.Strategy(); s.Mode != ModeBlocking || s.Timeout != DefaultTimeout {
		t.Errorf("Strategy() = %+v", s)
	}

	metrics, _ := r.Lookup("tool-metrics")
	if s := metrics.Strategy(); s.Mode != ModeDetached || s.Timeout != 2*time.Second {
		t.Errorf("async Strategy() = %+v", s)
	}

	if _, err := r.Lookup("legacy"); !errors.Is(err, ErrHookDisabled) {
		t.Errorf("Lookup(disabled) error = %v", err)
	}
	if _, err := r.Lookup("nope"); !errors.Is(err, ErrUnknownHook) {
		t.Errorf("Lookup(unknown) error = %v", err)
	}
	if got := r.ForTrigger(event.TriggerPostToolUse); len(got) != 1 || got[0].Name != "tool-metrics" {
		t.Errorf("ForTrigger() = %+v", got)
	}
}

func TestParse_JSON(t *testing.T) {
	doc := `{"version": 1, "hooks": {"tool-metrics": {"script": "m.sh", "trigger": "PostToolUse", "async": true}}}`
	r, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse(JSON) error = %v", err)
	}
	if h, _ := r.Lookup("tool-metrics"); !h.Async {
		t.Errorf("hook = %+v", h)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{"unknown version", "version: 2\nhooks: {a: {script: a.sh, trigger: SessionStart}}", "unsupported version"},
		{"missing version", "hooks: {a: {script: a.sh, trigger: SessionStart}}", "version is required"},
		{"no hooks", "version: 1", "no hooks"},
		{"missing script", "version: 1\nhooks: {a: {trigger: SessionStart}}", "script is required"},
		{"missing trigger", "version: 1\nhooks: {a: {script: a.sh}}", "trigger is required"},
		{"bad trigger", "version: 1\nhooks: {a: {script: a.sh, trigger: PreToolUse}}", "unknown trigger"},
		{"zero timeout", "version: 1\nhooks: {a: {script: a.sh, trigger: SessionStart, timeout_ms: 0}}", "timeout_ms"},
		{"huge timeout", "version: 1\nhooks: {a: {script: a.sh, trigger: SessionStart, timeout_ms: 600001}}", "timeout_ms"},
		{"malformed", "version: [", "invalid hook configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Parse() error = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestParse_ReportsAllProblems(t *testing.T) {
	doc := "version: 1\nhooks: {a: {trigger: SessionStart}, b: {script: b.sh, trigger: Nope}}"
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), `"a"`) || !strings.Contains(err.Error(), `"b"`) {
		t.Errorf("Parse() error = %v, want problems for both hooks", err)
	}
}

func TestSource_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewSource(path, nil)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	var reloads int
	s.OnReload(func(*Registry) { reloads++ })

	if err := os.WriteFile(path, []byte("version: 9\nhooks: {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if _, err := s.Lookup("tool-metrics"); err != nil {
		t.Errorf("previous registry lost: %v", err)
	}

	if err := os.WriteFile(path, []byte("version: 1\nhooks: {only: {script: o.sh, trigger: SessionEnd}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lookup("only"); err != nil || reloads != 1 {
		t.Errorf("Lookup(only) error = %v, reloads = %d", err, reloads)
	}
}

func TestSource_ReloadNotifiesListenersInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewSource(path, nil)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	var order []string
	s.OnReload(func(*Registry) {
		order = append(order, "first")
		// Registering from a callback must not affect the reload in progress.
		s.OnReload(func(*Registry) { order = append(order, "late") })
	})
	s.OnReload(func(*Registry) { order = append(order, "second") })

	if err := s.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if strings.Join(order, ",") != "first,second" {
		t.Errorf("listener order = %v, want [first second]", order)
	}
}

func TestSource_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hooks.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewSource(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	reloaded := make(chan *Registry, 4)
	s.OnReload(func(r *Registry) { reloaded <- r })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Unrelated files in the directory are ignored.
	_ = os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644)
	if err := os.WriteFile(path, []byte("version: 1\nhooks: {fresh: {script: f.sh, trigger: PostToolUse}}"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-reloaded:
		if _, err := r.Lookup("fresh"); err != nil {
			t.Errorf("reloaded registry missing hook: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}
	if _, err := s.Lookup("fresh"); err != nil {
		t.Errorf("Source still serving old registry: %v", err)
	}
}
