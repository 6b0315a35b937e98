package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
)

func TestParseTypes(t *testing.T) {
	got, err := parseTypes(" tool_use, anomaly ,")
	if err != nil {
		t.Fatalf("parseTypes() error = %v", err)
	}
	if len(got) != 2 || got[0] != activity.TypeToolUse || got[1] != activity.TypeAnomaly {
		t.Errorf("parseTypes() = %v", got)
	}
	if got, err := parseTypes(""); err != nil || got != nil {
		t.Errorf("empty filter = %v %v", got, err)
	}
	if _, err := parseTypes("tool_use,bogus"); err == nil {
		t.Error("expected an error for an unknown type")
	}
}

func TestPrinter(t *testing.T) {
	u := activity.Update{
		ID:          "a1",
		Type:        activity.TypeAnomaly,
		SubjectID:   "s1",
		Timestamp:   time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		Description: "duration_ms is 4.2σ above normal",
	}

	var text bytes.Buffer
	printer{w: &text}.print(u)
	if !strings.Contains(text.String(), "anomaly") || !strings.Contains(text.String(), "s1") {
		t.Errorf("text line = %q", text.String())
	}

	var js bytes.Buffer
	printer{w: &js, json: true}.print(u)
	var back activity.Update
	if err := json.Unmarshal(js.Bytes(), &back); err != nil || back.ID != "a1" {
		t.Errorf("json line = %q (%v)", js.String(), err)
	}
}

func TestWatchCmd_PollsWhenFeedUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no feed", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/v1/activities/recent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"activities": []activity.Update{{
				ID:          "a1",
				Type:        activity.TypeSessionStart,
				SubjectID:   "s1",
				Timestamp:   time.Now().UTC(),
				Description: "session s1 started",
			}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Setenv(envServer, "")
	t.Setenv(envToken, "")
	t.Setenv(envHooks, "")
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"watch", "--server", srv.URL, "--poll-interval", "50ms"})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)
	if err := root.ExecuteContext(ctx); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	if got := strings.Count(out.String(), "session s1 started"); got != 1 {
		t.Errorf("update printed %d times, want once:\n%s", got, out.String())
	}
	if !strings.Contains(errOut.String(), "-- polling --") {
		t.Errorf("mode change not reported: %q", errOut.String())
	}
}

func TestWatchCmd_RejectsBadTypes(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"watch", "--types", "nope"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected an error for an unknown type")
	}
}
