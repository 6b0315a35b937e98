package feedclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/broadcast"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func update(id string, typ activity.Type, offset time.Duration) activity.Update {
	return activity.Update{ID: id, Type: typ, SubjectID: "s1", Timestamp: t0.Add(offset), Description: id}
}

// fakeServer serves a scripted feed. When live is false the WebSocket
// endpoint answers 503 so the client has to poll.
type fakeServer struct {
	live   atomic.Bool
	frames []activity.Update
	recent []activity.Update // newest first, like the server

	mu      sync.Mutex
	queries []string
	auth    []string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	switch r.URL.Path {
	case "/v1/ws":
		if !f.live.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, u := range f.frames {
			data, _ := json.Marshal(broadcast.Envelope{Event: broadcast.EventName, Data: u})
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	case "/v1/activities/recent":
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.RawQuery)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"activities": f.recent})
	default:
		http.NotFound(w, r)
	}
}

// collect runs the client until want updates arrive or the deadline passes.
func collect(t *testing.T, c *Client, want int) []activity.Update {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var got []activity.Update
	_ = c.Run(ctx, func(u activity.Update) {
		got = append(got, u)
		if len(got) == want {
			cancel()
		}
	})
	return got
}

func TestClient_Live(t *testing.T) {
	fs := &fakeServer{frames: []activity.Update{
		update("a", activity.TypeToolUse, 0),
		update("b", activity.TypeToolUse, time.Second),
		update("a", activity.TypeToolUse, 0), // repeated frame
		update("c", activity.TypeAnomaly, 2*time.Second),
	}}
	fs.live.Store(true)
	srv := httptest.NewServer(fs)
	defer srv.Close()

	var modes []Mode
	c, err := New(Config{BaseURL: srv.URL, Token: "tok", OnModeChange: func(m Mode) { modes = append(modes, m) }})
	if err != nil {
		t.Fatal(err)
	}

	got := collect(t, c, 3)

	if len(got) != 3 || got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Fatalf("got %+v", got)
	}
	if len(modes) == 0 || modes[0] != ModeLive {
		t.Errorf("modes = %v, want live first", modes)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.auth) == 0 || fs.auth[0] != "Bearer tok" {
		t.Errorf("authorization = %v", fs.auth)
	}
}

func TestClient_FallsBackToPolling(t *testing.T) {
	fs := &fakeServer{recent: []activity.Update{
		update("c", activity.TypeToolUse, 2*time.Second),
		update("b", activity.TypeSessionStart, time.Second),
		update("a", activity.TypeToolUse, 0),
	}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	var modes []Mode
	c, err := New(Config{
		BaseURL:        srv.URL,
		PollInterval:   20 * time.Millisecond,
		InitialBackoff: time.Hour,
		OnModeChange:   func(m Mode) { modes = append(modes, m) },
	})
	if err != nil {
		t.Fatal(err)
	}

	got := collect(t, c, 3)

	if len(got) != 3 || got[0].ID != "a" || got[2].ID != "c" {
		t.Fatalf("expected oldest first, got %+v", got)
	}
	if len(modes) != 1 || modes[0] != ModePolling {
		t.Errorf("modes = %v, want [polling]", modes)
	}
}

func TestClient_PollFiltersAndAdvancesCursor(t *testing.T) {
	fs := &fakeServer{recent: []activity.Update{
		update("c", activity.TypeAnomaly, 2*time.Second),
		update("b", activity.TypeSessionStart, time.Second),
		update("a", activity.TypeToolUse, 0),
	}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Types: []activity.Type{activity.TypeToolUse, activity.TypeAnomaly}, SubjectID: "s1"})
	if err != nil {
		t.Fatal(err)
	}

	updates, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(updates) != 2 || updates[0].ID != "a" || updates[1].ID != "c" {
		t.Fatalf("got %+v", updates)
	}
	for _, u := range updates {
		c.deliver(u, func(activity.Update) {})
	}
	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.queries) != 2 {
		t.Fatalf("queries = %v", fs.queries)
	}
	if want := "limit=50&subject_id=s1"; fs.queries[0] != want {
		t.Errorf("first query = %q, want %q", fs.queries[0], want)
	}
	if want := "limit=50&since=2026-03-02T09%3A00%3A02Z&subject_id=s1"; fs.queries[1] != want {
		t.Errorf("second query = %q, want %q", fs.queries[1], want)
	}
}

func TestClient_DedupWindowIsBounded(t *testing.T) {
	c, err := New(Config{BaseURL: "http://localhost:1"})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	count := func(activity.Update) { n++ }

	for i := range seenCapacity + 1 {
		c.deliver(activity.Update{ID: string(rune('A' + i%26)) + time.Duration(i).String()}, count)
	}
	if len(c.seen) != seenCapacity {
		t.Errorf("seen set size = %d, want %d", len(c.seen), seenCapacity)
	}
	if n != seenCapacity+1 {
		t.Errorf("delivered %d, want %d", n, seenCapacity+1)
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "ftp://example.com"} {
		if _, err := New(Config{BaseURL: raw}); err == nil {
			t.Errorf("New(%q) expected error", raw)
		}
	}
}

func TestWSURL(t *testing.T) {
	c, err := New(Config{BaseURL: "https://pulse.example.com/", Types: []activity.Type{activity.TypeAnomaly}})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.wsURL(), "wss://pulse.example.com/v1/ws?types=anomaly"; got != want {
		t.Errorf("wsURL() = %q, want %q", got, want)
	}
}
