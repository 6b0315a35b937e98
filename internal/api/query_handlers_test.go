package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/query"
	"github.com/onnwee/hookpulse/internal/session"
	"github.com/onnwee/hookpulse/internal/store"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestQueryHandlers(t *testing.T) (*QueryHandlers, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	svc, err := query.NewService(query.Config{Now: func() time.Time { return testNow }}, query.Deps{Store: mem})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return NewQueryHandlers(svc), mem
}

func seedActivities(t *testing.T, mem *store.MemoryStore, n int) {
	t.Helper()
	for i := range n {
		typ := activity.TypeToolUse
		if i%2 == 1 {
			typ = activity.TypeSessionStart
		}
		u := activity.New(typ, "s1", "session s1", "activity", testNow.Add(time.Duration(i)*time.Second), nil)
		if err := mem.AppendActivity(context.Background(), u); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecent(t *testing.T) {
	h, mem := newTestQueryHandlers(t)
	seedActivities(t, mem, 5)

	w := httptest.NewRecorder()
	h.Recent(w, httptest.NewRequest(http.MethodGet, "/v1/activities/recent?limit=2&type=tool_use", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp query.RecentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Activities) != 2 {
		t.Fatalf("got %d activities, want 2", len(resp.Activities))
	}
	for _, a := range resp.Activities {
		if a.Type != activity.TypeToolUse {
			t.Errorf("unexpected type %s", a.Type)
		}
	}
	if resp.Pagination.Total != 3 || !resp.Pagination.HasMore {
		t.Errorf("pagination = %+v, want total 3 with more", resp.Pagination)
	}
}

func TestRecent_EmptyStore(t *testing.T) {
	h, _ := newTestQueryHandlers(t)

	w := httptest.NewRecorder()
	h.Recent(w, httptest.NewRequest(http.MethodGet, "/v1/activities/recent", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if string(body["activities"]) != "[]" {
		t.Errorf("activities = %s, want []", body["activities"])
	}
}

func TestQueryHandlers_InvalidParams(t *testing.T) {
	h, _ := newTestQueryHandlers(t)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		target  string
	}{
		{"limit over max", h.Recent, "/v1/activities/recent?limit=500"},
		{"limit not a number", h.Recent, "/v1/activities/recent?limit=ten"},
		{"unknown type", h.Recent, "/v1/activities/recent?type=bogus"},
		{"bad since", h.Recent, "/v1/activities/recent?since=yesterday"},
		{"unknown window", h.Trends, "/v1/trends?window=fortnightly"},
		{"inverted range", h.Trends, "/v1/trends?start_date=2026-03-05&end_date=2026-03-01"},
		{"bad width", h.Buckets, "/v1/buckets?width=-1m"},
		{"bad subject kind", h.Buckets, "/v1/buckets?subject_kind=team"},
		{"bad flag", h.Buckets, "/v1/buckets?include_revisions=maybe"},
		{"bad state", h.Sessions, "/v1/sessions?state=sleeping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, tt.target, nil))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
			if got := decodeError(t, w).Error.Code; got != ErrCodeValidation {
				t.Errorf("code = %s, want %s", got, ErrCodeValidation)
			}
		})
	}
}

// recordingQueryService captures the parsed requests.
type recordingQueryService struct {
	QueryService
	buckets  query.BucketPageRequest
	sessions query.SessionsRequest
}

func (r *recordingQueryService) Buckets(_ context.Context, req query.BucketPageRequest) (query.BucketPage, error) {
	r.buckets = req
	return query.BucketPage{}, nil
}

func (r *recordingQueryService) Sessions(_ context.Context, req query.SessionsRequest) ([]session.Session, error) {
	r.sessions = req
	return []session.Session{}, nil
}

func TestBuckets_ParsesParams(t *testing.T) {
	rec := &recordingQueryService{}
	h := NewQueryHandlers(rec)

	target := "/v1/buckets?subject_id=u1&subject_kind=user&category=Edit&width=1h&from=2026-03-01&to=2026-03-02T06:00:00Z&cursor=abc&limit=10&include_revisions=true"
	w := httptest.NewRecorder()
	h.Buckets(w, httptest.NewRequest(http.MethodGet, target, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	got := rec.buckets
	want := query.BucketPageRequest{
		Subject:          "u1",
		SubjectKind:      aggregate.KindUser,
		Category:         "Edit",
		Width:            time.Hour,
		From:             time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:               time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC),
		Cursor:           "abc",
		Limit:            10,
		IncludeRevisions: true,
	}
	if got.Subject != want.Subject || got.SubjectKind != want.SubjectKind || got.Category != want.Category ||
		got.Width != want.Width || !got.From.Equal(want.From) || !got.To.Equal(want.To) ||
		got.Cursor != want.Cursor || got.Limit != want.Limit || got.IncludeRevisions != want.IncludeRevisions {
		t.Errorf("parsed %+v, want %+v", got, want)
	}
}

func TestSessions_WrapsList(t *testing.T) {
	rec := &recordingQueryService{}
	h := NewQueryHandlers(rec)

	w := httptest.NewRecorder()
	h.Sessions(w, httptest.NewRequest(http.MethodGet, "/v1/sessions?state=active&user_id=u1&limit=5", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if rec.sessions.State != session.StateActive || rec.sessions.UserID != "u1" || rec.sessions.Limit != 5 {
		t.Errorf("parsed %+v", rec.sessions)
	}
	var resp SessionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Sessions == nil {
		t.Error("expected an empty sessions list, got null")
	}
}

func TestQueryHandlers_MethodNotAllowed(t *testing.T) {
	h, _ := newTestQueryHandlers(t)
	w := httptest.NewRecorder()

	h.Trends(w, httptest.NewRequest(http.MethodPost, "/v1/trends", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}
