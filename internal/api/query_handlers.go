package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/query"
	"github.com/onnwee/hookpulse/internal/session"
)

// QueryService answers dashboard reads.
type QueryService interface {
	Recent(ctx context.Context, req query.RecentRequest) (query.RecentResponse, error)
	Trends(ctx context.Context, req query.TrendRequest) (query.TrendResponse, error)
	Buckets(ctx context.Context, req query.BucketPageRequest) (query.BucketPage, error)
	ToolBreakdown(ctx context.Context, req query.BreakdownRequest) (query.Breakdown, error)
	Insights(ctx context.Context, req query.InsightsRequest) (query.Insights, error)
	Sessions(ctx context.Context, req query.SessionsRequest) ([]session.Session, error)
}

// QueryHandlers serves the read API.
type QueryHandlers struct {
	svc QueryService
}

// NewQueryHandlers creates query handlers.
func NewQueryHandlers(svc QueryService) *QueryHandlers {
	return &QueryHandlers{svc: svc}
}

// params reads typed query parameters, keeping the first parse error.
type params struct {
	v   url.Values
	err error
}

func (p *params) fail(name, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s must be %s", query.ErrInvalidRequest, name, want)
	}
}

func (p *params) str(name string) string { return p.v.Get(name) }

func (p *params) integer(name string) int {
	s := p.v.Get(name)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(name, "an integer")
	}
	return n
}

func (p *params) flag(name string) bool {
	s := p.v.Get(name)
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(name, "a boolean")
	}
	return b
}

// timestamp accepts RFC 3339 timestamps and YYYY-MM-DD dates (UTC midnight).
func (p *params) timestamp(name string) time.Time {
	s := p.v.Get(name)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t
	}
	p.fail(name, "an RFC 3339 timestamp or YYYY-MM-DD date")
	return time.Time{}
}

func (p *params) duration(name string) time.Duration {
	s := p.v.Get(name)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		p.fail(name, "a positive duration such as 1m or 24h")
	}
	return d
}

func (h *QueryHandlers) get(w http.ResponseWriter, r *http.Request, fn func(p *params) (any, error)) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p := &params{v: r.URL.Query()}
	resp, err := fn(p)
	if err != nil {
		WriteDomainError(w, r.Context(), err)
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, resp)
}

// Recent handles GET /v1/activities/recent.
func (h *QueryHandlers) Recent(w http.ResponseWriter, r *http.Request) {
	h.get(w, r, func(p *params) (any, error) {
		req := query.RecentRequest{
			Limit:     p.integer("limit"),
			Offset:    p.integer("offset"),
			SubjectID: p.str("subject_id"),
			Since:     p.timestamp("since"),
		}
		if t := p.str("type"); t != "" {
			typ, err := activity.ParseType(t)
			if err != nil {
				p.fail("type", "a known activity type")
			}
			req.Type = typ
		}
		if p.err != nil {
			return nil, p.err
		}
		return h.svc.Recent(r.Context(), req)
	})
}

// Trends handles GET /v1/trends.
func (h *QueryHandlers) Trends(w http.ResponseWriter, r *http.Request) {
	h.get(w, r, func(p *params) (any, error) {
		req := query.TrendRequest{
			Window:    query.TrendWindow(p.str("window")),
			StartDate: p.timestamp("start_date"),
			EndDate:   p.timestamp("end_date"),
			SubjectID: p.str("subject_id"),
		}
		if p.err != nil {
			return nil, p.err
		}
		return h.svc.Trends(r.Context(), req)
	})
}

// Buckets handles GET /v1/buckets.
func (h *QueryHandlers) Buckets(w http.ResponseWriter, r *http.Request) {
	h.get(w, r, func(p *params) (any, error) {
		req := query.BucketPageRequest{
			Subject:          p.str("subject_id"),
			Category:         p.str("category"),
			Width:            p.duration("width"),
			From:             p.timestamp("from"),
			To:               p.timestamp("to"),
			Cursor:           p.str("cursor"),
			Limit:            p.integer("limit"),
			IncludeRevisions: p.flag("include_revisions"),
		}
		if k := p.str("subject_kind"); k != "" {
			kind, err := aggregate.ParseSubjectKind(k)
			if err != nil {
				p.fail("subject_kind", "session, user or tool")
			}
			req.SubjectKind = kind
		}
		if p.err != nil {
			return nil, p.err
		}
		return h.svc.Buckets(r.Context(), req)
	})
}

// ToolBreakdown handles GET /v1/tools/breakdown.
func (h *QueryHandlers) ToolBreakdown(w http.ResponseWriter, r *http.Request) {
	h.get(w, r, func(p *params) (any, error) {
		req := query.BreakdownRequest{From: p.timestamp("from"), To: p.timestamp("to"), SubjectID: p.str("subject_id")}
		if p.err != nil {
			return nil, p.err
		}
		return h.svc.ToolBreakdown(r.Context(), req)
	})
}

// Insights handles GET /v1/insights.
func (h *QueryHandlers) Insights(w http.ResponseWriter, r *http.Request) {
	h.get(w, r, func(p *params) (any, error) {
		req := query.InsightsRequest{SubjectID: p.str("subject_id"), From: p.timestamp("from"), To: p.timestamp("to")}
		if p.err != nil {
			return nil, p.err
		}
		return h.svc.Insights(r.Context(), req)
	})
}

// SessionsResponse wraps the session list.
type SessionsResponse struct {
	Sessions []session.Session `json:"sessions"`
}

// Sessions handles GET /v1/sessions.
func (h *QueryHandlers) Sessions(w http.ResponseWriter, r *http.Request) {
	h.get(w, r, func(p *params) (any, error) {
		req := query.SessionsRequest{
			State:  session.State(p.str("state")),
			UserID: p.str("user_id"),
			Limit:  p.integer("limit"),
		}
		switch req.State {
		case "", session.StateStarted, session.StateActive, session.StateEnded, session.StateFinalized:
		default:
			p.fail("state", "started, active, ended or finalized")
		}
		if p.err != nil {
			return nil, p.err
		}
		list, err := h.svc.Sessions(r.Context(), req)
		if err != nil {
			return nil, err
		}
		return SessionsResponse{Sessions: list}, nil
	})
}
