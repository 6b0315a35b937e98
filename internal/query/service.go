// Package query serves read-only views over persisted aggregates, scores,
// anomalies and the activity log for dashboards.
package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/anomaly"
	"github.com/onnwee/hookpulse/internal/event"
	"github.com/onnwee/hookpulse/internal/scoring"
	"github.com/onnwee/hookpulse/internal/session"
	"github.com/onnwee/hookpulse/internal/store"
)

// ErrInvalidRequest is matched by every request validation error.
var ErrInvalidRequest = errors.New("invalid query request")

// Pagination limits.
const (
	DefaultRecentLimit = 20
	MaxRecentLimit     = 100
	DefaultBucketLimit = 50
	MaxBucketLimit     = 500
	DefaultTopTools    = 5
)

// Store is the subset of the persistence layer read by queries.
type Store interface {
	ListBuckets(ctx context.Context, q aggregate.Query) ([]aggregate.Bucket, error)
	ReadRange(ctx context.Context, subjectID string, from, to time.Time) iter.Seq2[*event.Event, error]
	RecentActivities(ctx context.Context, q activity.Query) ([]activity.Update, int, error)
	LatestScore(ctx context.Context, subjectID string) (*scoring.ProductivityScore, error)
	ListScores(ctx context.Context, subjectID string, from, to time.Time) ([]scoring.ProductivityScore, error)
	ListAnomalies(ctx context.Context, q store.AnomalyQuery) ([]anomaly.Anomaly, error)
}

// LiveBuckets exposes buckets that are still open in the aggregation engine.
type LiveBuckets interface {
	OpenBuckets(q aggregate.Query) []aggregate.Bucket
}

// SessionSource exposes the session registry.
type SessionSource interface {
	Snapshot() []session.Session
}

// Scorer computes a score on demand when none was stored yet.
type Scorer interface {
	Score(ctx context.Context, subjectID string, window scoring.Window) (scoring.ProductivityScore, error)
}

// Config configures a Service.
type Config struct {
	// TrendWidth is the bucket width trends are built from.
	TrendWidth time.Duration
	// DetailWidth is the bucket width used for tool breakdowns.
	DetailWidth time.Duration
	// Epsilon is the score delta below which a trend counts as stable.
	Epsilon float64
	Logger  *slog.Logger
	Now     func() time.Time
}

// Deps are the Service's data sources. Live, Sessions and Scorer are optional.
type Deps struct {
	Store    Store
	Live     LiveBuckets
	Sessions SessionSource
	Scorer   Scorer
}

// Service answers dashboard queries.
type Service struct {
	cfg  Config
	deps Deps
}

// NewService creates a query service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("query service requires a store")
	}
	if cfg.TrendWidth <= 0 {
		cfg.TrendWidth = 24 * time.Hour
	}
	if cfg.DetailWidth <= 0 {
		cfg.DetailWidth = time.Minute
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = scoring.DefaultEpsilon
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{cfg: cfg, deps: deps}, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// buckets returns stored buckets merged with open ones, without duplicates.
// A stored bucket wins over an open one with the same key.
func (s *Service) buckets(ctx context.Context, q aggregate.Query) ([]aggregate.Bucket, error) {
	stored, err := s.deps.Store.ListBuckets(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	if s.deps.Live == nil {
		return stored, nil
	}
	seen := make(map[aggregate.Key]bool, len(stored))
	for _, b := range stored {
		seen[b.Key()] = true
	}
	lq := q
	lq.Limit, lq.After = 0, nil
	for _, b := range s.deps.Live.OpenBuckets(lq) {
		if !seen[b.Key()] {
			stored = append(stored, b)
		}
	}
	return stored, nil
}

// subjectBuckets keeps the buckets that carry a subject's totals. When the id
// names subjects of several kinds, sessions win over users and users over
// tools. Session and user totals live in the "all" rollup; tool subjects
// have a single category.
func subjectBuckets(bs []aggregate.Bucket) []aggregate.Bucket {
	rank := map[aggregate.SubjectKind]int{aggregate.KindSession: 3, aggregate.KindUser: 2, aggregate.KindTool: 1}
	var kind aggregate.SubjectKind
	for _, b := range bs {
		if rank[b.SubjectKind] > rank[kind] {
			kind = b.SubjectKind
		}
	}
	out := bs[:0:0]
	for _, b := range bs {
		if b.SubjectKind == kind && (kind == aggregate.KindTool || b.Category == aggregate.CategoryAll) {
			out = append(out, b)
		}
	}
	return out
}

// RecentRequest selects a page of the activity log.
type RecentRequest struct {
	Limit     int
	Offset    int
	Type      activity.Type
	SubjectID string
	Since     time.Time
}

// Pagination describes an offset page.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// RecentResponse is a page of activities, newest first.
type RecentResponse struct {
	Activities []activity.Update `json:"activities"`
	Pagination Pagination        `json:"pagination"`
}

// Recent returns recent activities. Limit defaults to 20 and may not exceed 100.
func (s *Service) Recent(ctx context.Context, req RecentRequest) (RecentResponse, error) {
	if req.Limit == 0 {
		req.Limit = DefaultRecentLimit
	}
	if req.Limit < 0 || req.Limit > MaxRecentLimit {
		return RecentResponse{}, invalid("limit must be between 1 and %d", MaxRecentLimit)
	}
	if req.Offset < 0 {
		return RecentResponse{}, invalid("offset must not be negative")
	}
	acts, total, err := s.deps.Store.RecentActivities(ctx, activity.Query{
		Limit:     req.Limit,
		Offset:    req.Offset,
		Type:      req.Type,
		SubjectID: req.SubjectID,
		Since:     req.Since,
	})
	if err != nil {
		return RecentResponse{}, fmt.Errorf("recent activities: %w", err)
	}
	if acts == nil {
		acts = []activity.Update{}
	}
	return RecentResponse{
		Activities: acts,
		Pagination: Pagination{
			Total:   total,
			Limit:   req.Limit,
			Offset:  req.Offset,
			HasMore: req.Offset+len(acts) < total,
		},
	}, nil
}

// BucketPageRequest selects a cursor page of buckets.
type BucketPageRequest struct {
	SubjectKind      aggregate.SubjectKind
	Subject          string
	Category         string
	Width            time.Duration
	From             time.Time
	To               time.Time
	Cursor           string
	Limit            int
	IncludeRevisions bool
}

// BucketPage is a page of buckets in cursor order.
type BucketPage struct {
	Buckets    []aggregate.Bucket `json:"buckets"`
	NextCursor string             `json:"next_cursor,omitempty"`
	HasMore    bool               `json:"has_more"`
}

// Buckets pages through persisted buckets. The cursor is stable under
// concurrent writes because rows are ordered by their immutable key.
func (s *Service) Buckets(ctx context.Context, req BucketPageRequest) (BucketPage, error) {
	if req.Limit == 0 {
		req.Limit = DefaultBucketLimit
	}
	if req.Limit < 0 || req.Limit > MaxBucketLimit {
		return BucketPage{}, invalid("limit must be between 1 and %d", MaxBucketLimit)
	}
	if req.Width < 0 {
		return BucketPage{}, invalid("width must be positive")
	}
	if !req.From.IsZero() && !req.To.IsZero() && !req.To.After(req.From) {
		return BucketPage{}, invalid("to must be after from")
	}
	cursor, err := aggregate.ParseCursor(req.Cursor)
	if err != nil {
		return BucketPage{}, invalid("%v", err)
	}

	bs, err := s.deps.Store.ListBuckets(ctx, aggregate.Query{
		SubjectKind:  req.SubjectKind,
		Subject:      req.Subject,
		Category:     req.Category,
		Width:        req.Width,
		From:         req.From,
		To:           req.To,
		AllRevisions: req.IncludeRevisions,
		After:        cursor,
		Limit:        req.Limit + 1,
	})
	if err != nil {
		return BucketPage{}, fmt.Errorf("list buckets: %w", err)
	}
	page := BucketPage{Buckets: bs}
	if len(bs) > req.Limit {
		page.Buckets = bs[:req.Limit]
		page.HasMore = true
		last := page.Buckets[len(page.Buckets)-1]
		page.NextCursor = aggregate.CursorAt(last).Encode()
	}
	if page.Buckets == nil {
		page.Buckets = []aggregate.Bucket{}
	}
	return page, nil
}

// SessionsRequest filters the session snapshot.
type SessionsRequest struct {
	State  session.State
	UserID string
	Limit  int
}

// Sessions lists tracked sessions, most recently active first.
func (s *Service) Sessions(_ context.Context, req SessionsRequest) ([]session.Session, error) {
	if s.deps.Sessions == nil {
		return []session.Session{}, nil
	}
	if req.Limit < 0 {
		return nil, invalid("limit must not be negative")
	}
	out := []session.Session{}
	for _, sess := range s.deps.Sessions.Snapshot() {
		if req.State != "" && sess.State != req.State {
			continue
		}
		if req.UserID != "" && sess.UserID != req.UserID {
			continue
		}
		out = append(out, sess)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastEventAt.After(out[j].LastEventAt) })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}
