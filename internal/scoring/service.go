package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/hookpulse/internal/aggregate"
)

// BucketReader reads persisted aggregate buckets.
type BucketReader interface {
	ListBuckets(ctx context.Context, q aggregate.Query) ([]aggregate.Bucket, error)
}

// Service computes productivity scores from stored buckets.
type Service struct {
	cfg     Config
	weights map[Metric]float64
	buckets BucketReader
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a scoring service. The config must be valid.
func NewService(cfg Config, buckets BucketReader, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		weights: cfg.normalizedWeights(),
		buckets: buckets,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Config returns the active configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// totals are the summed bucket counters of one subject over a window.
type totals struct {
	events     int64
	successes  int64
	durationMs int64
	categories map[string]bool
}

// Score computes the score of subjectID over window and its trend against
// the preceding window of equal width. An empty window is not an error: it
// yields a zero score flagged InsufficientData.
func (s *Service) Score(ctx context.Context, subjectID string, window Window) (ProductivityScore, error) {
	if err := window.Validate(); err != nil {
		return ProductivityScore{}, err
	}
	cur, err := s.load(ctx, subjectID, window)
	if err != nil {
		return ProductivityScore{}, err
	}
	result := ProductivityScore{
		SubjectID:   subjectID,
		WindowStart: window.Start.UTC(),
		WindowEnd:   window.End.UTC(),
		Trend:       TrendStable,
		ComputedAt:  s.now().UTC(),
	}
	if cur.events == 0 {
		result.InsufficientData = true
		return result, nil
	}
	result.Score = s.compute(cur, window.Width())

	prev, err := s.load(ctx, subjectID, window.Previous())
	if err != nil {
		return ProductivityScore{}, err
	}
	if prev.events > 0 {
		result.Trend = s.trend(result.Score - s.compute(prev, window.Width()))
	}
	return result, nil
}

func (s *Service) trend(delta float64) Trend {
	switch {
	case delta > s.cfg.Epsilon:
		return TrendIncreasing
	case delta < -s.cfg.Epsilon:
		return TrendDecreasing
	}
	return TrendStable
}

// Values returns the raw metric values for a window, useful for explaining a score.
func (s *Service) Values(ctx context.Context, subjectID string, window Window) (map[Metric]float64, error) {
	t, err := s.load(ctx, subjectID, window)
	if err != nil {
		return nil, err
	}
	return metricValues(t, window.Width()), nil
}

func (s *Service) compute(t totals, width time.Duration) float64 {
	var sum float64
	for m, v := range metricValues(t, width) {
		sum += s.weights[m] * s.cfg.normalize(m, v)
	}
	return clamp(100*sum, 0, 100)
}

func metricValues(t totals, width time.Duration) map[Metric]float64 {
	out := map[Metric]float64{
		MetricToolDiversity: float64(len(t.categories)),
	}
	if hours := width.Hours(); hours > 0 {
		out[MetricEventRate] = float64(t.events) / hours
	}
	if t.events > 0 {
		out[MetricSuccessRate] = float64(t.successes) / float64(t.events)
		out[MetricAvgDuration] = float64(t.durationMs) / float64(t.events)
	}
	return out
}

// load sums the subject's buckets in window. When the id names subjects of
// several kinds, sessions win over users and users over tools.
func (s *Service) load(ctx context.Context, subjectID string, window Window) (totals, error) {
	bs, err := s.buckets.ListBuckets(ctx, aggregate.Query{
		Subject: subjectID,
		Width:   s.cfg.BucketWidth,
		From:    window.Start,
		To:      window.End,
	})
	if err != nil {
		return totals{}, fmt.Errorf("load buckets for %s: %w", subjectID, err)
	}
	kind := pickKind(bs)
	t := totals{categories: make(map[string]bool)}
	for _, b := range bs {
		if b.SubjectKind != kind {
			continue
		}
		if b.Category != aggregate.CategoryAll {
			t.categories[b.Category] = true
		}
		// Session and user subjects carry an "all" rollup; tool subjects
		// have exactly one category, so their buckets are the totals.
		if kind == aggregate.KindTool || b.Category == aggregate.CategoryAll {
			t.events += b.EventCount
			t.successes += b.SuccessCount
			t.durationMs += b.TotalDurationMs
		}
	}
	return t, nil
}

func pickKind(bs []aggregate.Bucket) aggregate.SubjectKind {
	var kind aggregate.SubjectKind
	rank := map[aggregate.SubjectKind]int{aggregate.KindSession: 3, aggregate.KindUser: 2, aggregate.KindTool: 1}
	for _, b := range bs {
		if rank[b.SubjectKind] > rank[kind] {
			kind = b.SubjectKind
		}
	}
	return kind
}
