package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/scoring"
)

// DefaultTrendRange is used when a trend request has no start date.
const DefaultTrendRange = 30 * 24 * time.Hour

// TrendRequest selects a trend series. SubjectID may name a session, a user
// or a tool; without it every tool is summed.
type TrendRequest struct {
	Window    TrendWindow
	StartDate time.Time
	EndDate   time.Time
	SubjectID string
}

// TrendPoint is one period of a trend series.
type TrendPoint struct {
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
	EventCount      int64     `json:"event_count"`
	SuccessCount    int64     `json:"success_count"`
	TotalDurationMs int64     `json:"total_duration_ms"`
	SuccessRate     float64   `json:"success_rate"`
	AvgDurationMs   float64   `json:"avg_duration_ms"`
	// AvgScore is the mean of stored scores whose window starts in the period.
	AvgScore *float64 `json:"avg_score"`
}

// TrendSummary summarizes a series.
type TrendSummary struct {
	Total    int64         `json:"total"`
	AvgScore *float64      `json:"avg_score"`
	Trend    scoring.Trend `json:"trend"`
}

// TrendResponse is the trend query result.
type TrendResponse struct {
	Window    TrendWindow  `json:"window"`
	SubjectID string       `json:"subject_id,omitempty"`
	Data      []TrendPoint `json:"data"`
	Summary   TrendSummary `json:"summary"`
}

// Trends groups trend-width buckets into calendar periods.
func (s *Service) Trends(ctx context.Context, req TrendRequest) (TrendResponse, error) {
	window, err := ParseTrendWindow(string(req.Window))
	if err != nil {
		return TrendResponse{}, err
	}
	req.Window = window
	if req.EndDate.IsZero() {
		req.EndDate = s.cfg.Now()
	}
	if req.StartDate.IsZero() {
		req.StartDate = req.EndDate.Add(-DefaultTrendRange)
	}
	periods, err := req.Window.Periods(req.StartDate, req.EndDate)
	if err != nil {
		return TrendResponse{}, err
	}
	from, to := periods[0].Start, periods[len(periods)-1].End

	q := aggregate.Query{Width: s.cfg.TrendWidth, From: from, To: to}
	if req.SubjectID != "" {
		q.Subject = req.SubjectID
	} else {
		q.SubjectKind = aggregate.KindTool
	}
	bs, err := s.buckets(ctx, q)
	if err != nil {
		return TrendResponse{}, err
	}
	if req.SubjectID != "" {
		bs = subjectBuckets(bs)
	}

	points := make([]TrendPoint, len(periods))
	for i, p := range periods {
		points[i] = TrendPoint{PeriodStart: p.Start, PeriodEnd: p.End}
	}
	idx := 0
	for _, b := range sortedByStart(bs) {
		for idx < len(periods) && !periods[idx].Contains(b.BucketStart) {
			idx++
		}
		if idx == len(periods) {
			break
		}
		points[idx].EventCount += b.EventCount
		points[idx].SuccessCount += b.SuccessCount
		points[idx].TotalDurationMs += b.TotalDurationMs
	}

	if req.SubjectID != "" {
		if err := s.attachScores(ctx, req.SubjectID, periods, points); err != nil {
			return TrendResponse{}, err
		}
	}

	resp := TrendResponse{Window: req.Window, SubjectID: req.SubjectID, Data: points}
	var scoreSum float64
	var scored int
	for i := range points {
		pt := &points[i]
		resp.Summary.Total += pt.EventCount
		if pt.EventCount > 0 {
			pt.SuccessRate = float64(pt.SuccessCount) / float64(pt.EventCount)
			pt.AvgDurationMs = float64(pt.TotalDurationMs) / float64(pt.EventCount)
		}
		if pt.AvgScore != nil {
			scoreSum += *pt.AvgScore
			scored++
		}
	}
	if scored > 0 {
		avg := scoreSum / float64(scored)
		resp.Summary.AvgScore = &avg
	}
	resp.Summary.Trend = s.seriesTrend(points)
	return resp, nil
}

func sortedByStart(bs []aggregate.Bucket) []aggregate.Bucket {
	out := append([]aggregate.Bucket(nil), bs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out
}

func (s *Service) attachScores(ctx context.Context, subjectID string, periods []Period, points []TrendPoint) error {
	from, to := periods[0].Start, periods[len(periods)-1].End
	scores, err := s.deps.Store.ListScores(ctx, subjectID, from, to)
	if err != nil {
		return fmt.Errorf("list scores: %w", err)
	}
	sums := make([]float64, len(periods))
	counts := make([]int, len(periods))
	for _, sc := range scores {
		if sc.InsufficientData {
			continue
		}
		for i, p := range periods {
			if p.Contains(sc.WindowStart) {
				sums[i] += sc.Score
				counts[i]++
				break
			}
		}
	}
	for i := range points {
		if counts[i] > 0 {
			avg := sums[i] / float64(counts[i])
			points[i].AvgScore = &avg
		}
	}
	return nil
}

// seriesTrend compares the two latest periods that have data: by average
// score when both were scored, otherwise by event count with a 10% band.
func (s *Service) seriesTrend(points []TrendPoint) scoring.Trend {
	var last, prev *TrendPoint
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].EventCount == 0 {
			continue
		}
		if last == nil {
			last = &points[i]
		} else {
			prev = &points[i]
			break
		}
	}
	if last == nil || prev == nil {
		return scoring.TrendStable
	}
	if last.AvgScore != nil && prev.AvgScore != nil {
		return classify(*last.AvgScore-*prev.AvgScore, s.cfg.Epsilon)
	}
	band := 0.1 * float64(prev.EventCount)
	return classify(float64(last.EventCount-prev.EventCount), band)
}

func classify(delta, epsilon float64) scoring.Trend {
	switch {
	case delta > epsilon:
		return scoring.TrendIncreasing
	case delta < -epsilon:
		return scoring.TrendDecreasing
	}
	return scoring.TrendStable
}
