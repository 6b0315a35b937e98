package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/anomaly"
	"github.com/onnwee/hookpulse/internal/scoring"
	"github.com/onnwee/hookpulse/internal/store"
)

// BreakdownRequest selects a tool usage breakdown.
type BreakdownRequest struct {
	From      time.Time
	To        time.Time
	SubjectID string
}

// ToolUsage is one tool's share of a breakdown.
type ToolUsage struct {
	Tool          string  `json:"tool"`
	EventCount    int64   `json:"event_count"`
	SuccessCount  int64   `json:"success_count"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	Share         float64 `json:"share"`
}

// Breakdown is the per-tool usage over a range, most used first.
type Breakdown struct {
	From        time.Time   `json:"from"`
	To          time.Time   `json:"to"`
	SubjectID   string      `json:"subject_id,omitempty"`
	TotalEvents int64       `json:"total_events"`
	Tools       []ToolUsage `json:"tools"`
}

type usage struct {
	events, successes, durationMs int64
}

func (s *Service) rangeOrDefault(from, to time.Time) (time.Time, time.Time, error) {
	if to.IsZero() {
		to = s.cfg.Now()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if !to.After(from) {
		return from, to, invalid("to must be after from")
	}
	return from, to, nil
}

// ToolBreakdown reports usage per tool. A subject breakdown is computed from
// the subject's raw events; the global breakdown from tool buckets.
func (s *Service) ToolBreakdown(ctx context.Context, req BreakdownRequest) (Breakdown, error) {
	from, to, err := s.rangeOrDefault(req.From, req.To)
	if err != nil {
		return Breakdown{}, err
	}
	byTool := make(map[string]*usage)
	add := func(tool string, events, successes, durationMs int64) {
		u, ok := byTool[tool]
		if !ok {
			u = &usage{}
			byTool[tool] = u
		}
		u.events += events
		u.successes += successes
		u.durationMs += durationMs
	}

	if req.SubjectID != "" {
		for ev, err := range s.deps.Store.ReadRange(ctx, req.SubjectID, from, to) {
			if err != nil {
				return Breakdown{}, fmt.Errorf("read events: %w", err)
			}
			if ev.Trigger.IsLifecycle() {
				continue
			}
			var ok int64
			if ev.Success {
				ok = 1
			}
			add(ev.ToolName, 1, ok, ev.DurationMs)
		}
	} else {
		bs, err := s.buckets(ctx, aggregate.Query{
			SubjectKind: aggregate.KindTool,
			Width:       s.cfg.DetailWidth,
			From:        aggregate.Floor(from, s.cfg.DetailWidth),
			To:          to,
		})
		if err != nil {
			return Breakdown{}, err
		}
		for _, b := range bs {
			add(b.Subject, b.EventCount, b.SuccessCount, b.TotalDurationMs)
		}
	}

	out := Breakdown{From: from.UTC(), To: to.UTC(), SubjectID: req.SubjectID, Tools: []ToolUsage{}}
	for _, u := range byTool {
		out.TotalEvents += u.events
	}
	for tool, u := range byTool {
		if u.events == 0 {
			continue
		}
		out.Tools = append(out.Tools, ToolUsage{
			Tool:          tool,
			EventCount:    u.events,
			SuccessCount:  u.successes,
			SuccessRate:   float64(u.successes) / float64(u.events),
			AvgDurationMs: float64(u.durationMs) / float64(u.events),
			Share:         float64(u.events) / float64(out.TotalEvents),
		})
	}
	sort.Slice(out.Tools, func(i, j int) bool {
		if out.Tools[i].EventCount != out.Tools[j].EventCount {
			return out.Tools[i].EventCount > out.Tools[j].EventCount
		}
		return out.Tools[i].Tool < out.Tools[j].Tool
	})
	return out, nil
}

// InsightsRequest selects derived insights for one subject.
type InsightsRequest struct {
	SubjectID string
	From      time.Time
	To        time.Time
}

// Insights combines a subject's score, anomalies and tool usage.
type Insights struct {
	SubjectID     string                     `json:"subject_id"`
	From          time.Time                  `json:"from"`
	To            time.Time                  `json:"to"`
	Score         *scoring.ProductivityScore `json:"score"`
	TotalEvents   int64                      `json:"total_events"`
	SuccessRate   float64                    `json:"success_rate"`
	AvgDurationMs float64                    `json:"avg_duration_ms"`
	TopTools      []ToolUsage                `json:"top_tools"`
	Anomalies     []anomaly.Anomaly          `json:"anomalies"`
	Observations  []string                   `json:"observations"`
}

// MaxInsightAnomalies bounds the anomalies listed in insights.
const MaxInsightAnomalies = 10

// Insights derives a summary for a subject over a range. The latest stored
// score is used; when none exists one is computed for the range.
func (s *Service) Insights(ctx context.Context, req InsightsRequest) (Insights, error) {
	if req.SubjectID == "" {
		return Insights{}, invalid("subject_id is required")
	}
	from, to, err := s.rangeOrDefault(req.From, req.To)
	if err != nil {
		return Insights{}, err
	}

	breakdown, err := s.ToolBreakdown(ctx, BreakdownRequest{From: from, To: to, SubjectID: req.SubjectID})
	if err != nil {
		return Insights{}, err
	}
	out := Insights{
		SubjectID:   req.SubjectID,
		From:        from.UTC(),
		To:          to.UTC(),
		TotalEvents: breakdown.TotalEvents,
		TopTools:    breakdown.Tools,
		Anomalies:   []anomaly.Anomaly{},
	}
	if len(out.TopTools) > DefaultTopTools {
		out.TopTools = out.TopTools[:DefaultTopTools]
	}
	var successes int64
	var duration float64
	for _, t := range breakdown.Tools {
		successes += t.SuccessCount
		duration += t.AvgDurationMs * float64(t.EventCount)
	}
	if out.TotalEvents > 0 {
		out.SuccessRate = float64(successes) / float64(out.TotalEvents)
		out.AvgDurationMs = duration / float64(out.TotalEvents)
	}

	score, err := s.deps.Store.LatestScore(ctx, req.SubjectID)
	switch {
	case err == nil:
		out.Score = score
	case errors.Is(err, store.ErrNotFound):
		if s.deps.Scorer != nil {
			sc, serr := s.deps.Scorer.Score(ctx, req.SubjectID, scoring.Window{Start: from, End: to})
			if serr != nil {
				return Insights{}, fmt.Errorf("score %s: %w", req.SubjectID, serr)
			}
			out.Score = &sc
		}
	default:
		return Insights{}, fmt.Errorf("latest score: %w", err)
	}

	anomalies, err := s.deps.Store.ListAnomalies(ctx, store.AnomalyQuery{
		SubjectID: req.SubjectID,
		Since:     from,
		Limit:     MaxInsightAnomalies,
	})
	if err != nil {
		return Insights{}, fmt.Errorf("list anomalies: %w", err)
	}
	for _, a := range anomalies {
		if a.DetectedAt.Before(to) {
			out.Anomalies = append(out.Anomalies, a)
		}
	}

	out.Observations = observations(out)
	return out, nil
}

func observations(in Insights) []string {
	obs := []string{}
	if in.TotalEvents == 0 {
		return append(obs, "no tool activity in range")
	}
	if len(in.TopTools) > 0 {
		top := in.TopTools[0]
		obs = append(obs, fmt.Sprintf("%s accounts for %.0f%% of tool use", top.Tool, top.Share*100))
	}
	for _, t := range in.TopTools {
		if t.EventCount >= 5 && t.SuccessRate < 0.5 {
			obs = append(obs, fmt.Sprintf("%s fails more often than it succeeds (%.0f%% success)", t.Tool, t.SuccessRate*100))
		}
	}
	if in.Score != nil && !in.Score.InsufficientData && in.Score.Trend != scoring.TrendStable {
		obs = append(obs, fmt.Sprintf("productivity score %.1f is %s", in.Score.Score, in.Score.Trend))
	}
	var high int
	for _, a := range in.Anomalies {
		if a.Severity == anomaly.SeverityHigh {
			high++
		}
	}
	if n := len(in.Anomalies); n > 0 {
		obs = append(obs, fmt.Sprintf("%d anomalies detected (%d high severity)", n, high))
	}
	return obs
}
