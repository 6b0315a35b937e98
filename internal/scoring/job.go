package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/jobs"
)

// ScoreStore persists computed scores. SaveScore replaces the score of the
// same subject and window.
type ScoreStore interface {
	SaveScore(ctx context.Context, sc ProductivityScore) error
	ListScores(ctx context.Context, subjectID string, from, to time.Time) ([]ProductivityScore, error)
}

// Emitter receives score_update activities.
type Emitter interface {
	Emit(ctx context.Context, u activity.Update)
}

// RecomputeJobConfig configures the score recompute job.
type RecomputeJobConfig struct {
	// Interval is the duration between recompute cycles.
	Interval time.Duration
	// Timeout for each recompute cycle.
	Timeout time.Duration
	// Window is the width of the scored window ending at the next window boundary.
	Window time.Duration
	// Logger for job activity.
	Logger *slog.Logger
	// Metrics for performance tracking.
	Metrics *Metrics
	// JobMetrics for centralized background job tracking.
	JobMetrics jobs.Reporter
	// Now defaults to time.Now.
	Now func() time.Time
}

// Default recompute job values.
const (
	DefaultRecomputeInterval = 30 * time.Second
	DefaultRecomputeTimeout  = 30 * time.Second
	DefaultScoreWindow       = time.Hour
)

// RecomputeJob periodically rescores subjects marked by the StaleTracker.
type RecomputeJob struct {
	*jobs.Periodic

	config  RecomputeJobConfig
	tracker *StaleTracker
	service *Service
	scores  ScoreStore
	emitter Emitter
}

// NewRecomputeJob creates a new score recompute job. emitter may be nil.
func NewRecomputeJob(config RecomputeJobConfig, tracker *StaleTracker, service *Service, scores ScoreStore, emitter Emitter) *RecomputeJob {
	if config.Interval == 0 {
		config.Interval = DefaultRecomputeInterval
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultRecomputeTimeout
	}
	if config.Window <= 0 {
		config.Window = DefaultScoreWindow
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	j := &RecomputeJob{
		config:  config,
		tracker: tracker,
		service: service,
		scores:  scores,
		emitter: emitter,
	}
	j.Periodic = jobs.NewPeriodic(jobs.Config{
		JobType:  jobs.JobTypeScoreRecompute,
		Interval: config.Interval,
		Timeout:  config.Timeout,
		Logger:   config.Logger,
		Reporter: config.JobMetrics,
	}, j.recomputeStale)
	return j
}

// CurrentWindow returns the scoring window containing now.
func (j *RecomputeJob) CurrentWindow(now time.Time) Window {
	return j.windowOf(now)
}

// windowOf returns the scoring window containing t.
func (j *RecomputeJob) windowOf(t time.Time) Window {
	start := t.UTC().Truncate(j.config.Window)
	return Window{Start: start, End: start.Add(j.config.Window)}
}

// windowsFor returns the current window plus every window holding a
// corrected bucket, oldest first.
func (j *RecomputeJob) windowsFor(current Window, corrections []time.Time) []Window {
	windows := make([]Window, 0, len(corrections)+1)
	seen := map[time.Time]bool{current.Start: true}
	for _, c := range corrections {
		w := j.windowOf(c)
		if seen[w.Start] {
			continue
		}
		seen[w.Start] = true
		windows = append(windows, w)
	}
	return append(windows, current)
}

// markStale flags the persisted score of a corrected window until a
// recomputed score replaces it.
func (j *RecomputeJob) markStale(ctx context.Context, subject string, w Window) error {
	existing, err := j.scores.ListScores(ctx, subject, w.Start, w.Start.Add(time.Nanosecond))
	if err != nil {
		return fmt.Errorf("list scores: %w", err)
	}
	for _, sc := range existing {
		if sc.Stale || !sc.WindowEnd.Equal(w.End) {
			continue
		}
		sc.Stale = true
		if err := j.scores.SaveScore(ctx, sc); err != nil {
			return fmt.Errorf("mark score stale: %w", err)
		}
	}
	return nil
}

type staleSubject struct {
	id          string
	corrections []time.Time
	windows     []Window
}

// recomputeStale scores every queued subject over the current window and
// over each past window holding a corrected bucket.
func (j *RecomputeJob) recomputeStale(ctx context.Context) error {
	subjects := j.tracker.Dirty()
	if j.config.Metrics != nil {
		j.config.Metrics.SetStaleSubjects(float64(len(subjects)))
	}
	if len(subjects) == 0 {
		return nil
	}

	startTime := time.Now()
	current := j.CurrentWindow(j.config.Now())
	var successCount, failed int
	var deltaSum float64
	var deltaCount int

	j.config.Logger.Info("recomputing productivity scores", "stale_count", len(subjects))

	queued := make([]staleSubject, 0, len(subjects))
	for _, id := range subjects {
		corrections := j.tracker.Corrections(id)
		sub := staleSubject{id: id, corrections: corrections, windows: j.windowsFor(current, corrections)}
		queued = append(queued, sub)
		for _, w := range sub.windows[:len(sub.windows)-1] {
			if err := j.markStale(ctx, id, w); err != nil {
				j.config.Logger.Warn("failed to flag stale score",
					"subject_id", id,
					"window_start", w.Start,
					"error", err)
			}
		}
	}

	for i, sub := range queued {
		if err := ctx.Err(); err != nil {
			j.config.Logger.Error("score recompute timeout exceeded",
				"processed", i,
				"total", len(queued),
				"timeout", j.config.Timeout)
			if j.config.Metrics != nil {
				j.config.Metrics.IncRecomputeErrors()
				j.config.Metrics.ObserveRecomputeDuration(time.Since(startTime).Seconds())
			}
			return err
		}

		ok := true
		for _, w := range sub.windows {
			var previous *ProductivityScore
			if ps, err := j.scores.ListScores(ctx, sub.id, w.Start, w.Start.Add(time.Nanosecond)); err == nil && len(ps) > 0 {
				previous = &ps[len(ps)-1]
			}

			sc, err := j.service.Score(ctx, sub.id, w)
			if err == nil {
				err = j.scores.SaveScore(ctx, sc)
			}
			if err != nil {
				j.config.Logger.Error("failed to recompute score",
					"subject_id", sub.id,
					"window_start", w.Start,
					"error", err)
				if j.config.Metrics != nil {
					j.config.Metrics.IncRecomputeErrors()
				}
				ok = false
				break
			}
			if previous != nil {
				deltaSum += math.Abs(sc.Score - previous.Score)
				deltaCount++
			}
			if j.emitter != nil {
				j.emitter.Emit(ctx, scoreActivity(sc))
			}
		}
		if !ok {
			failed++
			continue
		}
		j.tracker.Clear(sub.id, sub.corrections...)
		successCount++
	}

	duration := time.Since(startTime).Seconds()
	avgDelta := 0.0
	if deltaCount > 0 {
		avgDelta = deltaSum / float64(deltaCount)
	}
	if j.config.Metrics != nil {
		j.config.Metrics.IncRecomputeTotal()
		j.config.Metrics.ObserveRecomputeDuration(duration)
		j.config.Metrics.SetLastRecomputeTimestamp(float64(time.Now().Unix()))
		j.config.Metrics.SetLastRecomputeSubjectCount(float64(successCount))
		j.config.Metrics.SetStaleSubjects(float64(j.tracker.Count()))
	}

	j.config.Logger.Info("score recompute completed",
		"duration_seconds", duration,
		"subjects_scored", successCount,
		"subjects_failed", failed,
		"avg_score_delta", avgDelta)

	if failed > 0 {
		return fmt.Errorf("score recompute: %d of %d subjects failed", failed, len(queued))
	}
	return nil
}

func scoreActivity(sc ProductivityScore) activity.Update {
	desc := fmt.Sprintf("productivity score %.1f (%s)", sc.Score, sc.Trend)
	if sc.InsufficientData {
		desc = "productivity score unavailable: insufficient data"
	}
	return activity.New(activity.TypeScoreUpdate, sc.SubjectID, sc.SubjectID, desc, sc.ComputedAt, map[string]any{
		"score":             sc.Score,
		"trend":             string(sc.Trend),
		"window_start":      sc.WindowStart.Format(time.RFC3339),
		"window_end":        sc.WindowEnd.Format(time.RFC3339),
		"insufficient_data": sc.InsufficientData,
	})
}
