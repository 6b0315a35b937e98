package ingest

import (
	"context"
	"time"

	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/jobs"
	"github.com/onnwee/hookpulse/internal/session"
)

// DefaultSessionRetention is how long finalized sessions stay in the registry.
const DefaultSessionRetention = time.Hour

// NewBucketCloseJob closes elapsed buckets and retries deferred bucket writes
// on every tick.
func NewBucketCloseJob(engine *aggregate.Engine, cfg jobs.Config, now func() time.Time) *jobs.Periodic {
	cfg.JobType = jobs.JobTypeBucketClose
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	return jobs.NewPeriodic(cfg, func(ctx context.Context) error {
		closed, err := engine.CloseDue(ctx, now())
		if closed > 0 && logger != nil {
			logger.Debug("buckets closed", "count", closed, "pending_writes", engine.Pending())
		}
		return err
	})
}

// NewReplayJob drains the pipeline's replay queue on every tick.
func NewReplayJob(p *Pipeline, cfg jobs.Config) *jobs.Periodic {
	cfg.JobType = jobs.JobTypeReplayDrain
	return jobs.NewPeriodic(cfg, p.DrainReplay)
}

// NewSessionPruneJob drops finalized sessions idle for longer than retention.
func NewSessionPruneJob(registry *session.Registry, retention time.Duration, cfg jobs.Config, now func() time.Time) *jobs.Periodic {
	cfg.JobType = jobs.JobTypeSessionPrune
	if retention <= 0 {
		retention = DefaultSessionRetention
	}
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	return jobs.NewPeriodic(cfg, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		removed := registry.Prune(now().Add(-retention))
		if removed > 0 && logger != nil {
			logger.Info("pruned finalized sessions", "count", removed)
		}
		return nil
	})
}
