package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/anomaly"
	"github.com/onnwee/hookpulse/internal/event"
	"github.com/onnwee/hookpulse/internal/scoring"
)

// RetryConfig bounds the retries of failed writes.
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Logger          *slog.Logger
}

// Default retry values.
const (
	DefaultRetryMaxTries        = 5
	DefaultRetryInitialInterval = 50 * time.Millisecond
	DefaultRetryMaxInterval     = 2 * time.Second
	DefaultRetryMaxElapsedTime  = 10 * time.Second
)

// RetryingStore decorates a Store and retries writes that fail with ErrStorageWrite.
// Reads and non-retryable errors pass through unchanged.
type RetryingStore struct {
	Store
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetryingStore wraps inner with retry behaviour.
func NewRetryingStore(inner Store, cfg RetryConfig) *RetryingStore {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = DefaultRetryMaxTries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultRetryInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultRetryMaxInterval
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = DefaultRetryMaxElapsedTime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RetryingStore{Store: inner, cfg: cfg, logger: cfg.Logger}
}

// Unwrap returns the decorated store.
func (r *RetryingStore) Unwrap() Store { return r.Store }

func retryWrite[T any](ctx context.Context, r *RetryingStore, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrStorageWrite) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithMaxElapsedTime(r.cfg.MaxElapsedTime),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("storage write failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		}),
	)
}

// Append retries failed appends. Appends are idempotent by event id; a
// duplicate found after a failed attempt is marked Recovered.
func (r *RetryingStore) Append(ctx context.Context, e *event.Event) (Ack, error) {
	failed := false
	return retryWrite(ctx, r, "append", func() (Ack, error) {
		ack, err := r.Store.Append(ctx, e)
		if err != nil {
			failed = true
			return ack, err
		}
		if ack.Duplicate && failed {
			ack.Recovered = true
			r.logger.Warn("append committed by a failed attempt", slog.String("event_id", e.ID))
		}
		return ack, nil
	})
}

// UpsertBucket retries failed upserts. ErrStaleWrite is not retried.
func (r *RetryingStore) UpsertBucket(ctx context.Context, b aggregate.Bucket) (bool, error) {
	return retryWrite(ctx, r, "upsert_bucket", func() (bool, error) { return r.Store.UpsertBucket(ctx, b) })
}

// SaveScore retries failed score writes.
func (r *RetryingStore) SaveScore(ctx context.Context, s scoring.ProductivityScore) error {
	_, err := retryWrite(ctx, r, "save_score", func() (struct{}, error) { return struct{}{}, r.Store.SaveScore(ctx, s) })
	return err
}

// SaveAnomaly retries failed anomaly writes.
func (r *RetryingStore) SaveAnomaly(ctx context.Context, a anomaly.Anomaly) error {
	_, err := retryWrite(ctx, r, "save_anomaly", func() (struct{}, error) { return struct{}{}, r.Store.SaveAnomaly(ctx, a) })
	return err
}

// AppendActivity retries failed activity writes.
func (r *RetryingStore) AppendActivity(ctx context.Context, u activity.Update) error {
	_, err := retryWrite(ctx, r, "append_activity", func() (struct{}, error) { return struct{}{}, r.Store.AppendActivity(ctx, u) })
	return err
}
