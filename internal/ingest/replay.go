package ingest

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/hookpulse/internal/event"
)

// Replay defaults.
const (
	DefaultReplayCapacity    = 10000
	DefaultReplayMaxAttempts = 10
)

// Replay results for MetricReplayTotal.
const (
	replayEnqueued  = "enqueued"
	replayRecovered = "recovered"
	replayRetried   = "retried"
	replayDropped   = "dropped"
)

// ReplayItem is an event waiting for another processing attempt.
type ReplayItem struct {
	Event *event.Event
	// Persisted is set when the event reached the log and only aggregation failed.
	Persisted   bool
	Attempts    int
	NextAttempt time.Time
	LastError   string

	bo *backoff.ExponentialBackOff
}

// ReplayConfig configures a ReplayQueue.
type ReplayConfig struct {
	Capacity        int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *slog.Logger
	Metrics         *Metrics
	Now             func() time.Time
}

// ReplayQueue holds detached events whose processing failed after the store's
// own retries. It is bounded; when full the oldest item is dropped.
type ReplayQueue struct {
	cfg ReplayConfig

	mu    sync.Mutex
	items []*ReplayItem
}

// NewReplayQueue creates a replay queue.
func NewReplayQueue(cfg ReplayConfig) *ReplayQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultReplayCapacity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultReplayMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ReplayQueue{cfg: cfg}
}

func (q *ReplayQueue) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.InitialInterval
	bo.MaxInterval = q.cfg.MaxInterval
	return bo
}

// Enqueue adds an event. It returns false when an older item had to be
// dropped to make room.
func (q *ReplayQueue) Enqueue(ev *event.Event, persisted bool, cause error) bool {
	item := &ReplayItem{Event: ev.Clone(), Persisted: persisted, bo: q.newBackOff()}
	if cause != nil {
		item.LastError = cause.Error()
	}
	item.NextAttempt = q.cfg.Now().Add(item.bo.NextBackOff())

	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.cfg.Capacity {
		old := q.items[0]
		q.items = q.items[1:]
		dropped = true
		q.cfg.Logger.Error("replay queue full, dropping oldest event",
			"event_id", old.Event.ID,
			"session_id", old.Event.SessionID,
			"attempts", old.Attempts)
	}
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()

	if q.cfg.Metrics != nil {
		q.cfg.Metrics.IncReplay(replayEnqueued)
		if dropped {
			q.cfg.Metrics.IncReplay(replayDropped)
		}
		q.cfg.Metrics.SetReplayQueueDepth(float64(n))
	}
	return !dropped
}

// Due removes and returns the items whose next attempt is at or before now,
// in enqueue order.
func (q *ReplayQueue) Due(now time.Time) []*ReplayItem {
	q.mu.Lock()
	var due []*ReplayItem
	kept := q.items[:0]
	for _, it := range q.items {
		if !it.NextAttempt.After(now) {
			due = append(due, it)
		} else {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	n := len(q.items)
	q.mu.Unlock()

	if q.cfg.Metrics != nil {
		q.cfg.Metrics.SetReplayQueueDepth(float64(n))
	}
	return due
}

// Requeue schedules a failed item for a later attempt. Items that used up
// their attempts are dropped and false is returned.
func (q *ReplayQueue) Requeue(item *ReplayItem, cause error) bool {
	item.Attempts++
	if cause != nil {
		item.LastError = cause.Error()
	}
	if item.Attempts >= q.cfg.MaxAttempts {
		q.cfg.Logger.Error("replay attempts exhausted, dropping event",
			"event_id", item.Event.ID,
			"session_id", item.Event.SessionID,
			"attempts", item.Attempts,
			"error", item.LastError)
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.IncReplay(replayDropped)
		}
		return false
	}
	if item.bo == nil {
		item.bo = q.newBackOff()
	}
	item.NextAttempt = q.cfg.Now().Add(item.bo.NextBackOff())

	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()

	if q.cfg.Metrics != nil {
		q.cfg.Metrics.IncReplay(replayRetried)
		q.cfg.Metrics.SetReplayQueueDepth(float64(n))
	}
	return true
}

// Recovered records a successful replay.
func (q *ReplayQueue) Recovered(item *ReplayItem) {
	q.cfg.Logger.Info("replayed event",
		"event_id", item.Event.ID,
		"session_id", item.Event.SessionID,
		"attempts", item.Attempts+1)
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.IncReplay(replayRecovered)
	}
}

// Len returns the number of waiting items.
func (q *ReplayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PutBack returns items taken by Due without counting an attempt.
func (q *ReplayQueue) PutBack(items []*ReplayItem) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	n := len(q.items)
	q.mu.Unlock()
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.SetReplayQueueDepth(float64(n))
	}
}
