package aggregate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/hookpulse/internal/event"
)

// Store is the persistence the engine needs.
type Store interface {
	UpsertBucket(ctx context.Context, b Bucket) (bool, error)
	ListBuckets(ctx context.Context, q Query) ([]Bucket, error)
}

// CloseListener is notified after a bucket is persisted. corrected is true
// for revisions produced by late events.
type CloseListener interface {
	OnBucketClosed(ctx context.Context, b Bucket, corrected bool)
}

// ListenerFunc adapts a function to CloseListener.
type ListenerFunc func(ctx context.Context, b Bucket, corrected bool)

// OnBucketClosed implements CloseListener.
func (f ListenerFunc) OnBucketClosed(ctx context.Context, b Bucket, corrected bool) {
	f(ctx, b, corrected)
}

// Correction is a revision appended for an event that arrived after its bucket closed.
type Correction struct {
	Bucket Bucket
	// Cause wraps ErrStaleBucket with the late event's details.
	Cause error
}

// Default engine values.
const (
	DefaultClosedRetention = 7 * 24 * time.Hour
	DefaultShardCount      = 16
)

// DefaultWidths returns the real-time and trend resolutions.
func DefaultWidths() []time.Duration {
	return []time.Duration{time.Minute, 24 * time.Hour}
}

// ErrInvalidWidth is returned for non-positive bucket widths.
var ErrInvalidWidth = errors.New("bucket width must be positive")

// Config configures an Engine.
type Config struct {
	// Widths are the independent resolutions maintained for every subject.
	Widths []time.Duration
	// Categorizer maps tool names to categories; defaults to DefaultCategories.
	Categorizer Categorizer
	// ClosedRetention is how long closed bucket state is kept in memory to
	// build revisions without a store lookup.
	ClosedRetention time.Duration
	Shards          int
	Logger          *slog.Logger
	Metrics         *Metrics
	Now             func() time.Time
}

type shard struct {
	mu     sync.Mutex
	open   map[Key]*Bucket
	closed map[Key]Bucket // latest persisted revision per key
}

// Engine rolls events into open buckets and closes them on width boundaries.
// It is safe for concurrent use; state is partitioned by subject.
type Engine struct {
	cfg     Config
	store   Store
	shards  []*shard
	version atomic.Int64

	listenersMu sync.RWMutex
	listeners   []CloseListener

	// pending holds closed buckets and revisions whose write failed.
	pendingMu sync.Mutex
	pending   []pendingWrite
}

type pendingWrite struct {
	bucket    Bucket
	corrected bool
}

// NewEngine creates an engine writing closed buckets to store.
func NewEngine(cfg Config, store Store) (*Engine, error) {
	if len(cfg.Widths) == 0 {
		cfg.Widths = DefaultWidths()
	}
	seen := make(map[time.Duration]bool, len(cfg.Widths))
	widths := make([]time.Duration, 0, len(cfg.Widths))
	for _, w := range cfg.Widths {
		if w <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidWidth, w)
		}
		if !seen[w] {
			seen[w] = true
			widths = append(widths, w)
		}
	}
	sort.Slice(widths, func(i, j int) bool { return widths[i] < widths[j] })
	cfg.Widths = widths

	if cfg.Categorizer == nil {
		cfg.Categorizer = DefaultCategories()
	}
	if cfg.ClosedRetention <= 0 {
		cfg.ClosedRetention = DefaultClosedRetention
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShardCount
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{cfg: cfg, store: store, shards: make([]*shard, cfg.Shards)}
	for i := range e.shards {
		e.shards[i] = &shard{open: make(map[Key]*Bucket), closed: make(map[Key]Bucket)}
	}
	e.version.Store(cfg.Now().UnixNano())
	return e, nil
}

// Widths returns the configured resolutions in ascending order.
func (e *Engine) Widths() []time.Duration {
	return append([]time.Duration(nil), e.cfg.Widths...)
}

// Category returns the category of a tool name.
func (e *Engine) Category(toolName string) string {
	return e.cfg.Categorizer.Category(toolName)
}

// AddListener registers a close listener. Listeners run in registration order.
func (e *Engine) AddListener(l CloseListener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) nextVersion() int64 {
	return e.version.Add(1)
}

func (e *Engine) shardFor(k Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.SubjectKind))
	_, _ = h.Write([]byte(k.Subject))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// keysFor lists every bucket key an event contributes to.
func (e *Engine) keysFor(ev *event.Event) []Key {
	category := e.cfg.Categorizer.Category(ev.ToolName)
	type subj struct {
		kind       SubjectKind
		id         string
		categories []string
	}
	subjects := []subj{
		{KindSession, ev.SessionID, []string{category, CategoryAll}},
		{KindTool, ev.ToolName, []string{category}},
	}
	if ev.UserID != "" {
		subjects = append(subjects, subj{KindUser, ev.UserID, []string{category, CategoryAll}})
	}

	keys := make([]Key, 0, len(e.cfg.Widths)*5)
	for _, w := range e.cfg.Widths {
		start := Floor(ev.StartedAt, w).UnixNano()
		for _, s := range subjects {
			for _, c := range s.categories {
				keys = append(keys, Key{SubjectKind: s.kind, Subject: s.id, Category: c, Width: w, Start: start})
			}
		}
	}
	return keys
}

func newBucket(k Key) *Bucket {
	start := time.Unix(0, k.Start).UTC()
	return &Bucket{
		SubjectKind: k.SubjectKind,
		Subject:     k.Subject,
		Category:    k.Category,
		Width:       k.Width,
		BucketStart: start,
		BucketEnd:   start.Add(k.Width),
	}
}

func (b *Bucket) add(ev *event.Event) {
	b.EventCount++
	if ev.Success {
		b.SuccessCount++
	}
	b.TotalDurationMs += ev.DurationMs
}

// OnEvent adds the event to the open bucket of every subject, category and
// width it belongs to. Events landing in already closed buckets produce
// persisted revisions, returned as corrections.
func (e *Engine) OnEvent(ctx context.Context, ev *event.Event) ([]Correction, error) {
	if ev.Trigger.IsLifecycle() {
		return nil, nil
	}
	keys := e.keysFor(ev)
	// Resolve every store lookup before mutating anything so a failed
	// lookup leaves the engine untouched and the event can be retried.
	priors := make(map[Key]*Bucket)
	for _, k := range keys {
		if !e.needsLookup(k) {
			continue
		}
		p, err := e.lookupPersisted(ctx, k)
		if err != nil {
			return nil, err
		}
		priors[k] = p
	}

	var corrections []Correction
	for _, k := range keys {
		if rev := e.apply(k, ev, priors[k]); rev != nil {
			corrections = append(corrections, Correction{
				Bucket: *rev,
				Cause: fmt.Errorf("%w: event %s at %s for %s bucket starting %s",
					ErrStaleBucket, ev.ID, ev.StartedAt.Format(time.RFC3339), k.Width, rev.BucketStart.Format(time.RFC3339)),
			})
		}
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.IncEventsAggregated()
	}

	for _, c := range corrections {
		e.cfg.Logger.Info("late event produced bucket revision",
			"event_id", ev.ID,
			"subject_kind", c.Bucket.SubjectKind,
			"subject", c.Bucket.Subject,
			"category", c.Bucket.Category,
			"width", c.Bucket.Width.String(),
			"revision", c.Bucket.Revision)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.IncCorrections(c.Bucket.Width)
		}
		e.persistAndNotify(ctx, c.Bucket, true)
	}
	return corrections, nil
}

// needsLookup reports whether k is neither open nor known closed while its
// window already elapsed, so a revision may exist in the store from an
// earlier run.
func (e *Engine) needsLookup(k Key) bool {
	sh := e.shardFor(k)
	sh.mu.Lock()
	_, open := sh.open[k]
	_, closed := sh.closed[k]
	sh.mu.Unlock()
	if open || closed {
		return false
	}
	return !time.Unix(0, k.Start).Add(k.Width).After(e.cfg.Now())
}

// apply adds ev to key k and returns a revision when k was already closed.
func (e *Engine) apply(k Key, ev *event.Event, prior *Bucket) *Bucket {
	sh := e.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if rev, done := e.applyLocked(sh, k, ev, prior); done {
		return rev
	}
	b := newBucket(k)
	b.add(ev)
	sh.open[k] = b
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.AddOpenBuckets(1)
	}
	return nil
}

func (e *Engine) applyLocked(sh *shard, k Key, ev *event.Event, prior *Bucket) (*Bucket, bool) {
	if b, ok := sh.open[k]; ok {
		b.add(ev)
		return nil, true
	}
	latest, ok := sh.closed[k]
	if !ok && prior != nil {
		latest, ok = *prior, true
	}
	if !ok {
		return nil, false
	}
	rev := latest
	rev.Revision++
	rev.add(ev)
	rev.Version = e.nextVersion()
	rev.ClosedAt = e.cfg.Now().UTC()
	sh.closed[k] = rev
	return &rev, true
}

func (e *Engine) lookupPersisted(ctx context.Context, k Key) (*Bucket, error) {
	start := time.Unix(0, k.Start).UTC()
	bs, err := e.store.ListBuckets(ctx, Query{
		SubjectKind: k.SubjectKind,
		Subject:     k.Subject,
		Category:    k.Category,
		Width:       k.Width,
		From:        start,
		To:          start.Add(time.Nanosecond),
		Limit:       1,
	})
	if err != nil {
		return nil, fmt.Errorf("lookup closed bucket: %w", err)
	}
	if len(bs) == 0 {
		return nil, nil
	}
	return &bs[0], nil
}

// CloseDue closes every open bucket whose width has elapsed at now, retries
// earlier failed writes, and forgets closed state older than the retention.
// It returns the number of buckets closed in this call.
func (e *Engine) CloseDue(ctx context.Context, now time.Time) (int, error) {
	e.retryPending(ctx)

	var due []Bucket
	horizon := now.Add(-e.cfg.ClosedRetention)
	for _, sh := range e.shards {
		sh.mu.Lock()
		for k, b := range sh.open {
			if now.Sub(b.BucketStart) >= b.Width {
				due = append(due, e.closeLocked(sh, k, b, now))
			}
		}
		for k, b := range sh.closed {
			if b.BucketEnd.Before(horizon) {
				delete(sh.closed, k)
			}
		}
		sh.mu.Unlock()
	}
	return e.finishClose(ctx, due)
}

// FlushSession closes every open bucket of a session at every width,
// regardless of elapsed time, and returns the closed buckets.
func (e *Engine) FlushSession(ctx context.Context, sessionID string) ([]Bucket, error) {
	now := e.cfg.Now()
	var due []Bucket
	for _, sh := range e.shards {
		sh.mu.Lock()
		for k, b := range sh.open {
			if k.SubjectKind == KindSession && k.Subject == sessionID {
				due = append(due, e.closeLocked(sh, k, b, now))
			}
		}
		sh.mu.Unlock()
	}
	_, err := e.finishClose(ctx, due)
	return due, err
}

func (e *Engine) closeLocked(sh *shard, k Key, b *Bucket, now time.Time) Bucket {
	delete(sh.open, k)
	closed := *b
	closed.ClosedAt = now.UTC()
	closed.Version = e.nextVersion()
	sh.closed[k] = closed
	return closed
}

func (e *Engine) finishClose(ctx context.Context, due []Bucket) (int, error) {
	if len(due) == 0 {
		return 0, nil
	}
	sortBuckets(due)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.AddOpenBuckets(-float64(len(due)))
	}
	var failed int
	for _, b := range due {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.IncClosed(b.Width)
		}
		if !e.persistAndNotify(ctx, b, false) {
			failed++
		}
	}
	if failed > 0 {
		return len(due), fmt.Errorf("persist closed buckets: %d of %d writes deferred", failed, len(due))
	}
	return len(due), nil
}

// persistAndNotify writes b and notifies listeners. A failed write is
// queued for the next CloseDue call.
func (e *Engine) persistAndNotify(ctx context.Context, b Bucket, corrected bool) bool {
	if _, err := e.store.UpsertBucket(ctx, b); err != nil {
		if errors.Is(err, ErrStaleVersion) {
			e.cfg.Logger.Warn("stale bucket write ignored",
				"subject", b.Subject, "category", b.Category, "revision", b.Revision, "version", b.Version)
			return true
		}
		e.cfg.Logger.Error("failed to persist bucket",
			"subject_kind", b.SubjectKind,
			"subject", b.Subject,
			"category", b.Category,
			"width", b.Width.String(),
			"revision", b.Revision,
			"error", err)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.IncPersistErrors()
		}
		e.pendingMu.Lock()
		e.pending = append(e.pending, pendingWrite{bucket: b, corrected: corrected})
		e.pendingMu.Unlock()
		return false
	}
	e.notify(ctx, b, corrected)
	return true
}

func (e *Engine) retryPending(ctx context.Context) {
	e.pendingMu.Lock()
	pending := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	for _, p := range pending {
		e.persistAndNotify(ctx, p.bucket, p.corrected)
	}
}

// Pending returns the number of buckets waiting for a successful write.
func (e *Engine) Pending() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

func (e *Engine) notify(ctx context.Context, b Bucket, corrected bool) {
	e.listenersMu.RLock()
	listeners := append([]CloseListener(nil), e.listeners...)
	e.listenersMu.RUnlock()
	for _, l := range listeners {
		l.OnBucketClosed(ctx, b, corrected)
	}
}

// OpenBuckets returns copies of the open buckets matching q, in cursor order.
func (e *Engine) OpenBuckets(q Query) []Bucket {
	var out []Bucket
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, b := range sh.open {
			if matches(*b, q) {
				out = append(out, *b)
			}
		}
		sh.mu.Unlock()
	}
	sortBuckets(out)
	return out
}

func matches(b Bucket, q Query) bool {
	switch {
	case q.SubjectKind != "" && b.SubjectKind != q.SubjectKind,
		q.Subject != "" && b.Subject != q.Subject,
		q.Category != "" && b.Category != q.Category,
		q.Width != 0 && b.Width != q.Width,
		!q.From.IsZero() && b.BucketStart.Before(q.From),
		!q.To.IsZero() && !b.BucketStart.Before(q.To),
		q.After != nil && !q.After.After(b):
		return false
	}
	return true
}

func sortBuckets(bs []Bucket) {
	sort.Slice(bs, func(i, j int) bool {
		a, b := bs[i], bs[j]
		if !a.BucketStart.Equal(b.BucketStart) {
			return a.BucketStart.Before(b.BucketStart)
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.SubjectKind != b.SubjectKind {
			return a.SubjectKind < b.SubjectKind
		}
		return a.Width < b.Width
	})
}

// Restore re-opens buckets for logged events whose buckets were never
// persisted, e.g. after a restart. Events in already persisted buckets are
// skipped. It returns the number of events restored.
func (e *Engine) Restore(ctx context.Context, events iter.Seq2[*event.Event, error]) (int, error) {
	persisted := make(map[Key]bool)
	restored := 0
	for ev, err := range events {
		if err != nil {
			return restored, fmt.Errorf("restore aggregates: %w", err)
		}
		if ev.Trigger.IsLifecycle() {
			continue
		}
		used := false
		for _, k := range e.keysFor(ev) {
			done, known := persisted[k]
			if !known {
				p, err := e.lookupPersisted(ctx, k)
				if err != nil {
					return restored, err
				}
				done = p != nil
				persisted[k] = done
				if done {
					sh := e.shardFor(k)
					sh.mu.Lock()
					sh.closed[k] = *p
					sh.mu.Unlock()
				}
			}
			if done {
				continue
			}
			sh := e.shardFor(k)
			sh.mu.Lock()
			b, ok := sh.open[k]
			if !ok {
				b = newBucket(k)
				sh.open[k] = b
				if e.cfg.Metrics != nil {
					e.cfg.Metrics.AddOpenBuckets(1)
				}
			}
			b.add(ev)
			sh.mu.Unlock()
			used = true
		}
		if used {
			restored++
		}
	}
	return restored, nil
}
