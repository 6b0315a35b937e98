// Package ingest runs validated hook events through persistence, session
// tracking and aggregation. Events of one session are handled by a single
// worker in submission order; different sessions proceed in parallel.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/event"
	"github.com/onnwee/hookpulse/internal/hook"
	"github.com/onnwee/hookpulse/internal/session"
	"github.com/onnwee/hookpulse/internal/store"
	"github.com/onnwee/hookpulse/internal/tracing"
)

var (
	// ErrHookTimeout is returned to blocking callers whose deadline passed
	// before the event was processed. Processing continues in the background.
	ErrHookTimeout = errors.New("hook timed out before the event was processed")
	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("ingest pipeline closed")
	// ErrMissingDependency is returned by New when a required collaborator is nil.
	ErrMissingDependency = errors.New("ingest pipeline dependency missing")

	errQueueFull = errors.New("worker queue full")
)

// Default pipeline values.
const (
	DefaultQueueSize      = 1024
	DefaultProcessTimeout = 30 * time.Second
)

// EventLog is the part of the store the pipeline writes to and recovers from.
type EventLog interface {
	Append(ctx context.Context, e *event.Event) (store.Ack, error)
	ReadAll(ctx context.Context, since time.Time) iter.Seq2[*event.Event, error]
}

// Emitter receives activity updates produced while ingesting.
type Emitter interface {
	Emit(ctx context.Context, u activity.Update)
}

// Result describes what happened to a submitted event.
type Result struct {
	EventID string `json:"event_id"`
	Seq     int64  `json:"seq,omitempty"`
	// Duplicate is set when the event id was already stored; nothing else ran.
	Duplicate bool `json:"duplicate"`
	// Queued is set when the caller did not wait for processing to finish.
	Queued bool `json:"queued"`
	// Deferred is set when part of the work moved to the replay queue.
	Deferred    bool                `json:"deferred,omitempty"`
	Incomplete  bool                `json:"incomplete,omitempty"`
	Transition  *session.Transition `json:"transition,omitempty"`
	Corrections int                 `json:"corrections,omitempty"`
}

// Config configures a Pipeline.
type Config struct {
	// Workers is the number of session-pinned workers (default NumCPU*2).
	Workers int
	// QueueSize bounds each worker's queue.
	QueueSize int
	// ProcessTimeout bounds the store and aggregation work for one event.
	ProcessTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
	Now            func() time.Time
}

// Deps are the collaborators a Pipeline drives. Emitter and Replay are optional.
type Deps struct {
	Validator *event.Validator
	Registry  *session.Registry
	Store     EventLog
	Engine    *aggregate.Engine
	Emitter   Emitter
	Replay    *ReplayQueue
}

type task struct {
	ctx       context.Context
	ev        *event.Event
	detached  bool
	replay    bool
	persisted bool
	done      func(Result, error)
}

type outcome struct {
	res Result
	err error
}

// Pipeline dispatches events to session-pinned workers.
type Pipeline struct {
	cfg  Config
	deps Deps

	mu      sync.RWMutex
	started bool
	closed  bool
	queues  []chan *task
	wg      sync.WaitGroup
}

// New creates a pipeline. Call Start to launch the workers.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Validator == nil:
		return nil, fmt.Errorf("%w: validator", ErrMissingDependency)
	case deps.Registry == nil:
		return nil, fmt.Errorf("%w: session registry", ErrMissingDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: event log", ErrMissingDependency)
	case deps.Engine == nil:
		return nil, fmt.Errorf("%w: aggregation engine", ErrMissingDependency)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() * 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	p := &Pipeline{cfg: cfg, deps: deps, queues: make([]chan *task, cfg.Workers)}
	for i := range p.queues {
		p.queues[i] = make(chan *task, cfg.QueueSize)
	}
	return p, nil
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for _, q := range p.queues {
		p.wg.Add(1)
		go p.work(q)
	}
	p.cfg.Logger.Info("ingest pipeline started", "workers", len(p.queues), "queue_size", p.cfg.QueueSize)
}

// Stop rejects new submissions, lets the workers drain their queues and
// waits for them to exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.cfg.Logger.Info("ingest pipeline stopped")
}

// QueueDepth returns the number of events waiting for a worker.
func (p *Pipeline) QueueDepth() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

func (p *Pipeline) workerFor(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Ingest validates raw and submits the event with the hook's strategy.
func (p *Pipeline) Ingest(ctx context.Context, raw event.RawPayload, strategy hook.Strategy) (Result, error) {
	ev, err := p.deps.Validator.Validate(raw)
	if err != nil {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.IncEvents("invalid", ResultRejected)
		}
		return Result{}, err
	}
	return p.Submit(ctx, ev, strategy)
}

// Submit dispatches a validated event. Blocking strategies wait for the
// worker's result or the deadline; detached strategies return once queued.
// When a worker queue stays full past the deadline the event moves to the
// replay queue.
func (p *Pipeline) Submit(ctx context.Context, ev *event.Event, strategy hook.Strategy) (Result, error) {
	if strategy.Timeout <= 0 {
		strategy.Timeout = hook.DefaultTimeout
	}
	deadline := time.NewTimer(strategy.Timeout)
	defer deadline.Stop()

	t := &task{
		ctx:      context.WithoutCancel(ctx),
		ev:       ev,
		detached: strategy.Mode == hook.ModeDetached,
	}
	var results chan outcome
	if !t.detached {
		results = make(chan outcome, 1)
		t.done = func(r Result, err error) { results <- outcome{r, err} }
	}

	pending := Result{EventID: ev.ID, Queued: true, Incomplete: ev.Incomplete}
	if err := p.enqueue(ctx, t, deadline.C); err != nil {
		if !errors.Is(err, errQueueFull) {
			return Result{EventID: ev.ID}, err
		}
		if p.deps.Replay != nil {
			p.deps.Replay.Enqueue(ev, false, err)
			pending.Deferred = true
		}
		if t.detached && pending.Deferred {
			return pending, nil
		}
		return p.timedOut(pending, strategy)
	}
	if t.detached {
		return pending, nil
	}

	select {
	case o := <-results:
		return o.res, o.err
	case <-deadline.C:
		return p.timedOut(pending, strategy)
	case <-ctx.Done():
		return pending, ctx.Err()
	}
}

func (p *Pipeline) timedOut(r Result, strategy hook.Strategy) (Result, error) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.IncHookTimeouts(string(strategy.Mode))
	}
	p.cfg.Logger.Warn("hook deadline passed before event was processed",
		"event_id", r.EventID,
		"mode", string(strategy.Mode),
		"timeout", strategy.Timeout.String(),
		"deferred", r.Deferred)
	return r, fmt.Errorf("%w: event %s after %s", ErrHookTimeout, r.EventID, strategy.Timeout)
}

func (p *Pipeline) enqueue(ctx context.Context, t *task, expired <-chan time.Time) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	q := p.queues[p.workerFor(t.ev.SessionID)]
	select {
	case q <- t:
	case <-expired:
		return errQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.AddQueueDepth(1)
	}
	return nil
}

func (p *Pipeline) work(q <-chan *task) {
	defer p.wg.Done()
	for t := range q {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.AddQueueDepth(-1)
		}
		res, err := p.process(t)
		if t.done != nil {
			t.done(res, err)
		}
	}
}

// process runs one event through append, session tracking, activity
// emission and aggregation. Replayed events that were already persisted and
// applied to the registry resume at aggregation.
func (p *Pipeline) process(t *task) (res Result, err error) {
	ev := t.ev
	trigger := string(ev.Trigger)
	start := time.Now()

	ctx, cancel := context.WithTimeout(t.ctx, p.cfg.ProcessTimeout)
	defer cancel()
	ctx, end := tracing.StartStageSpan(ctx, "process", ev.SessionID, ev.ID)
	defer func() {
		end(err)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.ObserveProcessDuration(trigger, time.Since(start).Seconds())
		}
	}()

	res = Result{EventID: ev.ID, Incomplete: ev.Incomplete}

	if !t.persisted {
		ack, err := p.append(ctx, ev)
		if err != nil {
			p.cfg.Logger.Error("failed to persist event",
				"event_id", ev.ID,
				"session_id", ev.SessionID,
				"trigger", trigger,
				"replay", t.replay,
				"error", err)
			if t.detached && !t.replay && p.deps.Replay != nil {
				p.deps.Replay.Enqueue(ev, false, err)
				p.count(trigger, ResultDeferred)
				res.Deferred = true
				return res, nil
			}
			p.count(trigger, ResultFailed)
			return res, err
		}
		res.Seq = ack.Seq
		// A plain duplicate was applied by whichever delivery stored it, a
		// redelivery racing a replay included. Only a recovered ack means the
		// stored event has not been applied yet.
		if ack.Duplicate && !ack.Recovered {
			res.Duplicate = true
			p.count(trigger, ResultDuplicate)
			p.cfg.Logger.Debug("duplicate event ignored",
				"event_id", ev.ID,
				"session_id", ev.SessionID,
				"replay", t.replay)
			return res, nil
		}

		tr, err := p.deps.Registry.Apply(ev)
		if err != nil {
			p.count(trigger, ResultFailed)
			return res, fmt.Errorf("apply session transition: %w", err)
		}
		res.Transition = &tr
		p.emit(ctx, EventActivity(ev, tr))
	}

	corrections, err := p.aggregate(ctx, ev)
	if err != nil {
		p.cfg.Logger.Error("failed to aggregate event",
			"event_id", ev.ID,
			"session_id", ev.SessionID,
			"replay", t.replay,
			"error", err)
		if !t.replay && p.deps.Replay != nil {
			p.deps.Replay.Enqueue(ev, true, err)
			p.count(trigger, ResultDeferred)
			res.Deferred = true
			return res, nil
		}
		p.count(trigger, ResultFailed)
		return res, fmt.Errorf("aggregate event %s: %w", ev.ID, err)
	}
	res.Corrections = len(corrections)

	if ev.Trigger == event.TriggerSessionEnd {
		if err := p.finishSession(ctx, ev.SessionID); err != nil {
			p.cfg.Logger.Warn("session not finalized", "session_id", ev.SessionID, "error", err)
		}
	}
	p.count(trigger, ResultAccepted)
	return res, nil
}

func (p *Pipeline) append(ctx context.Context, ev *event.Event) (store.Ack, error) {
	ctx, end := tracing.StartStageSpan(ctx, "persist", ev.SessionID, ev.ID)
	ack, err := p.deps.Store.Append(ctx, ev)
	end(err)
	return ack, err
}

func (p *Pipeline) aggregate(ctx context.Context, ev *event.Event) ([]aggregate.Correction, error) {
	ctx, end := tracing.StartStageSpan(ctx, "aggregate", ev.SessionID, ev.ID)
	corrections, err := p.deps.Engine.OnEvent(ctx, ev)
	end(err)
	return corrections, err
}

// finishSession flushes an ended session's buckets and finalizes it. Bucket
// writes that fail stay pending in the engine and are retried by the close job.
func (p *Pipeline) finishSession(ctx context.Context, sessionID string) error {
	sess, err := p.deps.Registry.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.State != session.StateEnded {
		return nil
	}
	ctx, end := tracing.StartStageSpan(ctx, "finalize", sessionID, "")
	buckets, err := p.deps.Engine.FlushSession(ctx, sessionID)
	if err != nil {
		p.cfg.Logger.Warn("session flush deferred", "session_id", sessionID, "error", err)
	}
	_, err = p.deps.Registry.Finalize(sessionID)
	end(err)
	if err != nil {
		return err
	}
	p.cfg.Logger.Info("session finalized",
		"session_id", sessionID,
		"event_count", sess.EventCount,
		"buckets_flushed", len(buckets))
	return nil
}

func (p *Pipeline) emit(ctx context.Context, u activity.Update) {
	if p.deps.Emitter != nil {
		p.deps.Emitter.Emit(ctx, u)
	}
}

func (p *Pipeline) count(trigger, result string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.IncEvents(trigger, result)
	}
}

// DrainReplay resubmits due replay items through their session workers and
// waits for them. Failed items are rescheduled with backoff.
func (p *Pipeline) DrainReplay(ctx context.Context) error {
	if p.deps.Replay == nil {
		return nil
	}
	due := p.deps.Replay.Due(p.cfg.Now())
	if len(due) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for i, item := range due {
		t := &task{
			ctx:       context.WithoutCancel(ctx),
			ev:        item.Event,
			detached:  true,
			replay:    true,
			persisted: item.Persisted,
		}
		wg.Add(1)
		t.done = func(_ Result, err error) {
			defer wg.Done()
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				p.deps.Replay.Requeue(item, err)
				return
			}
			p.deps.Replay.Recovered(item)
		}
		if err := p.enqueue(ctx, t, nil); err != nil {
			wg.Done()
			p.deps.Replay.PutBack(due[i:])
			wg.Wait()
			return fmt.Errorf("drain replay queue: %w", err)
		}
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("drain replay queue: %d of %d events failed again", failed, len(due))
	}
	return nil
}

// Recover rebuilds in-memory state from the event log: the session registry,
// the open buckets whose windows were never persisted, and the finalization
// of sessions that ended before a restart.
func (p *Pipeline) Recover(ctx context.Context, since time.Time) error {
	ctx, end := tracing.StartSpan(ctx, "pipeline.recover")
	var err error
	defer func() { end(err) }()

	events, err := p.deps.Registry.Rebuild(ctx, p.deps.Store.ReadAll(ctx, since))
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	restored, err := p.deps.Engine.Restore(ctx, p.deps.Store.ReadAll(ctx, since))
	if err != nil {
		return fmt.Errorf("recover aggregates: %w", err)
	}

	finalized := 0
	for _, s := range p.deps.Registry.Snapshot() {
		if s.State != session.StateEnded {
			continue
		}
		if ferr := p.finishSession(ctx, s.ID); ferr != nil {
			p.cfg.Logger.Warn("recovered session not finalized", "session_id", s.ID, "error", ferr)
			continue
		}
		finalized++
	}
	p.cfg.Logger.Info("pipeline state recovered",
		"since", since,
		"events", events,
		"events_restored", restored,
		"sessions_finalized", finalized)
	return nil
}
