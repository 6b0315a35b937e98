// Package session tracks the lifecycle state of active editing sessions.
// The registry is a cache: it can always be rebuilt from the durable event log.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/hookpulse/internal/event"
)

// State is a session lifecycle state.
type State string

// Session lifecycle states.
const (
	StateStarted   State = "started"
	StateActive    State = "active"
	StateEnded     State = "ended"
	StateFinalized State = "finalized"
)

var (
	// ErrSessionNotFound is returned when a session id is not tracked.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidTransition is returned when a transition is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Session is the registry's view of one session.
type Session struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id,omitempty"`
	State       State      `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	LastEventAt time.Time  `json:"last_event_at"`
	EventCount  int64      `json:"event_count"`
}

// Transition records the effect of applying an event.
type Transition struct {
	SessionID string `json:"session_id"`
	From      State  `json:"from,omitempty"` // empty when the session was created
	To        State  `json:"to"`
	Created   bool   `json:"created"`
	// Recovered is set when a non-start event arrived for an unknown session.
	Recovered bool `json:"recovered"`
}

// Changed reports whether the transition moved the session to a new state.
func (t Transition) Changed() bool {
	return t.Created || t.From != t.To
}

// DefaultShardCount is the default number of registry partitions.
const DefaultShardCount = 32

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Shards int
	Logger *slog.Logger
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry is a partitioned map of session state. Each partition has its own
// lock so contention stays local to the sessions hashed into it.
type Registry struct {
	shards []*shard
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShardCount
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		shards: make([]*shard, cfg.Shards),
		logger: cfg.Logger,
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Apply advances the state machine of the event's session.
func (r *Registry) Apply(e *event.Event) (Transition, error) {
	if e == nil || e.SessionID == "" {
		return Transition{}, fmt.Errorf("apply: %w", ErrSessionNotFound)
	}

	s := r.shardFor(e.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[e.SessionID]
	tr := Transition{SessionID: e.SessionID}

	if !exists {
		sess = &Session{
			ID:        e.SessionID,
			UserID:    e.UserID,
			StartedAt: e.StartedAt,
		}
		s.sessions[e.SessionID] = sess
		tr.Created = true

		if e.Trigger == event.TriggerSessionStart {
			sess.State = StateStarted
		} else {
			// The start hook may have been dropped; treat the session as already active.
			sess.State = StateActive
			tr.Recovered = true
			r.logger.Warn("event for unknown session, recovering as active",
				"session_id", e.SessionID,
				"trigger", string(e.Trigger),
				"event_id", e.ID)
		}
		tr.From = sess.State
	} else {
		tr.From = sess.State
		if sess.UserID == "" {
			sess.UserID = e.UserID
		}
	}

	switch e.Trigger {
	case event.TriggerSessionStart:
		// A repeated start never rewinds an existing session.
	case event.TriggerSessionEnd:
		if sess.State == StateStarted || sess.State == StateActive {
			sess.State = StateEnded
			ended := e.EndedAt()
			sess.EndedAt = &ended
		}
	default:
		if sess.State == StateStarted {
			sess.State = StateActive
		}
	}

	sess.EventCount++
	if e.StartedAt.After(sess.LastEventAt) {
		sess.LastEventAt = e.StartedAt
	}
	tr.To = sess.State
	if tr.Created && !tr.Recovered {
		tr.From = ""
	}
	return tr, nil
}

// Finalize marks an ended session as finalized once its aggregates are flushed.
// Finalizing an already finalized session is a no-op.
func (r *Registry) Finalize(sessionID string) (Transition, error) {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Transition{}, fmt.Errorf("finalize %s: %w", sessionID, ErrSessionNotFound)
	}
	tr := Transition{SessionID: sessionID, From: sess.State}
	switch sess.State {
	case StateFinalized:
	case StateEnded:
		sess.State = StateFinalized
	default:
		return Transition{}, fmt.Errorf("finalize %s from %s: %w", sessionID, sess.State, ErrInvalidTransition)
	}
	tr.To = sess.State
	return tr, nil
}

// IsActive reports whether the session is tracked and has not ended.
func (r *Registry) IsActive(sessionID string) bool {
	s := r.shardFor(sessionID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return ok && (sess.State == StateStarted || sess.State == StateActive)
}

// Get returns a copy of the session.
func (r *Registry) Get(sessionID string) (Session, error) {
	s := r.shardFor(sessionID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return copySession(sess), nil
}

// Snapshot returns copies of all tracked sessions ordered by id.
func (r *Registry) Snapshot() []Session {
	var out []Session
	for _, s := range r.shards {
		s.mu.RLock()
		for _, sess := range s.sessions {
			out = append(out, copySession(sess))
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prune drops finalized sessions whose last event is before the cutoff.
// Returns the number of sessions removed.
func (r *Registry) Prune(before time.Time) int {
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, sess := range s.sessions {
			if sess.State == StateFinalized && sess.LastEventAt.Before(before) {
				delete(s.sessions, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Rebuild replays an ordered event log into the registry.
func (r *Registry) Rebuild(ctx context.Context, events iter.Seq2[*event.Event, error]) (int, error) {
	applied := 0
	for e, err := range events {
		if err != nil {
			return applied, fmt.Errorf("rebuild session registry: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if _, err := r.Apply(e); err != nil {
			return applied, err
		}
		applied++
	}
	r.logger.Info("session registry rebuilt", "events", applied)
	return applied, nil
}

func copySession(s *Session) Session {
	c := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		c.EndedAt = &ended
	}
	return c
}
