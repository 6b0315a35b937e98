// Package broadcast fans live activity updates out to subscribed clients.
// Publishing never blocks: each subscriber owns a bounded queue that drops
// its oldest entries on overflow and reports the loss with a gap marker.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/hookpulse/internal/activity"
)

// EventName is the live feed event name carried in every envelope.
const EventName = "activity_update"

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 256

// ErrClosed is returned by Next once the subscription ended.
var ErrClosed = errors.New("subscription closed")

// Envelope is the JSON frame sent to live clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  activity.Update `json:"data"`
}

// Filter selects the updates a subscriber receives. Empty fields match all.
type Filter struct {
	Types     []activity.Type
	ToolNames []string
	UserID    string
	// SubjectID matches the update subject or its session.
	SubjectID string
	Since     time.Time
	Until     time.Time
}

// Matches reports whether u passes the filter.
func (f Filter) Matches(u activity.Update) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, u.Type) {
		return false
	}
	if len(f.ToolNames) > 0 && !slices.Contains(f.ToolNames, u.Meta("tool_name")) {
		return false
	}
	if f.UserID != "" && u.SubjectID != f.UserID && u.Meta("user_id") != f.UserID {
		return false
	}
	if f.SubjectID != "" && u.SubjectID != f.SubjectID && u.Meta("session_id") != f.SubjectID {
		return false
	}
	if !f.Since.IsZero() && u.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && u.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Message is a queued update with its pre-serialized frame.
type Message struct {
	Update      activity.Update
	Data        []byte
	PublishedAt time.Time
}

// Forwarder receives every locally published update, e.g. to relay it to
// other instances. Forward must not block.
type Forwarder interface {
	Forward(u activity.Update)
}

// Config configures a Broadcaster.
type Config struct {
	QueueSize int
	Logger    *slog.Logger
	Metrics   *Metrics
}

// Broadcaster manages subscriptions and distributes updates to them.
type Broadcaster struct {
	cfg Config
	now func() time.Time

	mu        sync.RWMutex
	subs      map[string]*Subscription
	forwarder Forwarder
}

// New creates a Broadcaster.
func New(cfg Config) *Broadcaster {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broadcaster{cfg: cfg, now: time.Now, subs: make(map[string]*Subscription)}
}

// SetForwarder installs the relay for locally published updates.
func (b *Broadcaster) SetForwarder(f Forwarder) {
	b.mu.Lock()
	b.forwarder = f
	b.mu.Unlock()
}

// Subscribe registers a subscriber with the given filter.
func (b *Broadcaster) Subscribe(filter Filter) *Subscription {
	s := &Subscription{
		id:      uuid.New().String(),
		filter:  filter,
		queue:   make([]Message, b.cfg.QueueSize),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		metrics: b.cfg.Metrics,
		now:     b.now,
	}
	b.mu.Lock()
	b.subs[s.id] = s
	n := len(b.subs)
	b.mu.Unlock()
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.SetSubscribers(float64(n))
	}
	return s
}

// Unsubscribe removes the subscription and closes it. It is idempotent.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s.id)
	n := len(b.subs)
	b.mu.Unlock()
	s.close()
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.SetSubscribers(float64(n))
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers u to every matching local subscriber and hands it to
// the forwarder. It never blocks on slow subscribers.
func (b *Broadcaster) Publish(u activity.Update) {
	b.Deliver(u)
	b.mu.RLock()
	f := b.forwarder
	b.mu.RUnlock()
	if f != nil {
		f.Forward(u)
	}
}

// Emit publishes u. It lets the broadcaster act as an activity sink.
func (b *Broadcaster) Emit(_ context.Context, u activity.Update) {
	b.Publish(u)
}

// Deliver enqueues u on matching local subscribers only.
func (b *Broadcaster) Deliver(u activity.Update) {
	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.Matches(u) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()
	if len(matched) == 0 {
		return
	}

	// Serialize once for every subscriber.
	data, err := json.Marshal(Envelope{Event: EventName, Data: u})
	if err != nil {
		b.cfg.Logger.Error("failed to marshal activity update", "activity_id", u.ID, "error", err)
		return
	}
	msg := Message{Update: u, Data: data, PublishedAt: b.now()}
	for _, s := range matched {
		if s.enqueue(msg) && b.cfg.Metrics != nil {
			b.cfg.Metrics.IncDropped()
		}
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.IncPublished(string(u.Type))
	}
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.SetSubscribers(0)
	}
}

// Subscription is a subscriber's bounded queue. Consume it with C and
// TryNext, or with Next.
type Subscription struct {
	id      string
	filter  Filter
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	queue   []Message // ring buffer
	head    int
	size    int
	dropped int
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// Filter returns the subscriber's filter.
func (s *Subscription) Filter() Filter { return s.filter }

// C is signalled when messages may be available.
func (s *Subscription) C() <-chan struct{} { return s.notify }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// enqueue appends m, dropping the oldest entry when full. It reports
// whether a message was dropped.
func (s *Subscription) enqueue(m Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if s.size == len(s.queue) {
		s.queue[s.head] = Message{}
		s.head = (s.head + 1) % len(s.queue)
		s.size--
		s.dropped++
		dropped = true
	}
	s.queue[(s.head+s.size)%len(s.queue)] = m
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryNext pops the next message without waiting. A pending gap marker is
// returned before any queued message.
func (s *Subscription) TryNext() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped > 0 {
		n := s.dropped
		s.dropped = 0
		return s.gapLocked(n), true
	}
	if s.size == 0 {
		return Message{}, false
	}
	m := s.queue[s.head]
	s.queue[s.head] = Message{}
	s.head = (s.head + 1) % len(s.queue)
	s.size--
	if s.metrics != nil {
		s.metrics.ObserveDeliveryLatency(s.now().Sub(m.PublishedAt).Seconds())
	}
	return m, true
}

func (s *Subscription) gapLocked(n int) Message {
	u := activity.New(activity.TypeGap, "", "", fmt.Sprintf("%d live updates dropped; poll recent activities to catch up", n),
		s.now(), map[string]any{"dropped": n})
	data, _ := json.Marshal(Envelope{Event: EventName, Data: u})
	return Message{Update: u, Data: data, PublishedAt: s.now()}
}

// Next waits for the next message, the end of the subscription or ctx.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		if m, ok := s.TryNext(); ok {
			return m, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if m, ok := s.TryNext(); ok {
				return m, nil
			}
			return Message{}, ErrClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Len returns the number of queued messages.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
