// Package event defines the hook events flowing through the telemetry pipeline
// and validates raw hook payloads into typed events.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Trigger identifies the hook point that produced an event.
type Trigger string

// Supported hook triggers.
const (
	TriggerSessionStart Trigger = "SessionStart"
	TriggerSessionEnd   Trigger = "SessionEnd"
	TriggerPostToolUse  Trigger = "PostToolUse"
)

// ParseTrigger parses a trigger name. Matching is case-insensitive and
// accepts snake_case spellings (session_start, post_tool_use).
func ParseTrigger(s string) (Trigger, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	switch normalized {
	case "sessionstart":
		return TriggerSessionStart, nil
	case "sessionend":
		return TriggerSessionEnd, nil
	case "posttooluse":
		return TriggerPostToolUse, nil
	}
	return "", fmt.Errorf("unknown trigger %q", s)
}

// IsLifecycle reports whether the trigger marks a session boundary.
func (t Trigger) IsLifecycle() bool {
	return t == TriggerSessionStart || t == TriggerSessionEnd
}

// Event is a validated hook event. Events are immutable once persisted.
type Event struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	Trigger    Trigger        `json:"trigger"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMs int64          `json:"duration_ms"`
	Success    bool           `json:"success"`
	Incomplete bool           `json:"incomplete,omitempty"` // async hook timed out before full delivery
	Sequence   int64          `json:"sequence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EndedAt returns the instant the tool execution finished.
func (e *Event) EndedAt() time.Time {
	return e.StartedAt.Add(time.Duration(e.DurationMs) * time.Millisecond)
}

// Clone returns a copy of the event that shares no mutable state with e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ComputeID derives the deterministic event id used when a hook does not
// supply one. Re-delivery of the same payload yields the same id.
func ComputeID(sessionID, toolName string, startedAt time.Time, sequence int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", sessionID, toolName, startedAt.UTC().Format(time.RFC3339Nano), sequence)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
