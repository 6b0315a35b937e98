package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation is matched by every error returned from Validate.
var ErrValidation = errors.New("event validation failed")

// ValidationError describes the first field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is allows errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Default sanity window values.
const (
	DefaultMaxFutureSkew   = 5 * time.Minute
	DefaultMaxPastAge      = 7 * 24 * time.Hour
	DefaultMaxMetadataKeys = 64
	maxIDLength            = 128
)

// RawPayload is the loosely-typed body a hook delivers.
type RawPayload struct {
	ID         string         `json:"id,omitempty"`
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	Trigger    string         `json:"trigger"`
	StartedAt  *time.Time     `json:"started_at"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Incomplete bool           `json:"incomplete,omitempty"`
	Sequence   int64          `json:"sequence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ValidatorConfig configures the clock skew guard and metadata bounds.
type ValidatorConfig struct {
	// MaxFutureSkew rejects events whose started_at is further ahead of now.
	MaxFutureSkew time.Duration
	// MaxPastAge rejects events whose started_at is older than now minus this age.
	MaxPastAge time.Duration
	// MaxMetadataKeys bounds the number of metadata entries.
	MaxMetadataKeys int
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Validator turns raw payloads into events. It holds no mutable state.
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator creates a validator, filling zero config values with defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = DefaultMaxFutureSkew
	}
	if cfg.MaxPastAge <= 0 {
		cfg.MaxPastAge = DefaultMaxPastAge
	}
	if cfg.MaxMetadataKeys <= 0 {
		cfg.MaxMetadataKeys = DefaultMaxMetadataKeys
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{cfg: cfg}
}

// Validate normalizes raw into an Event or returns a *ValidationError.
func (v *Validator) Validate(raw RawPayload) (*Event, error) {
	sessionID := strings.TrimSpace(raw.SessionID)
	if sessionID == "" {
		return nil, &ValidationError{Field: "session_id", Reason: "required"}
	}
	if raw.Trigger == "" {
		return nil, &ValidationError{Field: "trigger", Reason: "required"}
	}
	trigger, err := ParseTrigger(raw.Trigger)
	if err != nil {
		return nil, &ValidationError{Field: "trigger", Reason: err.Error()}
	}

	toolName := strings.TrimSpace(raw.ToolName)
	if toolName == "" {
		// Lifecycle hooks carry no tool; name them after the trigger.
		if !trigger.IsLifecycle() {
			return nil, &ValidationError{Field: "tool_name", Reason: "required"}
		}
		toolName = string(trigger)
	}

	if raw.StartedAt == nil || raw.StartedAt.IsZero() {
		return nil, &ValidationError{Field: "started_at", Reason: "required"}
	}
	startedAt := raw.StartedAt.UTC()
	now := v.cfg.Now()
	if startedAt.After(now.Add(v.cfg.MaxFutureSkew)) {
		return nil, &ValidationError{Field: "started_at", Reason: fmt.Sprintf("more than %s in the future", v.cfg.MaxFutureSkew)}
	}
	if startedAt.Before(now.Add(-v.cfg.MaxPastAge)) {
		return nil, &ValidationError{Field: "started_at", Reason: fmt.Sprintf("older than %s", v.cfg.MaxPastAge)}
	}

	var duration int64
	if raw.DurationMs != nil {
		duration = *raw.DurationMs
	}
	if duration < 0 {
		return nil, &ValidationError{Field: "duration_ms", Reason: "must not be negative"}
	}
	if raw.Sequence < 0 {
		return nil, &ValidationError{Field: "sequence", Reason: "must not be negative"}
	}
	if len(raw.Metadata) > v.cfg.MaxMetadataKeys {
		return nil, &ValidationError{Field: "metadata", Reason: fmt.Sprintf("more than %d keys", v.cfg.MaxMetadataKeys)}
	}

	id := strings.TrimSpace(raw.ID)
	if len(id) > maxIDLength {
		return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("longer than %d characters", maxIDLength)}
	}
	if id == "" {
		id = ComputeID(sessionID, toolName, startedAt, raw.Sequence)
	}

	success := true
	if raw.Success != nil {
		success = *raw.Success
	}

	e := &Event{
		ID:         id,
		SessionID:  sessionID,
		UserID:     strings.TrimSpace(raw.UserID),
		ToolName:   toolName,
		Trigger:    trigger,
		StartedAt:  startedAt,
		DurationMs: duration,
		Success:    success,
		Incomplete: raw.Incomplete,
		Sequence:   raw.Sequence,
	}
	if len(raw.Metadata) > 0 {
		e.Metadata = make(map[string]any, len(raw.Metadata))
		for k, val := range raw.Metadata {
			e.Metadata[k] = val
		}
	}
	return e, nil
}
