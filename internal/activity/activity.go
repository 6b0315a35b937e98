// Package activity defines the activity_update records shared by the live
// feed and the recent-activity query.
package activity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type classifies an activity update.
type Type string

// Activity types.
const (
	TypeToolUse         Type = "tool_use"
	TypeSessionStart    Type = "session_start"
	TypeSessionEnd      Type = "session_end"
	TypeBucketClosed    Type = "bucket_closed"
	TypeBucketCorrected Type = "bucket_corrected"
	TypeScoreUpdate     Type = "score_update"
	TypeAnomaly         Type = "anomaly"
	// TypeGap is only produced by the broadcaster when a subscriber queue overflowed.
	TypeGap Type = "gap"
)

var knownTypes = map[Type]bool{
	TypeToolUse:         true,
	TypeSessionStart:    true,
	TypeSessionEnd:      true,
	TypeBucketClosed:    true,
	TypeBucketCorrected: true,
	TypeScoreUpdate:     true,
	TypeAnomaly:         true,
	TypeGap:             true,
}

// ParseType validates an activity type name.
func ParseType(s string) (Type, error) {
	if knownTypes[Type(s)] {
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown activity type %q", s)
}

// Update is the activity_update wire shape.
type Update struct {
	ID          string         `json:"id" cbor:"1,keyasint"`
	Type        Type           `json:"type" cbor:"2,keyasint"`
	SubjectID   string         `json:"subject_id" cbor:"3,keyasint"`
	SubjectName string         `json:"subject_name" cbor:"4,keyasint"`
	Timestamp   time.Time      `json:"timestamp" cbor:"5,keyasint"`
	Description string         `json:"description" cbor:"6,keyasint"`
	Metadata    map[string]any `json:"metadata,omitempty" cbor:"7,keyasint,omitempty"`
}

// New creates an update with a fresh id.
func New(t Type, subjectID, subjectName, description string, at time.Time, metadata map[string]any) Update {
	return Update{
		ID:          uuid.New().String(),
		Type:        t,
		SubjectID:   subjectID,
		SubjectName: subjectName,
		Timestamp:   at.UTC(),
		Description: description,
		Metadata:    metadata,
	}
}

// Meta returns a metadata value as a string, or "" if absent.
func (u Update) Meta(key string) string {
	v, ok := u.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Query filters the persisted activity log.
type Query struct {
	Limit     int
	Offset    int
	Type      Type
	SubjectID string
	Since     time.Time
}
