package notifications

import (
	"time"
)

// EventType represents the type of signing-key event.
type EventType string

const (
	// EventTypeCompleted indicates a rotation was promoted or a renewal wrote a
	// new credential.
	EventTypeCompleted EventType = "completed"

	// EventTypeFailed indicates a rotation step or renewal failed.
	EventTypeFailed EventType = "failed"

	// EventTypeSkipped indicates a renewal found the credential not yet due.
	EventTypeSkipped EventType = "skipped"
)

// Event describes the outcome of one invocation.
type Event struct {
	// Type is the type of event.
	Type EventType

	// SecretID is the secret holding the signing key.
	SecretID string

	// Mode is "rotation" or "renewal".
	Mode string

	// Step is the rotation step, empty for renewals.
	Step string

	// Outcome is the step outcome or renewal action.
	Outcome string

	// VersionID is the rotation token, empty for renewals.
	VersionID string

	// KeyID identifies the signing key in effect afterwards, if known.
	KeyID string

	// ExpiresAt is when that key expires, if known.
	ExpiresAt time.Time

	// Error contains the error if the invocation failed.
	Error error

	// Duration is how long the invocation took.
	Duration time.Duration

	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// AllEventTypes returns all valid event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeCompleted,
		EventTypeFailed,
		EventTypeSkipped,
	}
}
