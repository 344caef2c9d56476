// Package notifications delivers signing-key rotation and renewal events to
// external endpoints. Delivery is best-effort and never fails an invocation.
package notifications

import (
	"context"
)

// Provider defines the interface for sending notifications.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Send sends a notification for the given event.
	Send(ctx context.Context, event Event) error

	// SupportsEvent returns true if this provider handles the given event type.
	SupportsEvent(eventType EventType) bool

	// Validate checks if the provider configuration is valid.
	Validate(ctx context.Context) error
}
