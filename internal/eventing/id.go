package eventing

import "github.com/google/uuid"

// NewEventID mints an identifier for billing events and outbox rows.
// The evt- prefix keeps event ids recognizable next to invoice and
// payment ids in logs and audit trails.
func NewEventID() string {
	return "evt-" + uuid.NewString()
}

func newEventID() string {
	return NewEventID()
}
