// Package history defines an optional audit trail of worker lifecycle events.
package history

import (
	"context"
	"time"
)

// EventType is the kind of lifecycle event.
type EventType string

const (
	EventLaunch EventType = "launch"
	EventStop   EventType = "stop"
)

// Event is one supervisor action worth auditing.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	WorkerID   string    `json:"worker_id"`
	Kind       string    `json:"kind"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink receives events. Implementations must be safe for concurrent use;
// sink failures are logged by callers, never propagated.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
