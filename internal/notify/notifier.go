// Package notify provides event notification for Key-Sentinel.
package notify

import (
	"context"
	"time"
)

// EventType identifies what happened during a rotation lifecycle.
type EventType string

const (
	EventRotationStarted   EventType = "rotation_started"
	EventRotationCompleted EventType = "rotation_completed"
	EventRotationFailed    EventType = "rotation_failed"
	EventRotationCancelled EventType = "rotation_cancelled"
	EventRollbackOK        EventType = "rollback_succeeded"
	EventRollbackFailed    EventType = "rollback_failed"
	EventRetirementWarning EventType = "retirement_warning"
)

// Event represents a notification event.
type Event struct {
	Type           EventType `json:"type"`
	PlanID         string    `json:"plan_id"`
	Reason         string    `json:"reason,omitempty"`
	Target         string    `json:"target,omitempty"`
	OldFingerprint string    `json:"old_fingerprint,omitempty"`
	NewFingerprint string    `json:"new_fingerprint,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors; failures are logged but don't block rotations.
type Multi struct {
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers. The set is fixed
// for the life of the process.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
// Errors are logged but never propagated: notifications must not block the
// rotation runner.
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	if len(m.notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range m.notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed", "provider", n.Name(), "type", string(event.Type), "error", err)
			continue
		}
		anyOK = true
	}
	return anyOK
}
