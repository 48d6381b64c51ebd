// Package hooks defines the extension system for signoff. Extensions
// are notified of lifecycle events (task created, decision recorded,
// message sent, etc.) and can react to them — audit trails, metrics,
// cache invalidation.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hooks

import (
	"context"
	"time"

	"github.com/xraph/signoff/outbox"
	"github.com/xraph/signoff/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskCreated is called after a task and its approval slots are persisted.
type TaskCreated interface {
	OnTaskCreated(ctx context.Context, t *task.Task) error
}

// DecisionRecorded is called after an approver's decision is stored.
type DecisionRecorded interface {
	OnDecisionRecorded(ctx context.Context, t *task.Task, a *task.Approval) error
}

// TaskApproved is called once, when the final approval lands and the
// task transitions to approved.
type TaskApproved interface {
	OnTaskApproved(ctx context.Context, t *task.Task) error
}

// ──────────────────────────────────────────────────
// Message lifecycle hooks
// ──────────────────────────────────────────────────

// MessageEnqueued is called after a notification is written to the outbox.
type MessageEnqueued interface {
	OnMessageEnqueued(ctx context.Context, m *outbox.Message) error
}

// MessageSent is called after a delivery attempt succeeds.
type MessageSent interface {
	OnMessageSent(ctx context.Context, m *outbox.Message, elapsed time.Duration) error
}

// MessageRetrying is called when a delivery attempt fails but the
// message remains eligible for another attempt.
type MessageRetrying interface {
	OnMessageRetrying(ctx context.Context, m *outbox.Message, attempt int, notBefore time.Time) error
}

// MessageDeadLettered is called when a delivery attempt fails and the
// message has exhausted its retry allowance.
type MessageDeadLettered interface {
	OnMessageDeadLettered(ctx context.Context, m *outbox.Message, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// DrainStarted is called when a drain pass begins on the leader.
type DrainStarted interface {
	OnDrainStarted(ctx context.Context) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
