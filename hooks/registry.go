package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/signoff/outbox"
	"github.com/xraph/signoff/task"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type taskCreatedEntry struct {
	name string
	hook TaskCreated
}

type decisionRecordedEntry struct {
	name string
	hook DecisionRecorded
}

type taskApprovedEntry struct {
	name string
	hook TaskApproved
}

type messageEnqueuedEntry struct {
	name string
	hook MessageEnqueued
}

type messageSentEntry struct {
	name string
	hook MessageSent
}

type messageRetryingEntry struct {
	name string
	hook MessageRetrying
}

type messageDeadLetteredEntry struct {
	name string
	hook MessageDeadLettered
}

type drainStartedEntry struct {
	name string
	hook DrainStarted
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	taskCreated         []taskCreatedEntry
	decisionRecorded    []decisionRecordedEntry
	taskApproved        []taskApprovedEntry
	messageEnqueued     []messageEnqueuedEntry
	messageSent         []messageSentEntry
	messageRetrying     []messageRetryingEntry
	messageDeadLettered []messageDeadLetteredEntry
	drainStarted        []drainStartedEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(TaskCreated); ok {
		r.taskCreated = append(r.taskCreated, taskCreatedEntry{name, h})
	}
	if h, ok := e.(DecisionRecorded); ok {
		r.decisionRecorded = append(r.decisionRecorded, decisionRecordedEntry{name, h})
	}
	if h, ok := e.(TaskApproved); ok {
		r.taskApproved = append(r.taskApproved, taskApprovedEntry{name, h})
	}
	if h, ok := e.(MessageEnqueued); ok {
		r.messageEnqueued = append(r.messageEnqueued, messageEnqueuedEntry{name, h})
	}
	if h, ok := e.(MessageSent); ok {
		r.messageSent = append(r.messageSent, messageSentEntry{name, h})
	}
	if h, ok := e.(MessageRetrying); ok {
		r.messageRetrying = append(r.messageRetrying, messageRetryingEntry{name, h})
	}
	if h, ok := e.(MessageDeadLettered); ok {
		r.messageDeadLettered = append(r.messageDeadLettered, messageDeadLetteredEntry{name, h})
	}
	if h, ok := e.(DrainStarted); ok {
		r.drainStarted = append(r.drainStarted, drainStartedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Task event emitters
// ──────────────────────────────────────────────────

// EmitTaskCreated notifies all extensions that implement TaskCreated.
func (r *Registry) EmitTaskCreated(ctx context.Context, t *task.Task) {
	for _, e := range r.taskCreated {
		if err := e.hook.OnTaskCreated(ctx, t); err != nil {
			r.logHookError("OnTaskCreated", e.name, err)
		}
	}
}

// EmitDecisionRecorded notifies all extensions that implement DecisionRecorded.
func (r *Registry) EmitDecisionRecorded(ctx context.Context, t *task.Task, a *task.Approval) {
	for _, e := range r.decisionRecorded {
		if err := e.hook.OnDecisionRecorded(ctx, t, a); err != nil {
			r.logHookError("OnDecisionRecorded", e.name, err)
		}
	}
}

// EmitTaskApproved notifies all extensions that implement TaskApproved.
func (r *Registry) EmitTaskApproved(ctx context.Context, t *task.Task) {
	for _, e := range r.taskApproved {
		if err := e.hook.OnTaskApproved(ctx, t); err != nil {
			r.logHookError("OnTaskApproved", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Message event emitters
// ──────────────────────────────────────────────────

// EmitMessageEnqueued notifies all extensions that implement MessageEnqueued.
func (r *Registry) EmitMessageEnqueued(ctx context.Context, m *outbox.Message) {
	for _, e := range r.messageEnqueued {
		if err := e.hook.OnMessageEnqueued(ctx, m); err != nil {
			r.logHookError("OnMessageEnqueued", e.name, err)
		}
	}
}

// EmitMessageSent notifies all extensions that implement MessageSent.
func (r *Registry) EmitMessageSent(ctx context.Context, m *outbox.Message, elapsed time.Duration) {
	for _, e := range r.messageSent {
		if err := e.hook.OnMessageSent(ctx, m, elapsed); err != nil {
			r.logHookError("OnMessageSent", e.name, err)
		}
	}
}

// EmitMessageRetrying notifies all extensions that implement MessageRetrying.
func (r *Registry) EmitMessageRetrying(ctx context.Context, m *outbox.Message, attempt int, notBefore time.Time) {
	for _, e := range r.messageRetrying {
		if err := e.hook.OnMessageRetrying(ctx, m, attempt, notBefore); err != nil {
			r.logHookError("OnMessageRetrying", e.name, err)
		}
	}
}

// EmitMessageDeadLettered notifies all extensions that implement MessageDeadLettered.
func (r *Registry) EmitMessageDeadLettered(ctx context.Context, m *outbox.Message, deliveryErr error) {
	for _, e := range r.messageDeadLettered {
		if err := e.hook.OnMessageDeadLettered(ctx, m, deliveryErr); err != nil {
			r.logHookError("OnMessageDeadLettered", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitDrainStarted notifies all extensions that implement DrainStarted.
func (r *Registry) EmitDrainStarted(ctx context.Context) {
	for _, e := range r.drainStarted {
		if err := e.hook.OnDrainStarted(ctx); err != nil {
			r.logHookError("OnDrainStarted", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
