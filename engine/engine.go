// Package engine wires all signoff subsystems together: the extension
// registry, middleware chain, delivery dispatcher, and drain scheduler —
// and exposes the approval operations.
//
// This package exists to break the import cycle: the root signoff package
// defines Entity and the sentinel errors (imported by task, outbox, etc.)
// and so cannot import those packages back. The engine package sits above
// all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/backoff"
	"github.com/xraph/signoff/cluster"
	"github.com/xraph/signoff/drain"
	"github.com/xraph/signoff/hooks"
	"github.com/xraph/signoff/id"
	"github.com/xraph/signoff/identity"
	mw "github.com/xraph/signoff/middleware"
	"github.com/xraph/signoff/outbox"
	"github.com/xraph/signoff/sender"
	"github.com/xraph/signoff/task"
	"github.com/xraph/signoff/transport"
)

// Engine wraps a Service with typed subsystem access.
// Use Build() to create one from a Service.
type Engine struct {
	svc        *signoff.Service
	taskStore  task.Store
	outbox     outbox.Store
	cluster    cluster.Store
	resolver   identity.Resolver
	transport  transport.Sender
	extensions *hooks.Registry
	bo         backoff.Strategy
	mws        []mw.Middleware
	limiter    *rate.Limiter
	logger     *slog.Logger

	sender  *sender.Sender
	drainer *drain.Drainer

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the identity resolver used to validate participants.
func WithResolver(r identity.Resolver) Option {
	return func(eng *Engine) { eng.resolver = r }
}

// WithTransport sets the delivery transport.
func WithTransport(t transport.Sender) Option {
	return func(eng *Engine) { eng.transport = t }
}

// WithHook registers a lifecycle extension with the engine.
func WithHook(e hooks.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware appends middleware to the delivery chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy.
// If not set, backoff.DefaultStrategy() is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithRateLimit throttles outbound transmissions across all sender
// workers.
func WithRateLimit(l *rate.Limiter) Option {
	return func(eng *Engine) { eng.limiter = l }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware uses this provider instead of the
// global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build creates an Engine from a Service. The Service's store must
// implement task.Store, outbox.Store, and cluster.Store (any store.Store
// backend does). A resolver and a transport are required.
func Build(svc *signoff.Service, opts ...Option) (*Engine, error) {
	logger := svc.Logger()
	st := svc.Store()

	if st == nil {
		return nil, signoff.ErrNoStore
	}

	ts, ok := st.(task.Store)
	if !ok {
		return nil, fmt.Errorf("signoff: store does not implement task.Store")
	}
	os, ok := st.(outbox.Store)
	if !ok {
		return nil, fmt.Errorf("signoff: store does not implement outbox.Store")
	}
	cls, ok := st.(cluster.Store)
	if !ok {
		return nil, fmt.Errorf("signoff: store does not implement cluster.Store")
	}

	eng := &Engine{
		svc:        svc,
		taskStore:  ts,
		outbox:     os,
		cluster:    cls,
		extensions: hooks.NewRegistry(logger),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.resolver == nil {
		return nil, signoff.ErrNoResolver
	}
	if eng.transport == nil {
		return nil, signoff.ErrNoTransport
	}
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	cfg := svc.Config()

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/xraph/signoff")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/signoff")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(cfg.SendTimeout),
	}
	allMws = append(allMws, eng.mws...)

	eng.sender = sender.New(os, eng.transport, eng.extensions, logger,
		sender.WithWorkers(cfg.SenderConcurrency),
		sender.WithBacklog(cfg.SenderBacklog),
		sender.WithMaxRetries(cfg.MaxRetries),
		sender.WithBackoff(eng.bo),
		sender.WithRateLimit(eng.limiter),
		sender.WithMiddleware(allMws...),
	)

	drainer, err := drain.New(os, cls, eng.sender.Submit, eng.extensions, cfg.DrainSchedule, logger,
		drain.WithPageSize(cfg.DrainPageSize),
		drain.WithMaxRetries(cfg.MaxRetries),
		drain.WithLeaderTTL(cfg.LeaderTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("signoff: parse drain schedule %q: %w", cfg.DrainSchedule, err)
	}
	eng.drainer = drainer

	// Wire back into the Service: sender starts before the drainer and
	// stops after it, so a drain pass never submits into a dead pool.
	svc.SetRunners(eng.sender, eng.drainer)
	svc.SetHooks(eng.extensions)

	return eng, nil
}

// Extensions returns the engine's hook registry.
func (eng *Engine) Extensions() *hooks.Registry { return eng.extensions }

// ──────────────────────────────────────────────────
// Approval operations
// ──────────────────────────────────────────────────

// CreateTask validates the participants, persists the task with one
// pending approval record per approver, and queues one assignment
// notification per approver.
//
// The creator must resolve and must not appear in the approver list.
// Every approver is resolved before anything is persisted; one unknown
// approver aborts the whole operation.
func (eng *Engine) CreateTask(ctx context.Context, description, creator string, approvers []string) (*task.View, error) {
	if _, err := eng.resolver.Resolve(ctx, creator); err != nil {
		return nil, fmt.Errorf("resolve creator %q: %w", creator, err)
	}

	unique := normalize(approvers)
	for _, a := range unique {
		if a == creator {
			return nil, fmt.Errorf("creator %q cannot approve their own task: %w", creator, signoff.ErrInvalidParticipant)
		}
	}
	for _, a := range unique {
		if _, err := eng.resolver.Resolve(ctx, a); err != nil {
			return nil, fmt.Errorf("resolve approver %q: %w", a, err)
		}
	}

	t := &task.Task{
		Entity:      signoff.NewEntity(),
		ID:          id.NewTaskID(),
		Description: description,
		Creator:     creator,
		Approvers:   unique,
		Status:      task.StatusPending,
	}
	approvals := make([]*task.Approval, 0, len(unique))
	for _, a := range unique {
		approvals = append(approvals, &task.Approval{
			Entity:   signoff.NewEntity(),
			ID:       id.NewApprovalID(),
			TaskID:   t.ID,
			Approver: a,
			Status:   task.StatusPending,
		})
	}

	if err := eng.taskStore.CreateTask(ctx, t, approvals); err != nil {
		return nil, err
	}

	eng.extensions.EmitTaskCreated(ctx, t)

	for _, a := range unique {
		eng.enqueue(ctx, a,
			"Task Approval Request",
			fmt.Sprintf("You have been assigned to approve task %s: %s", t.ID, t.Description),
		)
	}

	eng.logger.Info("task created",
		slog.String("task_id", t.ID.String()),
		slog.String("creator", creator),
		slog.Int("approvers", len(unique)),
	)

	return task.Project(t, approvals), nil
}

// RecordDecision records one approver's decision on a task. An approved
// record is final; a rejected record may be amended by a later decision.
// When the recorded decision completes the approver set, the task
// transitions to approved exactly once and every participant is notified.
func (eng *Engine) RecordDecision(ctx context.Context, taskID id.TaskID, approver string, decision task.Status, comment string) (*task.View, error) {
	if decision != task.StatusApproved && decision != task.StatusRejected {
		return nil, fmt.Errorf("signoff: decision must be approved or rejected, got %q", decision)
	}

	t, err := eng.taskStore.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := eng.resolver.Resolve(ctx, approver); err != nil {
		return nil, fmt.Errorf("resolve approver %q: %w", approver, err)
	}

	a, err := eng.taskStore.DecideApproval(ctx, taskID, approver, decision, comment, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	eng.extensions.EmitDecisionRecorded(ctx, t, a)

	if decision == task.StatusApproved {
		eng.enqueue(ctx, t.Creator,
			fmt.Sprintf("Task %s Approved", t.ID),
			fmt.Sprintf("Task %s has been approved by assigned approver %s", t.ID, approver),
		)
	}

	approvals, err := eng.taskStore.ListApprovals(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if decision == task.StatusApproved && allApproved(approvals) {
		fired, trErr := eng.taskStore.TransitionTask(ctx, taskID, task.StatusPending, task.StatusApproved)
		if trErr != nil {
			return nil, trErr
		}
		if fired {
			t.Status = task.StatusApproved
			eng.extensions.EmitTaskApproved(ctx, t)

			for _, recipient := range append(append([]string(nil), t.Approvers...), t.Creator) {
				eng.enqueue(ctx, recipient,
					fmt.Sprintf("Task %s Approved", t.ID),
					fmt.Sprintf("Task %s has been fully approved by all assigned approvers.", t.ID),
				)
			}

			eng.logger.Info("task fully approved",
				slog.String("task_id", t.ID.String()),
			)
		}
	}

	// Reload so the view reflects the status write.
	t, err = eng.taskStore.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return task.Project(t, approvals), nil
}

// GetTask returns the projected view of a task.
func (eng *Engine) GetTask(ctx context.Context, taskID id.TaskID) (*task.View, error) {
	t, err := eng.taskStore.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	approvals, err := eng.taskStore.ListApprovals(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return task.Project(t, approvals), nil
}

// TasksByCreator returns the creator's tasks grouped by status.
func (eng *Engine) TasksByCreator(ctx context.Context, creator string) (map[task.Status][]*task.Task, error) {
	tasks, err := eng.taskStore.ListTasksByCreator(ctx, creator)
	if err != nil {
		return nil, err
	}
	grouped := make(map[task.Status][]*task.Task)
	for _, t := range tasks {
		grouped[t.Status] = append(grouped[t.Status], t)
	}
	return grouped, nil
}

// ApprovalsByApprover returns the approver's assignment records grouped
// by decision status.
func (eng *Engine) ApprovalsByApprover(ctx context.Context, approver string) (map[task.Status][]*task.Approval, error) {
	approvals, err := eng.taskStore.ListApprovalsByApprover(ctx, approver)
	if err != nil {
		return nil, err
	}
	grouped := make(map[task.Status][]*task.Approval)
	for _, a := range approvals {
		grouped[a.Status] = append(grouped[a.Status], a)
	}
	return grouped, nil
}

// ──────────────────────────────────────────────────
// Outbox administration
// ──────────────────────────────────────────────────

// DeadLetters returns messages that have exhausted their retry budget.
func (eng *Engine) DeadLetters(ctx context.Context, opts outbox.ListOpts) ([]*outbox.Message, error) {
	return eng.outbox.ListDeadLetters(ctx, eng.svc.Config().MaxRetries, opts)
}

// RequeueDeadLetter resets a dead letter for fresh delivery on the next
// drain pass.
func (eng *Engine) RequeueDeadLetter(ctx context.Context, msgID id.MessageID) error {
	return eng.outbox.RequeueMessage(ctx, msgID)
}

// Messages lists outbox messages in the given state.
func (eng *Engine) Messages(ctx context.Context, status outbox.Status, opts outbox.ListOpts) ([]*outbox.Message, error) {
	return eng.outbox.ListMessages(ctx, status, opts)
}

// CountMessages counts outbox messages matching the options.
func (eng *Engine) CountMessages(ctx context.Context, opts outbox.CountOpts) (int64, error) {
	return eng.outbox.CountMessages(ctx, opts)
}

// Drain runs one drain pass immediately, regardless of schedule or
// leadership. Useful for tests and operational tooling.
func (eng *Engine) Drain(ctx context.Context) error {
	return eng.drainer.Drain(ctx)
}

// ──────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────

// enqueue writes a notification to the outbox and emits the hook. An
// enqueue failure is logged, not propagated: the approval write already
// happened and must not be rolled back by a notification problem.
func (eng *Engine) enqueue(ctx context.Context, recipient, subject, body string) {
	m := outbox.New(recipient, subject, body)
	if err := eng.outbox.EnqueueMessage(ctx, m); err != nil {
		eng.logger.Error("failed to enqueue notification",
			slog.String("recipient", recipient),
			slog.String("error", err.Error()),
		)
		return
	}
	eng.extensions.EmitMessageEnqueued(ctx, m)
}

// normalize dedupes the approver list while preserving first-seen order.
func normalize(approvers []string) []string {
	seen := make(map[string]struct{}, len(approvers))
	unique := make([]string, 0, len(approvers))
	for _, a := range approvers {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		unique = append(unique, a)
	}
	return unique
}

// allApproved reports whether every approval record is in StatusApproved.
// Records exist exactly for the assigned approver set, so this is the
// set-equality consensus check.
func allApproved(approvals []*task.Approval) bool {
	if len(approvals) == 0 {
		return false
	}
	for _, a := range approvals {
		if a.Status != task.StatusApproved {
			return false
		}
	}
	return true
}
