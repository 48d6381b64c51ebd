package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/engine"
	"github.com/xraph/signoff/id"
	"github.com/xraph/signoff/identity"
	"github.com/xraph/signoff/outbox"
	"github.com/xraph/signoff/store/memory"
	"github.com/xraph/signoff/task"
	"github.com/xraph/signoff/transport"
)

func testResolver() *identity.Static {
	return identity.NewStatic(
		identity.Identity{Handle: "alice", Name: "Alice"},
		identity.Identity{Handle: "bob", Name: "Bob"},
		identity.Identity{Handle: "carol", Name: "Carol"},
	)
}

func newEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()

	st := memory.New()
	svc, err := signoff.New(signoff.WithStore(st))
	if err != nil {
		t.Fatalf("signoff.New: %v", err)
	}

	base := []engine.Option{
		engine.WithResolver(testResolver()),
		engine.WithTransport(transport.Func(func(_ context.Context, _, _, _ string) error {
			return nil
		})),
	}
	eng, err := engine.Build(svc, append(base, opts...)...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng, st
}

func queuedCount(t *testing.T, st *memory.Store) int64 {
	t.Helper()
	n, err := st.CountMessages(context.Background(), outbox.CountOpts{Status: outbox.StatusQueued})
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	return n
}

// ──────────────────────────────────────────────────
// CreateTask
// ──────────────────────────────────────────────────

func TestCreateTask_QueuesAssignmentPerApprover(t *testing.T) {
	t.Parallel()

	eng, st := newEngine(t)
	ctx := context.Background()

	view, err := eng.CreateTask(ctx, "upgrade prod database", "alice", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if view.Status != task.StatusPending {
		t.Errorf("expected pending, got %s", view.Status)
	}
	if len(view.Approvers) != 2 || len(view.ApprovedBy) != 0 {
		t.Errorf("unexpected view: %+v", view)
	}

	if got := queuedCount(t, st); got != 2 {
		t.Errorf("expected 2 queued assignment messages, got %d", got)
	}

	msgs, err := st.ListMessages(ctx, outbox.StatusQueued, outbox.ListOpts{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for _, m := range msgs {
		if m.Subject != "Task Approval Request" {
			t.Errorf("unexpected subject %q", m.Subject)
		}
	}
}

func TestCreateTask_DedupesApprovers(t *testing.T) {
	t.Parallel()

	eng, st := newEngine(t)
	ctx := context.Background()

	view, err := eng.CreateTask(ctx, "rotate keys", "alice", []string{"bob", "bob", "carol", "bob"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if len(view.Approvers) != 2 {
		t.Errorf("expected deduped approver set of 2, got %v", view.Approvers)
	}
	if got := queuedCount(t, st); got != 2 {
		t.Errorf("expected 2 messages after dedupe, got %d", got)
	}
}

func TestCreateTask_CreatorCannotApprove(t *testing.T) {
	t.Parallel()

	eng, st := newEngine(t)
	ctx := context.Background()

	_, err := eng.CreateTask(ctx, "self-approved deploy", "alice", []string{"alice", "bob"})
	if !errors.Is(err, signoff.ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant, got %v", err)
	}

	// Nothing may be persisted.
	if got := queuedCount(t, st); got != 0 {
		t.Errorf("expected no messages, got %d", got)
	}
	grouped, err := eng.TasksByCreator(ctx, "alice")
	if err != nil {
		t.Fatalf("TasksByCreator: %v", err)
	}
	if len(grouped) != 0 {
		t.Errorf("expected no tasks, got %v", grouped)
	}
}

func TestCreateTask_UnknownCreator(t *testing.T) {
	t.Parallel()

	eng, _ := newEngine(t)

	_, err := eng.CreateTask(context.Background(), "d", "mallory", []string{"bob"})
	if !errors.Is(err, signoff.ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestCreateTask_UnknownApproverAbortsAll(t *testing.T) {
	t.Parallel()

	eng, st := newEngine(t)
	ctx := context.Background()

	_, err := eng.CreateTask(ctx, "d", "alice", []string{"bob", "mallory"})
	if !errors.Is(err, signoff.ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}

	// One unknown approver aborts the whole operation: no task, no
	// approval records, no messages — not even for the known approver.
	if got := queuedCount(t, st); got != 0 {
		t.Errorf("expected no messages, got %d", got)
	}
	grouped, err := eng.TasksByCreator(ctx, "alice")
	if err != nil {
		t.Fatalf("TasksByCreator: %v", err)
	}
	if len(grouped) != 0 {
		t.Errorf("expected no tasks, got %v", grouped)
	}
}

// ──────────────────────────────────────────────────
// RecordDecision
// ──────────────────────────────────────────────────

func TestRecordDecision_FirstApprovalNotifiesCreator(t *testing.T) {
	t.Parallel()

	eng, st := newEngine(t)
	ctx := context.Background()

	view, err := eng.CreateTask(ctx, "upgrade prod database", "alice", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := eng.RecordDecision(ctx, view.ID, "bob", task.StatusApproved, "lgtm")
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("expected task still pending, got %s", got.Status)
	}
	if len(got.ApprovedBy) != 1 || got.ApprovedBy[0] != "bob" {
		t.Errorf("expected ApprovedBy [bob], got %v", got.ApprovedBy)
	}

	// 2 assignments + 1 creator notification.
	if n := queuedCount(t, st); n != 3 {
		t.Errorf("expected 3 queued messages, got %d", n)
	}
	alice, err := st.CountMessages(ctx, outbox.CountOpts{Recipient: "alice"})
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if alice != 1 {
		t.Errorf("expected 1 message for the creator, got %d", alice)
	}
}

func TestRecordDecision_ConsensusApprovesAndBroadcasts(t *testing.T) {
	t.Parallel()

	eng, st := newEngine(t)
	ctx := context.Background()

	view, err := eng.CreateTask(ctx, "upgrade prod database", "alice", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if _, err := eng.RecordDecision(ctx, view.ID, "bob", task.StatusApproved, ""); err != nil {
		t.Fatalf("bob decision: %v", err)
	}
	got, err := eng.RecordDecision(ctx, view.ID, "carol", task.StatusApproved, "")
	if err != nil {
		t.Fatalf("carol decision: %v", err)
	}

	if got.Status != task.StatusApproved {
		t.Errorf("expected approved after consensus, got %s", got.Status)
	}

	// 2 assignments + 2 creator notifications + 3 broadcasts (2 approvers
	// + the creator).
	if n := queuedCount(t, st); n != 7 {
		t.Errorf("expected 7 queued messages, got %d", n)
	}
}

func TestRecordDecision_ApprovedIsFinal(t *testing.T) {
	t.Parallel()

	eng, _ := newEngine(t)
	ctx := context.Background()

	view, err := eng.CreateTask(ctx, "d", "alice", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if _, err := eng.RecordDecision(ctx, view.ID, "bob", task.StatusApproved, ""); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	_, err = eng.RecordDecision(ctx, view.ID, "bob", task.StatusApproved, "again")
	if !errors.Is(err, signoff.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	_, err = eng.RecordDecision(ctx, view.ID, "bob", task.StatusRejected, "changed my mind")
	if !errors.Is(err, signoff.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided on flip, got %v", err)
	}
}

func TestRecordDecision_RejectionIsAmendable(t *testing.T) {
	t.Parallel()

	eng, st := newEngine(t)
	ctx := context.Background()

	view, err := eng.CreateTask(ctx, "d", "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := eng.RecordDecision(ctx, view.ID, "bob", task.StatusRejected, "needs work")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("expected task pending after rejection, got %s", got.Status)
	}
	// A rejection sends nothing.
	if n := queuedCount(t, st); n != 1 {
		t.Errorf("expected only the assignment message, got %d", n)
	}

	// The approver may amend a rejection; with a single approver this
	// reaches consensus immediately.
	got, err = eng.RecordDecision(ctx, view.ID, "bob", task.StatusApproved, "fixed now")
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if got.Status != task.StatusApproved {
		t.Errorf("expected approved after amendment, got %s", got.Status)
	}
}

func TestRecordDecision_NotAnApprover(t *testing.T) {
	t.Parallel()

	eng, _ := newEngine(t)
	ctx := context.Background()

	view, err := eng.CreateTask(ctx, "d", "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	_, err = eng.RecordDecision(ctx, view.ID, "carol", task.StatusApproved, "")
	if !errors.Is(err, signoff.ErrNotAnApprover) {
		t.Fatalf("expected ErrNotAnApprover, got %v", err)
	}
}

func TestRecordDecision_UnknownTask(t *testing.T) {
	t.Parallel()

	eng, _ := newEngine(t)

	_, err := eng.RecordDecision(context.Background(), id.NewTaskID(), "bob", task.StatusApproved, "")
	if !errors.Is(err, signoff.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRecordDecision_RejectsPendingDecision(t *testing.T) {
	t.Parallel()

	eng, _ := newEngine(t)
	ctx := context.Background()

	view, err := eng.CreateTask(ctx, "d", "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if _, err := eng.RecordDecision(ctx, view.ID, "bob", task.StatusPending, ""); err == nil {
		t.Fatal("expected error for pending decision")
	}
}

// ──────────────────────────────────────────────────
// Queries and administration
// ──────────────────────────────────────────────────

func TestTasksByCreator_GroupsByStatus(t *testing.T) {
	t.Parallel()

	eng, _ := newEngine(t)
	ctx := context.Background()

	v1, err := eng.CreateTask(ctx, "first", "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := eng.CreateTask(ctx, "second", "alice", []string{"carol"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := eng.RecordDecision(ctx, v1.ID, "bob", task.StatusApproved, ""); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}

	grouped, err := eng.TasksByCreator(ctx, "alice")
	if err != nil {
		t.Fatalf("TasksByCreator: %v", err)
	}
	if len(grouped[task.StatusApproved]) != 1 {
		t.Errorf("expected 1 approved task, got %d", len(grouped[task.StatusApproved]))
	}
	if len(grouped[task.StatusPending]) != 1 {
		t.Errorf("expected 1 pending task, got %d", len(grouped[task.StatusPending]))
	}
}

func TestApprovalsByApprover_GroupsByStatus(t *testing.T) {
	t.Parallel()

	eng, _ := newEngine(t)
	ctx := context.Background()

	v1, err := eng.CreateTask(ctx, "first", "alice", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := eng.CreateTask(ctx, "second", "alice", []string{"bob"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := eng.RecordDecision(ctx, v1.ID, "bob", task.StatusApproved, ""); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}

	grouped, err := eng.ApprovalsByApprover(ctx, "bob")
	if err != nil {
		t.Fatalf("ApprovalsByApprover: %v", err)
	}
	if len(grouped[task.StatusApproved]) != 1 {
		t.Errorf("expected 1 approved record, got %d", len(grouped[task.StatusApproved]))
	}
	if len(grouped[task.StatusPending]) != 1 {
		t.Errorf("expected 1 pending record, got %d", len(grouped[task.StatusPending]))
	}
}

func TestDeadLetters_RequeueRoundTrip(t *testing.T) {
	t.Parallel()

	eng, st := newEngine(t)
	ctx := context.Background()

	m := outbox.New("bob", "s", "b")
	if err := st.EnqueueMessage(ctx, m); err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	for range 3 {
		if _, err := st.MarkMessageFailed(ctx, m.ID, "refused", time.Time{}); err != nil {
			t.Fatalf("MarkMessageFailed: %v", err)
		}
	}

	dead, err := eng.DeadLetters(ctx, outbox.ListOpts{})
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}

	if err := eng.RequeueDeadLetter(ctx, m.ID); err != nil {
		t.Fatalf("RequeueDeadLetter: %v", err)
	}
	dead, err = eng.DeadLetters(ctx, outbox.ListOpts{})
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 0 {
		t.Fatalf("expected no dead letters after requeue, got %d", len(dead))
	}
}

// ──────────────────────────────────────────────────
// End to end: approval through delivery
// ──────────────────────────────────────────────────

func TestEndToEnd_DrainDeliversAllNotifications(t *testing.T) {
	t.Parallel()

	st := memory.New()
	svc, err := signoff.New(signoff.WithStore(st))
	if err != nil {
		t.Fatalf("signoff.New: %v", err)
	}

	var mu sync.Mutex
	delivered := make(map[string]int)
	sentCh := make(chan struct{}, 16)

	tr := transport.Func(func(_ context.Context, recipient, _, _ string) error {
		mu.Lock()
		delivered[recipient]++
		mu.Unlock()
		sentCh <- struct{}{}
		return nil
	})

	eng, err := engine.Build(svc,
		engine.WithResolver(testResolver()),
		engine.WithTransport(tr),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(ctx)

	view, err := eng.CreateTask(ctx, "upgrade prod database", "alice", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := eng.RecordDecision(ctx, view.ID, "bob", task.StatusApproved, ""); err != nil {
		t.Fatalf("bob decision: %v", err)
	}
	if _, err := eng.RecordDecision(ctx, view.ID, "carol", task.StatusApproved, ""); err != nil {
		t.Fatalf("carol decision: %v", err)
	}

	// 2 assignments + 2 creator notifications + 3 broadcasts.
	if err := eng.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	for range 7 {
		select {
		case <-sentCh:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered["alice"] != 3 { // 2 per-decision + 1 broadcast
		t.Errorf("expected 3 deliveries to alice, got %d", delivered["alice"])
	}
	if delivered["bob"] != 2 || delivered["carol"] != 2 { // assignment + broadcast
		t.Errorf("expected 2 deliveries each to bob/carol, got bob=%d carol=%d", delivered["bob"], delivered["carol"])
	}

	// Everything ended up sent.
	sent, err := st.CountMessages(ctx, outbox.CountOpts{Status: outbox.StatusSent})
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if sent != 7 {
		t.Errorf("expected 7 sent messages, got %d", sent)
	}
}

func TestBuild_RequiresResolverAndTransport(t *testing.T) {
	t.Parallel()

	st := memory.New()
	svc, err := signoff.New(signoff.WithStore(st))
	if err != nil {
		t.Fatalf("signoff.New: %v", err)
	}

	_, err = engine.Build(svc, engine.WithTransport(transport.Func(func(_ context.Context, _, _, _ string) error { return nil })))
	if !errors.Is(err, signoff.ErrNoResolver) {
		t.Fatalf("expected ErrNoResolver, got %v", err)
	}

	_, err = engine.Build(svc, engine.WithResolver(testResolver()))
	if !errors.Is(err, signoff.ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}
