package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/cluster"
	"github.com/xraph/signoff/id"
	"github.com/xraph/signoff/outbox"
	redisstore "github.com/xraph/signoff/store/redis"
	"github.com/xraph/signoff/task"
)

// setupTestStore starts an in-process miniredis and returns a connected Store.
func setupTestStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return redisstore.New(client), mr
}

func newTask(creator string, approvers ...string) (*task.Task, []*task.Approval) {
	t := &task.Task{
		Entity:      signoff.NewEntity(),
		ID:          id.NewTaskID(),
		Description: "deploy release",
		Creator:     creator,
		Approvers:   approvers,
		Status:      task.StatusPending,
	}
	approvals := make([]*task.Approval, len(approvers))
	for i, a := range approvers {
		approvals[i] = &task.Approval{
			Entity:   signoff.NewEntity(),
			ID:       id.NewApprovalID(),
			TaskID:   t.ID,
			Approver: a,
			Status:   task.StatusPending,
		}
	}
	return t, approvals
}

func newWorker(hostname string) *cluster.Worker {
	return &cluster.Worker{
		Entity:   signoff.NewEntity(),
		ID:       id.NewWorkerID(),
		Hostname: hostname,
		LastSeen: time.Now().UTC(),
	}
}

func TestStore_Ping(t *testing.T) {
	s, _ := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Task Store tests
// ──────────────────────────────────────────────────

func TestTaskStore_CreateAndGet(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	tk, approvals := newTask("alice", "bob", "carol")
	if err := s.CreateTask(ctx, tk, approvals); err != nil {
		t.Fatalf("create: %v", err)
	}
	if dupErr := s.CreateTask(ctx, tk, nil); !errors.Is(dupErr, signoff.ErrTaskAlreadyExists) {
		t.Fatalf("expected ErrTaskAlreadyExists, got: %v", dupErr)
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Creator != "alice" || got.Description != "deploy release" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if len(got.Approvers) != 2 {
		t.Fatalf("expected 2 approvers, got %d", len(got.Approvers))
	}

	listed, err := s.ListApprovals(ctx, tk.ID)
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 approval records, got %d", len(listed))
	}
}

func TestTaskStore_GetMissing(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.GetTask(ctx, id.NewTaskID()); !errors.Is(err, signoff.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got: %v", err)
	}

	tk, approvals := newTask("alice", "bob")
	if err := s.CreateTask(ctx, tk, approvals); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.GetApproval(ctx, tk.ID, "mallory"); !errors.Is(err, signoff.ErrNotAnApprover) {
		t.Fatalf("expected ErrNotAnApprover, got: %v", err)
	}
}

func TestTaskStore_DecideApprovalLocksAfterApprove(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	tk, approvals := newTask("alice", "bob")
	if err := s.CreateTask(ctx, tk, approvals); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	a, err := s.DecideApproval(ctx, tk.ID, "bob", task.StatusApproved, "lgtm", now)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if a.Status != task.StatusApproved || a.Comment != "lgtm" {
		t.Fatalf("unexpected record after decide: %+v", a)
	}
	if a.DecidedAt == nil {
		t.Fatal("expected decided_at to be set")
	}

	if _, err := s.DecideApproval(ctx, tk.ID, "bob", task.StatusRejected, "", now); !errors.Is(err, signoff.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got: %v", err)
	}
	if _, err := s.DecideApproval(ctx, tk.ID, "mallory", task.StatusApproved, "", now); !errors.Is(err, signoff.ErrNotAnApprover) {
		t.Fatalf("expected ErrNotAnApprover, got: %v", err)
	}
}

func TestTaskStore_RejectedIsAmendable(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	tk, approvals := newTask("alice", "bob")
	if err := s.CreateTask(ctx, tk, approvals); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	if _, err := s.DecideApproval(ctx, tk.ID, "bob", task.StatusRejected, "needs work", now); err != nil {
		t.Fatalf("reject: %v", err)
	}
	a, err := s.DecideApproval(ctx, tk.ID, "bob", task.StatusApproved, "fixed", now)
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if a.Status != task.StatusApproved {
		t.Fatalf("expected approved after amend, got %s", a.Status)
	}
}

func TestTaskStore_TransitionFiresOnce(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	tk, approvals := newTask("alice", "bob")
	if err := s.CreateTask(ctx, tk, approvals); err != nil {
		t.Fatalf("create: %v", err)
	}

	fired, err := s.TransitionTask(ctx, tk.ID, task.StatusPending, task.StatusApproved)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !fired {
		t.Fatal("expected first transition to fire")
	}

	fired, err = s.TransitionTask(ctx, tk.ID, task.StatusPending, task.StatusApproved)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if fired {
		t.Fatal("expected second transition not to fire")
	}

	if _, err := s.TransitionTask(ctx, id.NewTaskID(), task.StatusPending, task.StatusApproved); !errors.Is(err, signoff.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got: %v", err)
	}
}

func TestTaskStore_ListByCreatorAndApprover(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	t1, a1 := newTask("alice", "bob")
	t2, a2 := newTask("alice", "bob", "carol")
	t3, a3 := newTask("dave", "bob")
	for _, pair := range []struct {
		tk  *task.Task
		aps []*task.Approval
	}{{t1, a1}, {t2, a2}, {t3, a3}} {
		if err := s.CreateTask(ctx, pair.tk, pair.aps); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	byCreator, err := s.ListTasksByCreator(ctx, "alice")
	if err != nil {
		t.Fatalf("list by creator: %v", err)
	}
	if len(byCreator) != 2 {
		t.Fatalf("expected 2 tasks for alice, got %d", len(byCreator))
	}

	byApprover, err := s.ListApprovalsByApprover(ctx, "bob")
	if err != nil {
		t.Fatalf("list by approver: %v", err)
	}
	if len(byApprover) != 3 {
		t.Fatalf("expected 3 approval records for bob, got %d", len(byApprover))
	}
	byCarol, err := s.ListApprovalsByApprover(ctx, "carol")
	if err != nil {
		t.Fatalf("list by carol: %v", err)
	}
	if len(byCarol) != 1 {
		t.Fatalf("expected 1 approval record for carol, got %d", len(byCarol))
	}
}

// ──────────────────────────────────────────────────
// Outbox Store tests
// ──────────────────────────────────────────────────

func TestOutboxStore_EnqueueAndFetch(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	m := outbox.New("bob", "Task Approval Request", "body")
	if err := s.EnqueueMessage(ctx, m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if dupErr := s.EnqueueMessage(ctx, m); !errors.Is(dupErr, signoff.ErrMessageAlreadyExists) {
		t.Fatalf("expected ErrMessageAlreadyExists, got: %v", dupErr)
	}

	got, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != outbox.StatusQueued || !got.NotBefore.IsZero() {
		t.Fatalf("unexpected message: %+v", got)
	}

	eligible, err := s.FetchEligible(ctx, 3, outbox.ListOpts{})
	if err != nil {
		t.Fatalf("fetch eligible: %v", err)
	}
	if len(eligible) != 1 {
		t.Fatalf("expected 1 eligible message, got %d", len(eligible))
	}
}

func TestOutboxStore_EligibilityFilters(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	queued := outbox.New("bob", "s", "b")
	sent := outbox.New("bob", "s", "b")
	gated := outbox.New("bob", "s", "b")
	exhausted := outbox.New("bob", "s", "b")
	for _, m := range []*outbox.Message{queued, sent, gated, exhausted} {
		if err := s.EnqueueMessage(ctx, m); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := s.MarkMessageSent(ctx, sent.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := s.MarkMessageFailed(ctx, gated.ID, "timeout", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("mark gated: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.MarkMessageFailed(ctx, exhausted.ID, "timeout", time.Time{}); err != nil {
			t.Fatalf("mark exhausted: %v", err)
		}
	}

	eligible, err := s.FetchEligible(ctx, 3, outbox.ListOpts{})
	if err != nil {
		t.Fatalf("fetch eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != queued.ID {
		t.Fatalf("expected only the queued message, got %d", len(eligible))
	}

	dead, err := s.ListDeadLetters(ctx, 3, outbox.ListOpts{})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != exhausted.ID {
		t.Fatalf("expected only the exhausted message, got %d", len(dead))
	}
}

func TestOutboxStore_MarkFailedIncrements(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	m := outbox.New("bob", "s", "b")
	if err := s.EnqueueMessage(ctx, m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n, err := s.MarkMessageFailed(ctx, m.ID, "boom", time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected retry count 1, got %d", n)
	}
	n, err = s.MarkMessageFailed(ctx, m.ID, "boom again", time.Time{})
	if err != nil {
		t.Fatalf("second mark failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected retry count 2, got %d", n)
	}

	got, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastError != "boom again" || !got.NotBefore.IsZero() {
		t.Fatalf("unexpected message after failures: %+v", got)
	}
}

func TestOutboxStore_RequeueResets(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	m := outbox.New("bob", "s", "b")
	if err := s.EnqueueMessage(ctx, m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.MarkMessageFailed(ctx, m.ID, "boom", time.Time{}); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}

	if err := s.RequeueMessage(ctx, m.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	got, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != outbox.StatusQueued || got.RetryCount != 0 || !got.NotBefore.IsZero() {
		t.Fatalf("expected clean requeued message, got %+v", got)
	}

	if err := s.RequeueMessage(ctx, id.NewMessageID()); !errors.Is(err, signoff.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got: %v", err)
	}
}

func TestOutboxStore_CountAndPaging(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.EnqueueMessage(ctx, outbox.New("bob", "s", "b")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := s.EnqueueMessage(ctx, outbox.New("carol", "s", "b")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	total, err := s.CountMessages(ctx, outbox.CountOpts{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 6 {
		t.Fatalf("expected 6 messages, got %d", total)
	}
	forBob, err := s.CountMessages(ctx, outbox.CountOpts{Recipient: "bob"})
	if err != nil {
		t.Fatalf("count bob: %v", err)
	}
	if forBob != 5 {
		t.Fatalf("expected 5 messages for bob, got %d", forBob)
	}

	page, err := s.FetchEligible(ctx, 3, outbox.ListOpts{Limit: 4, Offset: 4})
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected final page of 2, got %d", len(page))
	}
}

// ──────────────────────────────────────────────────
// Cluster Store tests
// ──────────────────────────────────────────────────

func TestClusterStore_RegisterHeartbeatDeregister(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	w := newWorker("node-1")
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.HeartbeatWorker(ctx, w.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(workers) != 1 || workers[0].Hostname != "node-1" {
		t.Fatalf("unexpected workers: %+v", workers)
	}

	if err := s.DeregisterWorker(ctx, w.ID); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := s.DeregisterWorker(ctx, w.ID); !errors.Is(err, signoff.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got: %v", err)
	}
}

func TestClusterStore_LeadershipLease(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	w1 := newWorker("node-1")
	w2 := newWorker("node-2")
	for _, w := range []*cluster.Worker{w1, w2} {
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	ok, err := s.AcquireLeadership(ctx, w1.ID, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected w1 to acquire leadership")
	}

	ok, err = s.AcquireLeadership(ctx, w2.ID, time.Minute)
	if err != nil {
		t.Fatalf("contested acquire: %v", err)
	}
	if ok {
		t.Fatal("expected w2 acquire to fail while w1 holds the lease")
	}

	ok, err = s.RenewLeadership(ctx, w1.ID, time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !ok {
		t.Fatal("expected w1 renew to succeed")
	}
	ok, err = s.RenewLeadership(ctx, w2.ID, time.Minute)
	if err != nil {
		t.Fatalf("non-holder renew: %v", err)
	}
	if ok {
		t.Fatal("expected w2 renew to fail")
	}

	leader, err := s.GetLeader(ctx)
	if err != nil {
		t.Fatalf("get leader: %v", err)
	}
	if leader == nil || leader.ID != w1.ID {
		t.Fatalf("expected w1 as leader, got %+v", leader)
	}
}

func TestClusterStore_ExpiredLeaseIsFree(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	w1 := newWorker("node-1")
	w2 := newWorker("node-2")
	for _, w := range []*cluster.Worker{w1, w2} {
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	ok, err := s.AcquireLeadership(ctx, w1.ID, time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Let the lease lapse.
	mr.FastForward(2 * time.Second)

	leader, err := s.GetLeader(ctx)
	if err != nil {
		t.Fatalf("get leader: %v", err)
	}
	if leader != nil {
		t.Fatalf("expected no live leader after expiry, got %+v", leader)
	}

	ok, err = s.AcquireLeadership(ctx, w2.ID, time.Minute)
	if err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected w2 to take over the expired lease")
	}
}
