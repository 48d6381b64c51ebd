package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/cluster"
	"github.com/xraph/signoff/id"
	"github.com/xraph/signoff/outbox"
	"github.com/xraph/signoff/task"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ task.Store    = (*Store)(nil)
	_ outbox.Store  = (*Store)(nil)
	_ cluster.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	tasks     map[string]*task.Task
	approvals map[string]*task.Approval // key: "taskID:approver"
	messages  map[string]*outbox.Message
	workers   map[string]*cluster.Worker

	// leader tracks the current drain leader worker ID string.
	leader      string
	leaderUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		tasks:     make(map[string]*task.Task),
		approvals: make(map[string]*task.Approval),
		messages:  make(map[string]*outbox.Message),
		workers:   make(map[string]*cluster.Worker),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// approvalKey builds the composite map key for an approval record.
func approvalKey(taskID id.TaskID, approver string) string {
	return taskID.String() + ":" + approver
}

func copyTask(t *task.Task) *task.Task {
	cp := *t
	cp.Approvers = append([]string(nil), t.Approvers...)
	return &cp
}

// ──────────────────────────────────────────────────
// Task Store
// ──────────────────────────────────────────────────

// CreateTask persists a task and its approval batch atomically.
func (m *Store) CreateTask(_ context.Context, t *task.Task, approvals []*task.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return signoff.ErrTaskAlreadyExists
	}

	m.tasks[key] = copyTask(t)
	for _, a := range approvals {
		cp := *a
		m.approvals[approvalKey(a.TaskID, a.Approver)] = &cp
	}
	return nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, signoff.ErrTaskNotFound
	}
	return copyTask(t), nil
}

// GetApproval retrieves the approval record for a (task, approver) pair.
func (m *Store) GetApproval(_ context.Context, taskID id.TaskID, approver string) (*task.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.approvals[approvalKey(taskID, approver)]
	if !ok {
		return nil, signoff.ErrNotAnApprover
	}
	cp := *a
	return &cp, nil
}

// ListApprovals returns all approval records for a task.
func (m *Store) ListApprovals(_ context.Context, taskID id.TaskID) ([]*task.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*task.Approval
	for _, a := range m.approvals {
		if a.TaskID != taskID {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}

	sortApprovals(result)
	return result, nil
}

// DecideApproval records a decision under the store lock, so the
// already-approved check and the write cannot interleave.
func (m *Store) DecideApproval(_ context.Context, taskID id.TaskID, approver string, status task.Status, comment string, decidedAt time.Time) (*task.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[approvalKey(taskID, approver)]
	if !ok {
		return nil, signoff.ErrNotAnApprover
	}
	if a.Status == task.StatusApproved {
		return nil, signoff.ErrAlreadyDecided
	}

	a.Status = status
	a.Comment = comment
	d := decidedAt
	a.DecidedAt = &d
	a.UpdatedAt = time.Now().UTC()

	cp := *a
	return &cp, nil
}

// TransitionTask compare-and-sets the task status.
func (m *Store) TransitionTask(_ context.Context, taskID id.TaskID, from, to task.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return false, signoff.ErrTaskNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListTasksByCreator returns tasks created by the given handle.
func (m *Store) ListTasksByCreator(_ context.Context, creator string) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*task.Task
	for _, t := range m.tasks {
		if t.Creator != creator {
			continue
		}
		result = append(result, copyTask(t))
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})

	return result, nil
}

// ListApprovalsByApprover returns all approval records assigned to the
// given handle, across tasks.
func (m *Store) ListApprovalsByApprover(_ context.Context, approver string) ([]*task.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*task.Approval
	for _, a := range m.approvals {
		if a.Approver != approver {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}

	sortApprovals(result)
	return result, nil
}

// sortApprovals orders by creation time, then ID for records created in
// the same batch.
func sortApprovals(approvals []*task.Approval) {
	sort.Slice(approvals, func(i, k int) bool {
		if !approvals[i].CreatedAt.Equal(approvals[k].CreatedAt) {
			return approvals[i].CreatedAt.Before(approvals[k].CreatedAt)
		}
		return approvals[i].ID.String() < approvals[k].ID.String()
	})
}

// ──────────────────────────────────────────────────
// Outbox Store
// ──────────────────────────────────────────────────

// EnqueueMessage persists a new queued message.
func (m *Store) EnqueueMessage(_ context.Context, msg *outbox.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msg.ID.String()
	if _, exists := m.messages[key]; exists {
		return signoff.ErrMessageAlreadyExists
	}
	cp := *msg
	m.messages[key] = &cp
	return nil
}

// GetMessage retrieves a message by ID.
func (m *Store) GetMessage(_ context.Context, msgID id.MessageID) (*outbox.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[msgID.String()]
	if !ok {
		return nil, signoff.ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

// FetchEligible returns messages awaiting delivery whose retry gate has
// passed, ordered by creation time then ID.
func (m *Store) FetchEligible(_ context.Context, maxRetries int, opts outbox.ListOpts) ([]*outbox.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()

	var result []*outbox.Message
	for _, msg := range m.messages {
		if msg.Status != outbox.StatusQueued && msg.Status != outbox.StatusFailed {
			continue
		}
		if msg.RetryCount >= maxRetries {
			continue
		}
		if !msg.NotBefore.IsZero() && msg.NotBefore.After(now) {
			continue
		}
		cp := *msg
		result = append(result, &cp)
	}

	sortMessages(result)
	return pageMessages(result, opts), nil
}

// MarkMessageSent records a successful delivery.
func (m *Store) MarkMessageSent(_ context.Context, msgID id.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[msgID.String()]
	if !ok {
		return signoff.ErrMessageNotFound
	}
	msg.Status = outbox.StatusSent
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkMessageFailed records a failed attempt and returns the new retry count.
func (m *Store) MarkMessageFailed(_ context.Context, msgID id.MessageID, lastError string, notBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[msgID.String()]
	if !ok {
		return 0, signoff.ErrMessageNotFound
	}
	msg.Status = outbox.StatusFailed
	msg.RetryCount++
	msg.LastError = lastError
	msg.NotBefore = notBefore
	msg.UpdatedAt = time.Now().UTC()
	return msg.RetryCount, nil
}

// ListMessages returns messages in the given state.
func (m *Store) ListMessages(_ context.Context, status outbox.Status, opts outbox.ListOpts) ([]*outbox.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*outbox.Message
	for _, msg := range m.messages {
		if msg.Status != status {
			continue
		}
		cp := *msg
		result = append(result, &cp)
	}

	sortMessages(result)
	return pageMessages(result, opts), nil
}

// CountMessages returns the number of messages matching the options.
func (m *Store) CountMessages(_ context.Context, opts outbox.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, msg := range m.messages {
		if opts.Status != "" && msg.Status != opts.Status {
			continue
		}
		if opts.Recipient != "" && msg.Recipient != opts.Recipient {
			continue
		}
		count++
	}
	return count, nil
}

// ListDeadLetters returns failed messages that have exhausted the retry
// budget.
func (m *Store) ListDeadLetters(_ context.Context, maxRetries int, opts outbox.ListOpts) ([]*outbox.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*outbox.Message
	for _, msg := range m.messages {
		if msg.Status != outbox.StatusFailed || msg.RetryCount < maxRetries {
			continue
		}
		cp := *msg
		result = append(result, &cp)
	}

	sortMessages(result)
	return pageMessages(result, opts), nil
}

// RequeueMessage resets a message for fresh delivery.
func (m *Store) RequeueMessage(_ context.Context, msgID id.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[msgID.String()]
	if !ok {
		return signoff.ErrMessageNotFound
	}
	msg.Status = outbox.StatusQueued
	msg.RetryCount = 0
	msg.NotBefore = time.Time{}
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func sortMessages(messages []*outbox.Message) {
	sort.Slice(messages, func(i, k int) bool {
		if !messages[i].CreatedAt.Equal(messages[k].CreatedAt) {
			return messages[i].CreatedAt.Before(messages[k].CreatedAt)
		}
		return messages[i].ID.String() < messages[k].ID.String()
	})
}

func pageMessages(messages []*outbox.Message, opts outbox.ListOpts) []*outbox.Message {
	if opts.Offset > 0 {
		if opts.Offset >= len(messages) {
			return nil
		}
		messages = messages[opts.Offset:]
	}
	if opts.Limit > 0 && len(messages) > opts.Limit {
		messages = messages[:opts.Limit]
	}
	return messages
}

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// RegisterWorker adds a new worker to the registry.
func (m *Store) RegisterWorker(_ context.Context, w *cluster.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.workers[w.ID.String()] = &cp
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	if _, ok := m.workers[key]; !ok {
		return signoff.ErrWorkerNotFound
	}
	delete(m.workers, key)
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return signoff.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	return nil
}

// ListWorkers returns all registered workers.
func (m *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cluster.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})

	return result, nil
}

// AcquireLeadership attempts to become the drain leader.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	wKey := workerID.String()

	// If there's already a live leader and it's not us, fail.
	if m.leader != "" && m.leaderUntil.After(now) && m.leader != wKey {
		return false, nil
	}

	m.leader = wKey
	m.leaderUntil = now.Add(ttl)

	if w, ok := m.workers[wKey]; ok {
		w.IsLeader = true
		until := m.leaderUntil
		w.LeaderUntil = &until
	}

	return true, nil
}

// RenewLeadership extends the leader's hold.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wKey := workerID.String()
	if m.leader != wKey {
		return false, nil
	}

	m.leaderUntil = time.Now().UTC().Add(ttl)

	if w, ok := m.workers[wKey]; ok {
		until := m.leaderUntil
		w.LeaderUntil = &until
	}

	return true, nil
}

// GetLeader returns the current drain leader, or nil if there is none.
func (m *Store) GetLeader(_ context.Context) (*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || m.leaderUntil.Before(time.Now().UTC()) {
		return nil, nil
	}

	w, ok := m.workers[m.leader]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}
