package task

import (
	"context"
	"time"

	"github.com/xraph/signoff/id"
)

// Store defines the persistence contract for tasks and approval records.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateTask persists a new task together with its approval batch in
	// one atomic operation. Returns signoff.ErrTaskAlreadyExists when the
	// task ID is already present.
	CreateTask(ctx context.Context, t *Task, approvals []*Approval) error

	// GetTask retrieves a task by ID. Returns signoff.ErrTaskNotFound when
	// absent.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// GetApproval retrieves the approval record for a (task, approver)
	// pair. Returns signoff.ErrNotAnApprover when no record exists.
	GetApproval(ctx context.Context, taskID id.TaskID, approver string) (*Approval, error)

	// ListApprovals returns all approval records for a task in creation
	// order.
	ListApprovals(ctx context.Context, taskID id.TaskID) ([]*Approval, error)

	// DecideApproval atomically records a decision on the (task, approver)
	// pair. The check and the write happen under one critical section:
	// when the existing record is already approved the call fails with
	// signoff.ErrAlreadyDecided and nothing changes. A rejected record may
	// be amended. Returns the updated record.
	DecideApproval(ctx context.Context, taskID id.TaskID, approver string, status Status, comment string, decidedAt time.Time) (*Approval, error)

	// TransitionTask compare-and-sets the task status. It returns true
	// when the task was in `from` and is now in `to`, false when the task
	// was in any other state. Two concurrent callers observing consensus
	// therefore fire at most one transition between them.
	TransitionTask(ctx context.Context, taskID id.TaskID, from, to Status) (bool, error)

	// ListTasksByCreator returns tasks created by the given handle in
	// creation order.
	ListTasksByCreator(ctx context.Context, creator string) ([]*Task, error)

	// ListApprovalsByApprover returns all approval records assigned to the
	// given handle, across tasks, in creation order.
	ListApprovalsByApprover(ctx context.Context, approver string) ([]*Approval, error)
}
