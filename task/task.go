package task

import (
	"time"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/id"
)

// Status is the lifecycle state shared by tasks and approval records.
type Status string

const (
	// StatusPending means no terminal decision has been recorded yet.
	StatusPending Status = "pending"
	// StatusApproved means the decision (or the aggregate) is approved.
	// For an approval record this state is final.
	StatusApproved Status = "approved"
	// StatusRejected means the approver declined. A rejected record may be
	// amended by a later decision; an approved one may not.
	StatusRejected Status = "rejected"
)

// Task is a unit of work requiring sign-off from every assigned approver.
// The approver set is fixed at creation and never changes.
type Task struct {
	signoff.Entity

	ID          id.TaskID `json:"id"`
	Description string    `json:"description"`
	Creator     string    `json:"creator"`
	Approvers   []string  `json:"approvers"`
	Status      Status    `json:"status"`
}

// Approval is one approver's decision record for one task. Exactly one
// record exists per (task, approver) pair. It holds a non-owning reference
// back to its task.
type Approval struct {
	signoff.Entity

	ID        id.ApprovalID `json:"id"`
	TaskID    id.TaskID     `json:"task_id"`
	Approver  string        `json:"approver"`
	Status    Status        `json:"status"`
	Comment   string        `json:"comment,omitempty"`
	DecidedAt *time.Time    `json:"decided_at,omitempty"`
}

// View is the projected read model returned by engine operations: the task
// plus the handles of everyone who has approved so far.
type View struct {
	ID          id.TaskID `json:"id"`
	Description string    `json:"description"`
	Creator     string    `json:"creator"`
	Status      Status    `json:"status"`
	Approvers   []string  `json:"approvers"`
	ApprovedBy  []string  `json:"approved_by"`
}

// Project builds a View from a task and its approval records.
func Project(t *Task, approvals []*Approval) *View {
	approved := make([]string, 0, len(approvals))
	for _, a := range approvals {
		if a.Status == StatusApproved {
			approved = append(approved, a.Approver)
		}
	}
	return &View{
		ID:          t.ID,
		Description: t.Description,
		Creator:     t.Creator,
		Status:      t.Status,
		Approvers:   t.Approvers,
		ApprovedBy:  approved,
	}
}
