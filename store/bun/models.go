package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/cluster"
	"github.com/xraph/signoff/id"
	"github.com/xraph/signoff/outbox"
	"github.com/xraph/signoff/task"
)

// ──────────────────────────────────────────────────
// Task
// ──────────────────────────────────────────────────

type taskModel struct {
	bun.BaseModel `bun:"table:signoff_tasks"`

	ID          string    `bun:"id,pk"`
	Description string    `bun:"description,notnull"`
	Creator     string    `bun:"creator,notnull"`
	Approvers   []string  `bun:"approvers,array"`
	Status      string    `bun:"status,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

func toTaskModel(t *task.Task) *taskModel {
	return &taskModel{
		ID:          t.ID.String(),
		Description: t.Description,
		Creator:     t.Creator,
		Approvers:   t.Approvers,
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func fromTaskModel(m *taskModel) (*task.Task, error) {
	taskID, err := id.ParseTaskID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("signoff/bun: parse task id: %w", err)
	}

	return &task.Task{
		Entity: signoff.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          taskID,
		Description: m.Description,
		Creator:     m.Creator,
		Approvers:   m.Approvers,
		Status:      task.Status(m.Status),
	}, nil
}

// ──────────────────────────────────────────────────
// Approval
// ──────────────────────────────────────────────────

type approvalModel struct {
	bun.BaseModel `bun:"table:signoff_approvals"`

	ID        string     `bun:"id,pk"`
	TaskID    string     `bun:"task_id,notnull"`
	Approver  string     `bun:"approver,notnull"`
	Status    string     `bun:"status,notnull"`
	Comment   string     `bun:"comment"`
	DecidedAt *time.Time `bun:"decided_at"`
	CreatedAt time.Time  `bun:"created_at,notnull"`
	UpdatedAt time.Time  `bun:"updated_at,notnull"`
}

func toApprovalModel(a *task.Approval) *approvalModel {
	return &approvalModel{
		ID:        a.ID.String(),
		TaskID:    a.TaskID.String(),
		Approver:  a.Approver,
		Status:    string(a.Status),
		Comment:   a.Comment,
		DecidedAt: a.DecidedAt,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func fromApprovalModel(m *approvalModel) (*task.Approval, error) {
	approvalID, err := id.ParseApprovalID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("signoff/bun: parse approval id: %w", err)
	}

	taskID, err := id.ParseTaskID(m.TaskID)
	if err != nil {
		return nil, fmt.Errorf("signoff/bun: parse approval task id: %w", err)
	}

	return &task.Approval{
		Entity: signoff.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:        approvalID,
		TaskID:    taskID,
		Approver:  m.Approver,
		Status:    task.Status(m.Status),
		Comment:   m.Comment,
		DecidedAt: m.DecidedAt,
	}, nil
}

// ──────────────────────────────────────────────────
// Outbox message
// ──────────────────────────────────────────────────

type messageModel struct {
	bun.BaseModel `bun:"table:signoff_outbox"`

	ID         string     `bun:"id,pk"`
	Recipient  string     `bun:"recipient,notnull"`
	Subject    string     `bun:"subject,notnull"`
	Body       string     `bun:"body,notnull"`
	Status     string     `bun:"status,notnull"`
	RetryCount int        `bun:"retry_count,notnull,default:0"`
	LastError  string     `bun:"last_error"`
	NotBefore  *time.Time `bun:"not_before"`
	CreatedAt  time.Time  `bun:"created_at,notnull"`
	UpdatedAt  time.Time  `bun:"updated_at,notnull"`
}

func toMessageModel(m *outbox.Message) *messageModel {
	mm := &messageModel{
		ID:         m.ID.String(),
		Recipient:  m.Recipient,
		Subject:    m.Subject,
		Body:       m.Body,
		Status:     string(m.Status),
		RetryCount: m.RetryCount,
		LastError:  m.LastError,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if !m.NotBefore.IsZero() {
		nb := m.NotBefore
		mm.NotBefore = &nb
	}
	return mm
}

func fromMessageModel(m *messageModel) (*outbox.Message, error) {
	msgID, err := id.ParseMessageID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("signoff/bun: parse message id: %w", err)
	}

	msg := &outbox.Message{
		Entity: signoff.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         msgID,
		Recipient:  m.Recipient,
		Subject:    m.Subject,
		Body:       m.Body,
		Status:     outbox.Status(m.Status),
		RetryCount: m.RetryCount,
		LastError:  m.LastError,
	}
	if m.NotBefore != nil {
		msg.NotBefore = *m.NotBefore
	}
	return msg, nil
}

// ──────────────────────────────────────────────────
// Worker
// ──────────────────────────────────────────────────

type workerModel struct {
	bun.BaseModel `bun:"table:signoff_workers"`

	ID          string     `bun:"id,pk"`
	Hostname    string     `bun:"hostname,notnull"`
	LastSeen    time.Time  `bun:"last_seen,notnull"`
	IsLeader    bool       `bun:"is_leader,notnull,default:false"`
	LeaderUntil *time.Time `bun:"leader_until"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull"`
}

func toWorkerModel(w *cluster.Worker) *workerModel {
	return &workerModel{
		ID:          w.ID.String(),
		Hostname:    w.Hostname,
		LastSeen:    w.LastSeen,
		IsLeader:    w.IsLeader,
		LeaderUntil: w.LeaderUntil,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

func fromWorkerModel(m *workerModel) (*cluster.Worker, error) {
	workerID, err := id.ParseWorkerID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("signoff/bun: parse worker id: %w", err)
	}

	return &cluster.Worker{
		Entity: signoff.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          workerID,
		Hostname:    m.Hostname,
		LastSeen:    m.LastSeen,
		IsLeader:    m.IsLeader,
		LeaderUntil: m.LeaderUntil,
	}, nil
}
