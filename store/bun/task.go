package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/id"
	"github.com/xraph/signoff/task"
)

// CreateTask persists the task and its approval batch in one transaction.
func (s *Store) CreateTask(ctx context.Context, t *task.Task, approvals []*task.Approval) error {
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(toTaskModel(t)).Exec(ctx); err != nil {
			if isDuplicateKey(err) {
				return signoff.ErrTaskAlreadyExists
			}
			return fmt.Errorf("insert task: %w", err)
		}

		if len(approvals) == 0 {
			return nil
		}

		models := make([]*approvalModel, len(approvals))
		for i, a := range approvals {
			models[i] = toApprovalModel(a)
		}
		if _, err := tx.NewInsert().Model(&models).Exec(ctx); err != nil {
			if isDuplicateKey(err) {
				return signoff.ErrTaskAlreadyExists
			}
			return fmt.Errorf("insert approvals: %w", err)
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, signoff.ErrTaskAlreadyExists) {
			return signoff.ErrTaskAlreadyExists
		}
		return fmt.Errorf("signoff/bun: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	model := new(taskModel)
	err := s.db.NewSelect().
		Model(model).
		Where("id = ?", taskID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, signoff.ErrTaskNotFound
		}
		return nil, fmt.Errorf("signoff/bun: get task: %w", err)
	}
	return fromTaskModel(model)
}

// GetApproval retrieves the approval record for a (task, approver) pair.
func (s *Store) GetApproval(ctx context.Context, taskID id.TaskID, approver string) (*task.Approval, error) {
	model := new(approvalModel)
	err := s.db.NewSelect().
		Model(model).
		Where("task_id = ?", taskID.String()).
		Where("approver = ?", approver).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, signoff.ErrNotAnApprover
		}
		return nil, fmt.Errorf("signoff/bun: get approval: %w", err)
	}
	return fromApprovalModel(model)
}

// ListApprovals returns all approval records for a task in creation order.
func (s *Store) ListApprovals(ctx context.Context, taskID id.TaskID) ([]*task.Approval, error) {
	var models []*approvalModel
	err := s.db.NewSelect().
		Model(&models).
		Where("task_id = ?", taskID.String()).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("signoff/bun: list approvals: %w", err)
	}
	return fromApprovalModels(models)
}

// DecideApproval records a decision via a guarded UPDATE so an approved
// record can never be overwritten, no matter how the callers interleave.
func (s *Store) DecideApproval(ctx context.Context, taskID id.TaskID, approver string, status task.Status, comment string, decidedAt time.Time) (*task.Approval, error) {
	res, err := s.db.NewUpdate().
		Model((*approvalModel)(nil)).
		Set("status = ?", string(status)).
		Set("comment = ?", comment).
		Set("decided_at = ?", decidedAt).
		Set("updated_at = ?", time.Now().UTC()).
		Where("task_id = ?", taskID.String()).
		Where("approver = ?", approver).
		Where("status <> ?", string(task.StatusApproved)).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("signoff/bun: decide approval: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("signoff/bun: decide approval rows: %w", err)
	}
	if rows == 0 {
		// Either no record exists or the record is locked by a prior
		// approval. Read it back to tell the two apart.
		if _, getErr := s.GetApproval(ctx, taskID, approver); getErr != nil {
			return nil, getErr
		}
		return nil, signoff.ErrAlreadyDecided
	}

	return s.GetApproval(ctx, taskID, approver)
}

// TransitionTask compare-and-sets the task status in one guarded UPDATE.
func (s *Store) TransitionTask(ctx context.Context, taskID id.TaskID, from, to task.Status) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*taskModel)(nil)).
		Set("status = ?", string(to)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", taskID.String()).
		Where("status = ?", string(from)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("signoff/bun: transition task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("signoff/bun: transition task rows: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	// Lost the race or bad ID. Probe existence for the error contract.
	if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
		return false, getErr
	}
	return false, nil
}

// ListTasksByCreator returns tasks created by the given handle.
func (s *Store) ListTasksByCreator(ctx context.Context, creator string) ([]*task.Task, error) {
	var models []*taskModel
	err := s.db.NewSelect().
		Model(&models).
		Where("creator = ?", creator).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("signoff/bun: list tasks by creator: %w", err)
	}

	tasks := make([]*task.Task, 0, len(models))
	for _, m := range models {
		t, convErr := fromTaskModel(m)
		if convErr != nil {
			return nil, convErr
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ListApprovalsByApprover returns all approval records assigned to the
// given handle, across tasks.
func (s *Store) ListApprovalsByApprover(ctx context.Context, approver string) ([]*task.Approval, error) {
	var models []*approvalModel
	err := s.db.NewSelect().
		Model(&models).
		Where("approver = ?", approver).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("signoff/bun: list approvals by approver: %w", err)
	}
	return fromApprovalModels(models)
}

func fromApprovalModels(models []*approvalModel) ([]*task.Approval, error) {
	approvals := make([]*task.Approval, 0, len(models))
	for _, m := range models {
		a, err := fromApprovalModel(m)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, nil
}
