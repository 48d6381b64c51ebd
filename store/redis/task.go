package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/id"
	"github.com/xraph/signoff/task"
)

// decideScript records a decision only when the record exists and is not
// locked by a prior approval. Returns -1 (missing), 0 (locked), 1 (written).
var decideScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status == 'approved' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'comment', ARGV[2], 'decided_at', ARGV[3], 'updated_at', ARGV[4])
return 1
`)

// transitionScript compare-and-sets the task status. Returns -1 (missing),
// 0 (status mismatch), 1 (transitioned).
var transitionScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// CreateTask stores the task and its approval batch as Hashes plus index
// Set entries in one transactional pipeline.
func (s *Store) CreateTask(ctx context.Context, t *task.Task, approvals []*task.Approval) error {
	tID := t.ID.String()
	key := taskKey(tID)

	// Check for duplicate.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("signoff/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return signoff.ErrTaskAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, taskToMap(t))
	pipe.SAdd(ctx, taskIDsKey, tID)
	for _, a := range approvals {
		pipe.HSet(ctx, approvalKey(tID, a.Approver), approvalToMap(a))
		pipe.SAdd(ctx, taskApprovalsKey(tID), a.Approver)
		pipe.SAdd(ctx, approvalIdxKey, tID+":"+a.Approver)
	}

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("signoff/redis: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	vals, err := s.client.HGetAll(ctx, taskKey(taskID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, signoff.ErrTaskNotFound
	}
	return mapToTask(vals)
}

// GetApproval retrieves the approval record for a (task, approver) pair.
func (s *Store) GetApproval(ctx context.Context, taskID id.TaskID, approver string) (*task.Approval, error) {
	vals, err := s.client.HGetAll(ctx, approvalKey(taskID.String(), approver)).Result()
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: get approval: %w", err)
	}
	if len(vals) == 0 {
		return nil, signoff.ErrNotAnApprover
	}
	return mapToApproval(vals)
}

// ListApprovals returns all approval records for a task in creation order.
func (s *Store) ListApprovals(ctx context.Context, taskID id.TaskID) ([]*task.Approval, error) {
	tID := taskID.String()
	approvers, err := s.client.SMembers(ctx, taskApprovalsKey(tID)).Result()
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: list approvals smembers: %w", err)
	}

	approvals := make([]*task.Approval, 0, len(approvers))
	for _, approver := range approvers {
		vals, getErr := s.client.HGetAll(ctx, approvalKey(tID, approver)).Result()
		if getErr != nil || len(vals) == 0 {
			continue // skip missing
		}
		a, convErr := mapToApproval(vals)
		if convErr != nil {
			continue
		}
		approvals = append(approvals, a)
	}
	sortApprovals(approvals)
	return approvals, nil
}

// DecideApproval records a decision via a Lua script so the lock check and
// the write cannot interleave with another decider.
func (s *Store) DecideApproval(ctx context.Context, taskID id.TaskID, approver string, status task.Status, comment string, decidedAt time.Time) (*task.Approval, error) {
	key := approvalKey(taskID.String(), approver)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := decideScript.Run(ctx, s.client, []string{key},
		string(status), comment, decidedAt.Format(time.RFC3339Nano), now,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: decide approval: %w", err)
	}

	switch res {
	case -1:
		return nil, signoff.ErrNotAnApprover
	case 0:
		return nil, signoff.ErrAlreadyDecided
	}
	return s.GetApproval(ctx, taskID, approver)
}

// TransitionTask compare-and-sets the task status via a Lua script.
func (s *Store) TransitionTask(ctx context.Context, taskID id.TaskID, from, to task.Status) (bool, error) {
	key := taskKey(taskID.String())
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := transitionScript.Run(ctx, s.client, []string{key},
		string(from), string(to), now,
	).Int()
	if err != nil {
		return false, fmt.Errorf("signoff/redis: transition task: %w", err)
	}

	switch res {
	case -1:
		return false, signoff.ErrTaskNotFound
	case 0:
		return false, nil
	}
	return true, nil
}

// ListTasksByCreator returns tasks created by the given handle.
func (s *Store) ListTasksByCreator(ctx context.Context, creator string) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: list tasks smembers: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, tID := range ids {
		vals, getErr := s.client.HGetAll(ctx, taskKey(tID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue // skip missing
		}
		t, convErr := mapToTask(vals)
		if convErr != nil {
			continue
		}
		if t.Creator != creator {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID.String() < tasks[j].ID.String()
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// ListApprovalsByApprover returns all approval records assigned to the
// given handle, across tasks.
func (s *Store) ListApprovalsByApprover(ctx context.Context, approver string) ([]*task.Approval, error) {
	members, err := s.client.SMembers(ctx, approvalIdxKey).Result()
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: list approvals smembers: %w", err)
	}

	var approvals []*task.Approval
	for _, member := range members {
		tID, handle, ok := strings.Cut(member, ":")
		if !ok || handle != approver {
			continue
		}
		vals, getErr := s.client.HGetAll(ctx, approvalKey(tID, handle)).Result()
		if getErr != nil || len(vals) == 0 {
			continue // skip missing
		}
		a, convErr := mapToApproval(vals)
		if convErr != nil {
			continue
		}
		approvals = append(approvals, a)
	}
	sortApprovals(approvals)
	return approvals, nil
}

// ── helpers ──

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalStrings parses a JSON array of strings.
func unmarshalStrings(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

func sortApprovals(approvals []*task.Approval) {
	sort.Slice(approvals, func(i, j int) bool {
		if approvals[i].CreatedAt.Equal(approvals[j].CreatedAt) {
			return approvals[i].ID.String() < approvals[j].ID.String()
		}
		return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
	})
}

func taskToMap(t *task.Task) map[string]interface{} {
	return map[string]interface{}{
		"id":          t.ID.String(),
		"description": t.Description,
		"creator":     t.Creator,
		"approvers":   marshalJSON(t.Approvers),
		"status":      string(t.Status),
		"created_at":  t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  t.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToTask(m map[string]string) (*task.Task, error) {
	tID, err := id.ParseTaskID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: parse task id: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &task.Task{
		Entity: signoff.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:          tID,
		Description: m["description"],
		Creator:     m["creator"],
		Approvers:   unmarshalStrings(m["approvers"]),
		Status:      task.Status(m["status"]),
	}, nil
}

func approvalToMap(a *task.Approval) map[string]interface{} {
	m := map[string]interface{}{
		"id":         a.ID.String(),
		"task_id":    a.TaskID.String(),
		"approver":   a.Approver,
		"status":     string(a.Status),
		"comment":    a.Comment,
		"created_at": a.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": a.UpdatedAt.Format(time.RFC3339Nano),
	}
	if a.DecidedAt != nil {
		m["decided_at"] = a.DecidedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToApproval(m map[string]string) (*task.Approval, error) {
	aID, err := id.ParseApprovalID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: parse approval id: %w", err)
	}
	tID, err := id.ParseTaskID(m["task_id"])
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: parse approval task id: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	a := &task.Approval{
		Entity: signoff.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:       aID,
		TaskID:   tID,
		Approver: m["approver"],
		Status:   task.Status(m["status"]),
		Comment:  m["comment"],
	}

	if v := m["decided_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		a.DecidedAt = &t
	}
	return a, nil
}
