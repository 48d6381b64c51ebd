package redis

// Redis key naming conventions for signoff data.
// All keys are prefixed with "signoff:" to avoid collisions.

const keyPrefix = "signoff:"

// ── Task keys ──

// taskKey returns the key for a task entity: signoff:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// taskIDsKey is the Set tracking all task IDs for enumeration.
const taskIDsKey = keyPrefix + "task_ids"

// ── Approval keys ──

// approvalKey returns the key for an approval record: signoff:approval:{taskID}:{approver}
func approvalKey(taskID, approver string) string {
	return keyPrefix + "approval:" + taskID + ":" + approver
}

// taskApprovalsKey returns the Set of approver handles for a task.
func taskApprovalsKey(taskID string) string {
	return keyPrefix + "task_approvals:" + taskID
}

// approvalIdxKey is the Set tracking all (taskID, approver) pairs as
// "taskID:approver" members for cross-task enumeration.
const approvalIdxKey = keyPrefix + "approval_idx"

// ── Outbox keys ──

// messageKey returns the key for an outbox message: signoff:msg:{id}
func messageKey(id string) string { return keyPrefix + "msg:" + id }

// messageIDsKey is the Set tracking all message IDs for enumeration.
const messageIDsKey = keyPrefix + "msg_ids"

// ── Cluster keys ──

// workerKey returns the key for a worker entity: signoff:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// leaderKey stores the current drain leader worker ID with the lease TTL.
const leaderKey = keyPrefix + "leader"
