// Package task defines the approval domain model: a Task with a fixed set
// of assigned approvers, one Approval record per (task, approver) pair, and
// the Store contract backends must satisfy.
//
// Consensus is set equality: a task becomes approved if and only if the set
// of approvers holding an approved record equals the assigned approver set.
// A single rejection never terminates a task; it stays pending until every
// approver approves, or forever.
//
// The Store contract carries the two operations that must be atomic with
// respect to concurrent decisions: DecideApproval (per-pair check-then-write)
// and TransitionTask (compare-and-set on the task status, which makes the
// consensus side effects fire exactly once).
package task
