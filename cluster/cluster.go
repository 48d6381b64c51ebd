// Package cluster tracks the workers of a signoff deployment and elects the
// single leader allowed to run the outbox drain. Single-process deployments
// hold leadership trivially; multi-node deployments elect exactly one
// drainer so a page of eligible messages is never double-submitted.
package cluster

import (
	"context"
	"time"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/id"
)

// Worker is one registered process in the deployment.
type Worker struct {
	signoff.Entity

	ID          id.WorkerID `json:"id"`
	Hostname    string      `json:"hostname"`
	LastSeen    time.Time   `json:"last_seen"`
	IsLeader    bool        `json:"is_leader"`
	LeaderUntil *time.Time  `json:"leader_until,omitempty"`
}

// Store defines the persistence contract for worker registration and drain
// leadership.
type Store interface {
	// RegisterWorker adds a worker to the registry.
	RegisterWorker(ctx context.Context, w *Worker) error

	// DeregisterWorker removes a worker from the registry.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// HeartbeatWorker updates the last-seen timestamp for a worker.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error

	// ListWorkers returns all registered workers in registration order.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// AcquireLeadership attempts to become the drain leader for ttl.
	// Returns false when another live leader holds the role.
	AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// RenewLeadership extends the caller's hold. Returns false when the
	// caller is not the current leader.
	RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// GetLeader returns the current leader, or nil when there is none or
	// the lease has lapsed.
	GetLeader(ctx context.Context) (*Worker, error)
}
