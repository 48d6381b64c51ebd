// Package store defines the aggregate persistence interface. Each subsystem
// (task, outbox, cluster) defines its own store interface. The composite
// Store composes them all. Backends: Bun (Postgres), Redis, and Memory.
package store

import (
	"context"

	"github.com/xraph/signoff/cluster"
	"github.com/xraph/signoff/outbox"
	"github.com/xraph/signoff/task"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (bun, redis, memory) implements all of them.
type Store interface {
	task.Store
	outbox.Store
	cluster.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
