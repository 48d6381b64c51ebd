package bunstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/cluster"
	"github.com/xraph/signoff/id"
)

// RegisterWorker adds a worker to the registry. Re-registering an existing
// ID refreshes its hostname and last-seen timestamp.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	_, err := s.db.NewInsert().
		Model(toWorkerModel(w)).
		On("CONFLICT (id) DO UPDATE").
		Set("hostname = EXCLUDED.hostname").
		Set("last_seen = EXCLUDED.last_seen").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("signoff/bun: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.db.NewDelete().
		Model((*workerModel)(nil)).
		Where("id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("signoff/bun: deregister worker: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("signoff/bun: deregister worker rows: %w", err)
	}
	if rows == 0 {
		return signoff.ErrWorkerNotFound
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*workerModel)(nil)).
		Set("last_seen = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("signoff/bun: heartbeat worker: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("signoff/bun: heartbeat worker rows: %w", err)
	}
	if rows == 0 {
		return signoff.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers in registration order.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	var models []*workerModel
	err := s.db.NewSelect().
		Model(&models).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("signoff/bun: list workers: %w", err)
	}

	workers := make([]*cluster.Worker, 0, len(models))
	for _, m := range models {
		w, convErr := fromWorkerModel(m)
		if convErr != nil {
			return nil, convErr
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// AcquireLeadership attempts to take the drain lease for ttl. Expired
// leases are cleared first, then the claim is a guarded UPDATE on the
// caller's own row, so two racing workers end up with at most one leader.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(ttl)

	var acquired bool
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		// Clear lapsed leases.
		if _, err := tx.NewUpdate().
			Model((*workerModel)(nil)).
			Set("is_leader = FALSE").
			Set("leader_until = NULL").
			Where("is_leader = TRUE").
			Where("leader_until <= ?", now).
			Exec(ctx); err != nil {
			return fmt.Errorf("clear expired leases: %w", err)
		}

		res, err := tx.NewUpdate().
			Model((*workerModel)(nil)).
			Set("is_leader = TRUE").
			Set("leader_until = ?", until).
			Set("updated_at = ?", now).
			Where("id = ?", workerID.String()).
			Where("NOT EXISTS (SELECT 1 FROM signoff_workers w2 WHERE w2.is_leader AND w2.leader_until > ? AND w2.id <> ?)",
				now, workerID.String()).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("claim lease: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim lease rows: %w", err)
		}
		acquired = rows > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("signoff/bun: acquire leadership: %w", err)
	}
	return acquired, nil
}

// RenewLeadership extends the caller's lease. The guard requires the
// caller to still hold a live lease.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*workerModel)(nil)).
		Set("leader_until = ?", now.Add(ttl)).
		Set("updated_at = ?", now).
		Where("id = ?", workerID.String()).
		Where("is_leader = TRUE").
		Where("leader_until > ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("signoff/bun: renew leadership: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("signoff/bun: renew leadership rows: %w", err)
	}
	return rows > 0, nil
}

// GetLeader returns the current live leader, or nil when there is none.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	model := new(workerModel)
	err := s.db.NewSelect().
		Model(model).
		Where("is_leader = TRUE").
		Where("leader_until > ?", time.Now().UTC()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // no leader is a valid state, not an error
		}
		return nil, fmt.Errorf("signoff/bun: get leader: %w", err)
	}
	return fromWorkerModel(model)
}
