package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/cluster"
	"github.com/xraph/signoff/id"
)

// RegisterWorker adds a worker to the registry.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	wID := w.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, workerKey(wID), workerToMap(w))
	pipe.SAdd(ctx, workerIDsKey, wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("signoff/redis: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	wID := workerID.String()
	key := workerKey(wID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("signoff/redis: deregister exists: %w", err)
	}
	if exists == 0 {
		return signoff.ErrWorkerNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, workerIDsKey, wID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("signoff/redis: deregister worker: %w", err)
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	key := workerKey(workerID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("signoff/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return signoff.ErrWorkerNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.HSet(ctx, key,
		"last_seen", now,
		"updated_at", now,
	).Result()
	if err != nil {
		return fmt.Errorf("signoff/redis: heartbeat worker: %w", err)
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: list workers: %w", err)
	}

	workers := make([]*cluster.Worker, 0, len(ids))
	for _, wID := range ids {
		vals, getErr := s.client.HGetAll(ctx, workerKey(wID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue // skip missing
		}
		w, convErr := mapToWorker(vals)
		if convErr != nil {
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// AcquireLeadership claims the drain lease with SET NX and a TTL, so
// expiry needs no reaper and the claim itself is atomic.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()

	ok, err := s.client.SetNX(ctx, leaderKey, wID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("signoff/redis: acquire leadership setnx: %w", err)
	}
	if ok {
		s.markLeader(ctx, wID, ttl)
		return true, nil
	}

	// Check if we already hold it.
	current, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("signoff/redis: acquire leadership get: %w", err)
	}
	if current == wID {
		// Re-acquire: extend the TTL.
		if eErr := s.client.Expire(ctx, leaderKey, ttl).Err(); eErr != nil {
			s.logger.Warn("failed to extend leader key", "error", eErr)
		}
		s.markLeader(ctx, wID, ttl)
		return true, nil
	}

	return false, nil
}

// RenewLeadership extends the caller's lease.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()

	current, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil // no leader
		}
		return false, fmt.Errorf("signoff/redis: renew leadership get: %w", err)
	}
	if current != wID {
		return false, nil // not the leader
	}

	if eErr := s.client.Expire(ctx, leaderKey, ttl).Err(); eErr != nil {
		s.logger.Warn("failed to extend leader key", "error", eErr)
	}
	s.markLeader(ctx, wID, ttl)
	return true, nil
}

// GetLeader returns the current drain leader, or nil when there is none.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	wID, err := s.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil // no leader
		}
		return nil, fmt.Errorf("signoff/redis: get leader: %w", err)
	}

	vals, err := s.client.HGetAll(ctx, workerKey(wID)).Result()
	if err != nil || len(vals) == 0 {
		return nil, nil // leader key exists but worker gone
	}
	return mapToWorker(vals)
}

// ── helpers ──

// markLeader mirrors the lease onto the worker hash, best effort.
func (s *Store) markLeader(ctx context.Context, wID string, ttl time.Duration) {
	until := time.Now().UTC().Add(ttl)
	if _, err := s.client.HSet(ctx, workerKey(wID),
		"is_leader", "1",
		"leader_until", until.Format(time.RFC3339Nano),
	).Result(); err != nil {
		s.logger.Warn("failed to update leader fields", "error", err)
	}
}

func workerToMap(w *cluster.Worker) map[string]interface{} {
	m := map[string]interface{}{
		"id":         w.ID.String(),
		"hostname":   w.Hostname,
		"is_leader":  boolToStr(w.IsLeader),
		"last_seen":  w.LastSeen.Format(time.RFC3339Nano),
		"created_at": w.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": w.UpdatedAt.Format(time.RFC3339Nano),
	}
	if w.LeaderUntil != nil {
		m["leader_until"] = w.LeaderUntil.Format(time.RFC3339Nano)
	}
	return m
}

func mapToWorker(m map[string]string) (*cluster.Worker, error) {
	wID, err := id.ParseWorkerID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: parse worker id: %w", err)
	}

	lastSeen, _ := time.Parse(time.RFC3339Nano, m["last_seen"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	w := &cluster.Worker{
		Entity: signoff.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:       wID,
		Hostname: m["hostname"],
		IsLeader: m["is_leader"] == "1",
		LastSeen: lastSeen,
	}

	if v := m["leader_until"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		w.LeaderUntil = &t
	}
	return w, nil
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
