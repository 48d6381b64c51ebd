package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/id"
	"github.com/xraph/signoff/outbox"
)

// EnqueueMessage stores the message as a Hash and adds it to the index Set.
func (s *Store) EnqueueMessage(ctx context.Context, m *outbox.Message) error {
	mID := m.ID.String()
	key := messageKey(mID)

	// Check for duplicate.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("signoff/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return signoff.ErrMessageAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, messageToMap(m))
	pipe.SAdd(ctx, messageIDsKey, mID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("signoff/redis: enqueue message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, msgID id.MessageID) (*outbox.Message, error) {
	vals, err := s.client.HGetAll(ctx, messageKey(msgID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: get message: %w", err)
	}
	if len(vals) == 0 {
		return nil, signoff.ErrMessageNotFound
	}
	return mapToMessage(vals)
}

// FetchEligible returns messages awaiting delivery: queued or failed,
// retry budget not exhausted, and past their NotBefore gate.
func (s *Store) FetchEligible(ctx context.Context, maxRetries int, opts outbox.ListOpts) ([]*outbox.Message, error) {
	now := time.Now().UTC()
	msgs, err := s.scanMessages(ctx, func(m *outbox.Message) bool {
		if m.Status != outbox.StatusQueued && m.Status != outbox.StatusFailed {
			return false
		}
		if m.RetryCount >= maxRetries {
			return false
		}
		return m.NotBefore.IsZero() || !m.NotBefore.After(now)
	})
	if err != nil {
		return nil, err
	}
	return pageMessages(msgs, opts), nil
}

// MarkMessageSent records a successful delivery.
func (s *Store) MarkMessageSent(ctx context.Context, msgID id.MessageID) error {
	key := messageKey(msgID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("signoff/redis: mark sent exists: %w", err)
	}
	if exists == 0 {
		return signoff.ErrMessageNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"status", string(outbox.StatusSent),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("signoff/redis: mark message sent: %w", err)
	}
	return nil
}

// MarkMessageFailed records a failed attempt. The retry count increments
// with HINCRBY so concurrent markers never lose an attempt.
func (s *Store) MarkMessageFailed(ctx context.Context, msgID id.MessageID, lastError string, notBefore time.Time) (int, error) {
	key := messageKey(msgID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("signoff/redis: mark failed exists: %w", err)
	}
	if exists == 0 {
		return 0, signoff.ErrMessageNotFound
	}

	nb := ""
	if !notBefore.IsZero() {
		nb = notBefore.Format(time.RFC3339Nano)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", string(outbox.StatusFailed),
		"last_error", lastError,
		"not_before", nb,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	incr := pipe.HIncrBy(ctx, key, "retry_count", 1)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("signoff/redis: mark message failed: %w", err)
	}
	return int(incr.Val()), nil
}

// ListMessages returns messages in the given state in creation order.
func (s *Store) ListMessages(ctx context.Context, status outbox.Status, opts outbox.ListOpts) ([]*outbox.Message, error) {
	msgs, err := s.scanMessages(ctx, func(m *outbox.Message) bool {
		return m.Status == status
	})
	if err != nil {
		return nil, err
	}
	return pageMessages(msgs, opts), nil
}

// CountMessages returns the number of messages matching the options.
func (s *Store) CountMessages(ctx context.Context, opts outbox.CountOpts) (int64, error) {
	msgs, err := s.scanMessages(ctx, func(m *outbox.Message) bool {
		if opts.Status != "" && m.Status != opts.Status {
			return false
		}
		return opts.Recipient == "" || m.Recipient == opts.Recipient
	})
	if err != nil {
		return 0, err
	}
	return int64(len(msgs)), nil
}

// ListDeadLetters returns failed messages whose retry budget is exhausted.
func (s *Store) ListDeadLetters(ctx context.Context, maxRetries int, opts outbox.ListOpts) ([]*outbox.Message, error) {
	msgs, err := s.scanMessages(ctx, func(m *outbox.Message) bool {
		return m.DeadLettered(maxRetries)
	})
	if err != nil {
		return nil, err
	}
	return pageMessages(msgs, opts), nil
}

// RequeueMessage resets a message for fresh delivery.
func (s *Store) RequeueMessage(ctx context.Context, msgID id.MessageID) error {
	key := messageKey(msgID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("signoff/redis: requeue exists: %w", err)
	}
	if exists == 0 {
		return signoff.ErrMessageNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"status", string(outbox.StatusQueued),
		"retry_count", "0",
		"last_error", "",
		"not_before", "",
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("signoff/redis: requeue message: %w", err)
	}
	return nil
}

// ── helpers ──

// scanMessages enumerates every message and keeps the ones matching the
// predicate, sorted by creation time then ID for stable paging.
func (s *Store) scanMessages(ctx context.Context, keep func(*outbox.Message) bool) ([]*outbox.Message, error) {
	ids, err := s.client.SMembers(ctx, messageIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: scan messages smembers: %w", err)
	}

	var msgs []*outbox.Message
	for _, mID := range ids {
		vals, getErr := s.client.HGetAll(ctx, messageKey(mID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue // skip missing
		}
		m, convErr := mapToMessage(vals)
		if convErr != nil {
			continue
		}
		if keep(m) {
			msgs = append(msgs, m)
		}
	}

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID.String() < msgs[j].ID.String()
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func pageMessages(msgs []*outbox.Message, opts outbox.ListOpts) []*outbox.Message {
	if opts.Offset > 0 {
		if opts.Offset >= len(msgs) {
			return nil
		}
		msgs = msgs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(msgs) {
		msgs = msgs[:opts.Limit]
	}
	return msgs
}

func messageToMap(m *outbox.Message) map[string]interface{} {
	nb := ""
	if !m.NotBefore.IsZero() {
		nb = m.NotBefore.Format(time.RFC3339Nano)
	}
	return map[string]interface{}{
		"id":          m.ID.String(),
		"recipient":   m.Recipient,
		"subject":     m.Subject,
		"body":        m.Body,
		"status":      string(m.Status),
		"retry_count": strconv.Itoa(m.RetryCount),
		"last_error":  m.LastError,
		"not_before":  nb,
		"created_at":  m.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  m.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToMessage(m map[string]string) (*outbox.Message, error) {
	mID, err := id.ParseMessageID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("signoff/redis: parse message id: %w", err)
	}

	retryCount, _ := strconv.Atoi(m["retry_count"])               //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	msg := &outbox.Message{
		Entity: signoff.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         mID,
		Recipient:  m["recipient"],
		Subject:    m["subject"],
		Body:       m["body"],
		Status:     outbox.Status(m["status"]),
		RetryCount: retryCount,
		LastError:  m["last_error"],
	}

	if v := m["not_before"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		msg.NotBefore = t
	}
	return msg, nil
}
