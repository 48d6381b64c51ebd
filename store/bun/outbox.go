package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/id"
	"github.com/xraph/signoff/outbox"
)

// EnqueueMessage persists a new outbox message.
func (s *Store) EnqueueMessage(ctx context.Context, m *outbox.Message) error {
	_, err := s.db.NewInsert().Model(toMessageModel(m)).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return signoff.ErrMessageAlreadyExists
		}
		return fmt.Errorf("signoff/bun: enqueue message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, msgID id.MessageID) (*outbox.Message, error) {
	model := new(messageModel)
	err := s.db.NewSelect().
		Model(model).
		Where("id = ?", msgID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, signoff.ErrMessageNotFound
		}
		return nil, fmt.Errorf("signoff/bun: get message: %w", err)
	}
	return fromMessageModel(model)
}

// FetchEligible returns messages awaiting delivery: queued or failed,
// retry budget not exhausted, and past their NotBefore gate.
func (s *Store) FetchEligible(ctx context.Context, maxRetries int, opts outbox.ListOpts) ([]*outbox.Message, error) {
	q := s.db.NewSelect().
		Model((*messageModel)(nil)).
		Where("status IN (?)", bun.In([]string{string(outbox.StatusQueued), string(outbox.StatusFailed)})).
		Where("retry_count < ?", maxRetries).
		Where("not_before IS NULL OR not_before <= ?", time.Now().UTC()).
		Order("created_at ASC", "id ASC")

	var models []*messageModel
	if err := applyListOpts(q, opts).Scan(ctx, &models); err != nil {
		return nil, fmt.Errorf("signoff/bun: fetch eligible: %w", err)
	}
	return fromMessageModels(models)
}

// MarkMessageSent records a successful delivery.
func (s *Store) MarkMessageSent(ctx context.Context, msgID id.MessageID) error {
	res, err := s.db.NewUpdate().
		Model((*messageModel)(nil)).
		Set("status = ?", string(outbox.StatusSent)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", msgID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("signoff/bun: mark message sent: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("signoff/bun: mark message sent rows: %w", err)
	}
	if rows == 0 {
		return signoff.ErrMessageNotFound
	}
	return nil
}

// MarkMessageFailed records a failed attempt and returns the new retry
// count. The increment happens in the database so concurrent markers never
// lose an attempt.
func (s *Store) MarkMessageFailed(ctx context.Context, msgID id.MessageID, lastError string, notBefore time.Time) (int, error) {
	var nb *time.Time
	if !notBefore.IsZero() {
		nb = &notBefore
	}

	var retryCount int
	err := s.db.NewRaw(
		`UPDATE signoff_outbox
		 SET status = ?, retry_count = retry_count + 1, last_error = ?, not_before = ?, updated_at = ?
		 WHERE id = ?
		 RETURNING retry_count`,
		string(outbox.StatusFailed), lastError, nb, time.Now().UTC(), msgID.String(),
	).Scan(ctx, &retryCount)
	if err != nil {
		if isNoRows(err) {
			return 0, signoff.ErrMessageNotFound
		}
		return 0, fmt.Errorf("signoff/bun: mark message failed: %w", err)
	}
	return retryCount, nil
}

// ListMessages returns messages in the given state in creation order.
func (s *Store) ListMessages(ctx context.Context, status outbox.Status, opts outbox.ListOpts) ([]*outbox.Message, error) {
	q := s.db.NewSelect().
		Model((*messageModel)(nil)).
		Where("status = ?", string(status)).
		Order("created_at ASC", "id ASC")

	var models []*messageModel
	if err := applyListOpts(q, opts).Scan(ctx, &models); err != nil {
		return nil, fmt.Errorf("signoff/bun: list messages: %w", err)
	}
	return fromMessageModels(models)
}

// CountMessages returns the number of messages matching the options.
func (s *Store) CountMessages(ctx context.Context, opts outbox.CountOpts) (int64, error) {
	q := s.db.NewSelect().Model((*messageModel)(nil))
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Recipient != "" {
		q = q.Where("recipient = ?", opts.Recipient)
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("signoff/bun: count messages: %w", err)
	}
	return int64(count), nil
}

// ListDeadLetters returns failed messages whose retry budget is exhausted.
func (s *Store) ListDeadLetters(ctx context.Context, maxRetries int, opts outbox.ListOpts) ([]*outbox.Message, error) {
	q := s.db.NewSelect().
		Model((*messageModel)(nil)).
		Where("status = ?", string(outbox.StatusFailed)).
		Where("retry_count >= ?", maxRetries).
		Order("created_at ASC", "id ASC")

	var models []*messageModel
	if err := applyListOpts(q, opts).Scan(ctx, &models); err != nil {
		return nil, fmt.Errorf("signoff/bun: list dead letters: %w", err)
	}
	return fromMessageModels(models)
}

// RequeueMessage resets a message for fresh delivery.
func (s *Store) RequeueMessage(ctx context.Context, msgID id.MessageID) error {
	res, err := s.db.NewUpdate().
		Model((*messageModel)(nil)).
		Set("status = ?", string(outbox.StatusQueued)).
		Set("retry_count = 0").
		Set("last_error = ''").
		Set("not_before = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", msgID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("signoff/bun: requeue message: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("signoff/bun: requeue message rows: %w", err)
	}
	if rows == 0 {
		return signoff.ErrMessageNotFound
	}
	return nil
}

func applyListOpts(q *bun.SelectQuery, opts outbox.ListOpts) *bun.SelectQuery {
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	return q
}

func fromMessageModels(models []*messageModel) ([]*outbox.Message, error) {
	msgs := make([]*outbox.Message, 0, len(models))
	for _, m := range models {
		msg, err := fromMessageModel(m)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
