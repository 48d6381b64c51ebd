package outbox

import (
	"context"
	"time"

	"github.com/xraph/signoff/id"
)

// ListOpts controls pagination for outbox queries.
type ListOpts struct {
	// Limit is the maximum number of messages to return. Zero means no limit.
	Limit int
	// Offset is the number of messages to skip.
	Offset int
}

// CountOpts filters message counts.
type CountOpts struct {
	// Status filters by delivery state. Empty means all states.
	Status Status
	// Recipient filters by recipient handle. Empty means all recipients.
	Recipient string
}

// Store defines the persistence contract for the delivery queue.
// Implementations must be safe for concurrent use.
type Store interface {
	// EnqueueMessage persists a new message. There is no deduplication:
	// multiple enqueues to the same recipient are independent messages.
	// Returns signoff.ErrMessageAlreadyExists only on an ID collision.
	EnqueueMessage(ctx context.Context, m *Message) error

	// GetMessage retrieves a message by ID. Returns
	// signoff.ErrMessageNotFound when absent.
	GetMessage(ctx context.Context, msgID id.MessageID) (*Message, error)

	// FetchEligible returns messages awaiting delivery: status queued or
	// failed, retry count strictly below maxRetries, and NotBefore at or
	// before now. Results are ordered by creation time then ID so offset
	// paging is deterministic.
	FetchEligible(ctx context.Context, maxRetries int, opts ListOpts) ([]*Message, error)

	// MarkMessageSent records a successful delivery: status sent, updated
	// timestamp refreshed, retry count untouched.
	MarkMessageSent(ctx context.Context, msgID id.MessageID) error

	// MarkMessageFailed records a failed attempt: status failed, retry
	// count incremented, NotBefore set to the given gate. Returns the new
	// retry count.
	MarkMessageFailed(ctx context.Context, msgID id.MessageID, lastError string, notBefore time.Time) (int, error)

	// ListMessages returns messages in the given state in creation order.
	ListMessages(ctx context.Context, status Status, opts ListOpts) ([]*Message, error)

	// CountMessages returns the number of messages matching the options.
	CountMessages(ctx context.Context, opts CountOpts) (int64, error)

	// ListDeadLetters returns failed messages whose retry count has
	// reached maxRetries, in creation order.
	ListDeadLetters(ctx context.Context, maxRetries int, opts ListOpts) ([]*Message, error)

	// RequeueMessage resets a message for fresh delivery: status queued,
	// retry count zero, NotBefore cleared. Operator escape hatch for dead
	// letters; the drain picks the message up on its next pass.
	RequeueMessage(ctx context.Context, msgID id.MessageID) error
}
