package outbox

import (
	"time"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/id"
)

// Status represents the delivery state of an outbox message.
type Status string

const (
	// StatusQueued means the message is awaiting its first delivery attempt.
	StatusQueued Status = "queued"
	// StatusSent means the transport accepted the message.
	StatusSent Status = "sent"
	// StatusFailed means the last attempt failed. The message is retried
	// while its retry count is below the budget; at the budget it is a
	// dead letter.
	StatusFailed Status = "failed"
)

// Message is one notification awaiting asynchronous delivery.
type Message struct {
	signoff.Entity

	ID         id.MessageID `json:"id"`
	Recipient  string       `json:"recipient"`
	Subject    string       `json:"subject"`
	Body       string       `json:"body"`
	Status     Status       `json:"status"`
	RetryCount int          `json:"retry_count"`
	LastError  string       `json:"last_error,omitempty"`

	// NotBefore is the earliest time the next delivery attempt may run.
	// Zero means immediately eligible. Set from the backoff strategy on
	// failure.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// New builds a queued message ready for enqueueing.
func New(recipient, subject, body string) *Message {
	return &Message{
		Entity:    signoff.NewEntity(),
		ID:        id.NewMessageID(),
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Status:    StatusQueued,
	}
}

// DeadLettered reports whether the message has exhausted the given retry
// budget.
func (m *Message) DeadLettered(maxRetries int) bool {
	return m.Status == StatusFailed && m.RetryCount >= maxRetries
}
