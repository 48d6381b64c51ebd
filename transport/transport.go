// Package transport defines the external delivery collaborator. The core
// treats it as opaque: an attempt either succeeds or fails, and the failure
// reason is recorded but never interpreted.
package transport

import "context"

// Sender transmits one message to one recipient. Implementations wrap a
// mail relay, an SMS gateway, a webhook — anything with a success/failure
// outcome. Senders must be safe for concurrent use; the delivery pool calls
// Transmit from multiple goroutines.
type Sender interface {
	Transmit(ctx context.Context, recipient, subject, body string) error
}

// Func adapts a plain function to the Sender interface.
type Func func(ctx context.Context, recipient, subject, body string) error

// Transmit implements Sender.
func (f Func) Transmit(ctx context.Context, recipient, subject, body string) error {
	return f(ctx, recipient, subject, body)
}
