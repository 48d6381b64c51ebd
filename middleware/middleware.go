// Package middleware provides composable middleware for delivery attempts.
// Middleware wraps the transport call synchronously and can modify execution
// (recover from panics, enforce deadlines, log, add tracing and metrics).
package middleware

import (
	"context"

	"github.com/xraph/signoff/outbox"
)

// Handler is the terminal function that performs the transmission.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the message being delivered, and the next handler to
// call. Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, m *outbox.Message, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the list is
// the outermost wrapper.
//
// Example: Chain(logging, recovery, timeout) executes as:
//
//	logging → recovery → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, m *outbox.Message, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, m, prev)
			}
		}
		return h(ctx)
	}
}
