package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/signoff/outbox"
)

// Recover returns middleware that recovers from panics in the transport.
// Panics are converted to errors and logged with a stack trace, so a
// misbehaving transport becomes a recorded delivery failure instead of
// taking the sender pool down.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, m *outbox.Message, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("transport panicked",
					slog.String("message_id", m.ID.String()),
					slog.String("recipient", m.Recipient),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic delivering message %s: %v", m.ID.String(), r)
			}
		}()
		return next(ctx)
	}
}
