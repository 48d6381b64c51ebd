package middleware

import (
	"context"
	"time"

	"github.com/xraph/signoff/outbox"
)

// Timeout returns middleware that enforces a per-attempt deadline. A zero
// duration disables the deadline and the middleware becomes a pass-through.
// When the deadline is exceeded the context is cancelled and the transport
// should return context.DeadlineExceeded, which is recorded as an ordinary
// delivery failure.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *outbox.Message, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
