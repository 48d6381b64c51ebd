package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/signoff/outbox"
)

// Logging returns middleware that logs the start and outcome of each
// delivery attempt.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, m *outbox.Message, next Handler) error {
		logger.Debug("delivery attempt started",
			slog.String("message_id", m.ID.String()),
			slog.String("recipient", m.Recipient),
			slog.Int("retry_count", m.RetryCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("delivery attempt failed",
				slog.String("message_id", m.ID.String()),
				slog.String("recipient", m.Recipient),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("message delivered",
				slog.String("message_id", m.ID.String()),
				slog.String("recipient", m.Recipient),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
