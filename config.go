package signoff

import "time"

// Config holds configuration for the Service.
type Config struct {
	// MaxRetries is the delivery retry budget. A message whose retry count
	// reaches this value is dead-lettered and never re-selected.
	MaxRetries int

	// DrainSchedule is the cron expression driving the outbox drain.
	// Standard 5-field expressions and descriptors like "@every 5m" are
	// accepted.
	DrainSchedule string

	// DrainPageSize is how many eligible messages one drain pass fetches
	// per page.
	DrainPageSize int

	// SenderConcurrency is the number of concurrent sender workers.
	SenderConcurrency int

	// SenderBacklog is the capacity of the sender handoff channel. Submit
	// blocks once this many messages are waiting.
	SenderBacklog int

	// SendTimeout bounds a single transmission attempt. Zero disables the
	// per-attempt deadline.
	SendTimeout time.Duration

	// LeaderTTL is how long drain leadership is held before it must be
	// renewed.
	LeaderTTL time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults. The drain cadence
// and retry budget match the classic outbox processor: a five minute sweep
// and three attempts per message.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		DrainSchedule:     "@every 5m",
		DrainPageSize:     1000,
		SenderConcurrency: 5,
		SenderBacklog:     500,
		SendTimeout:       30 * time.Second,
		LeaderTTL:         15 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}
