// Package sender provides the delivery dispatcher — a bounded pool of
// worker goroutines that push outbox messages through the middleware
// chain and the configured transport, then record the outcome.
//
// Delivery errors never escape the pool. A failed attempt marks the
// message failed with an incremented retry count and a backoff gate;
// the drain scheduler picks it up again once the gate passes.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/signoff/backoff"
	"github.com/xraph/signoff/hooks"
	"github.com/xraph/signoff/middleware"
	"github.com/xraph/signoff/outbox"
	"github.com/xraph/signoff/transport"
)

// ErrStopped is returned by Submit after the sender has been stopped.
var ErrStopped = errors.New("sender stopped")

// Sender dispatches outbox messages to the transport through a bounded
// backlog and a fixed set of worker goroutines. Submit blocks when the
// backlog is full, which applies backpressure to the drain scheduler
// instead of dropping messages.
type Sender struct {
	store      outbox.Store
	transport  transport.Sender
	extensions *hooks.Registry
	backoff    backoff.Strategy
	mw         middleware.Middleware
	limiter    *rate.Limiter
	logger     *slog.Logger

	workers    int
	maxRetries int

	backlog chan *outbox.Message
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Sender.
type Option func(*Sender)

// WithWorkers sets the number of concurrent delivery goroutines.
func WithWorkers(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithBacklog sets the capacity of the pending-delivery channel.
func WithBacklog(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.backlog = make(chan *outbox.Message, n)
		}
	}
}

// WithMaxRetries sets the attempt count at which a failed message is
// considered dead lettered.
func WithMaxRetries(n int) Option {
	return func(s *Sender) { s.maxRetries = n }
}

// WithBackoff sets the strategy used to compute the retry gate after a
// failed attempt.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Sender) { s.backoff = b }
}

// WithRateLimit throttles delivery attempts across all workers. A nil
// limiter disables throttling.
func WithRateLimit(l *rate.Limiter) Option {
	return func(s *Sender) { s.limiter = l }
}

// WithMiddleware sets the middleware chain wrapped around each attempt.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Sender) { s.mw = middleware.Chain(mws...) }
}

// New creates a delivery dispatcher.
func New(
	store outbox.Store,
	tr transport.Sender,
	extensions *hooks.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Sender {
	s := &Sender{
		store:      store,
		transport:  tr,
		extensions: extensions,
		backoff:    backoff.DefaultStrategy(),
		mw:         middleware.Chain(),
		logger:     logger,
		workers:    5,
		maxRetries: 3,
		backlog:    make(chan *outbox.Message, 500),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the delivery workers. It returns immediately.
func (s *Sender) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	s.logger.Info("delivery dispatcher starting",
		slog.Int("workers", s.workers),
		slog.Int("backlog", cap(s.backlog)),
	)

	for range s.workers {
		s.wg.Add(1)
		go s.deliverLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight deliveries
// to finish or the context deadline to pass. Messages left in the
// backlog are not lost — they remain queued in the store and the next
// drain pass fetches them again.
func (s *Sender) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("delivery dispatcher stopping")

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("delivery dispatcher stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("delivery dispatcher shutdown timed out")
	}

	return nil
}

// Submit hands a message to the delivery backlog. It blocks while the
// backlog is full and returns ErrStopped once the sender has shut down.
func (s *Sender) Submit(ctx context.Context, m *outbox.Message) error {
	select {
	case s.backlog <- m:
		return nil
	case <-s.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverLoop is run by each worker goroutine.
func (s *Sender) deliverLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case m := <-s.backlog:
			s.deliver(m)
		}
	}
}

// deliver runs one attempt through the middleware chain and transport,
// then records the outcome. All errors are absorbed here.
func (s *Sender) deliver(m *outbox.Message) {
	ctx := context.Background()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.logger.Error("rate limiter wait failed", slog.String("error", err.Error()))
			return
		}
	}

	start := time.Now()

	terminal := func(ctx context.Context) error {
		return s.transport.Transmit(ctx, m.Recipient, m.Subject, m.Body)
	}

	err := s.mw(ctx, m, terminal)
	elapsed := time.Since(start)

	if err != nil {
		s.recordFailure(ctx, m, err)
		return
	}

	s.recordSuccess(ctx, m, elapsed)
}

func (s *Sender) recordSuccess(ctx context.Context, m *outbox.Message, elapsed time.Duration) {
	if err := s.store.MarkMessageSent(ctx, m.ID); err != nil {
		s.logger.Error("failed to mark message sent",
			slog.String("message_id", m.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	m.Status = outbox.StatusSent
	s.extensions.EmitMessageSent(ctx, m, elapsed)
}

func (s *Sender) recordFailure(ctx context.Context, m *outbox.Message, deliveryErr error) {
	notBefore := time.Now().UTC().Add(s.backoff.Delay(m.RetryCount + 1))

	retries, err := s.store.MarkMessageFailed(ctx, m.ID, deliveryErr.Error(), notBefore)
	if err != nil {
		s.logger.Error("failed to mark message failed",
			slog.String("message_id", m.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	m.Status = outbox.StatusFailed
	m.RetryCount = retries
	m.LastError = deliveryErr.Error()
	m.NotBefore = notBefore

	if retries >= s.maxRetries {
		s.extensions.EmitMessageDeadLettered(ctx, m, deliveryErr)

		s.logger.Warn("message dead lettered after exhausting retries",
			slog.String("message_id", m.ID.String()),
			slog.String("recipient", m.Recipient),
			slog.Int("retry_count", retries),
			slog.String("error", deliveryErr.Error()),
		)
		return
	}

	s.extensions.EmitMessageRetrying(ctx, m, retries, notBefore)

	s.logger.Info("message scheduled for retry",
		slog.String("message_id", m.ID.String()),
		slog.String("recipient", m.Recipient),
		slog.Int("attempt", retries),
		slog.Int("max_retries", s.maxRetries),
		slog.Time("not_before", notBefore),
	)
}
