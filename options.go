package signoff

import (
	"context"
	"log/slog"
)

// Option configures a Service.
type Option func(*Service) error

// Storer is the minimal store interface held by the Service. It covers
// lifecycle operations only. The full composite interface (store.Store) is
// used in subsystem layers that don't create import cycles. Implementations
// satisfy store.Store which embeds all subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// runner is an internal interface for background subsystem lifecycle
// (sender pool, outbox drainer).
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// shutdownEmitter is an internal interface for lifecycle hook fan-out.
type shutdownEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Service is the central coordinator for approval processing and outbox
// delivery.
//
// Create one with New() and functional options, then wire the subsystems
// with engine.Build. The Service holds references to background runners via
// internal interfaces to avoid import cycles.
type Service struct {
	config Config
	logger *slog.Logger
	store  Storer
	hooks  shutdownEmitter

	// runners are started in order and stopped in reverse.
	runners []runner

	started bool
}

// New creates a new Service with the given options.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Logger returns the service's logger.
func (s *Service) Logger() *slog.Logger { return s.logger }

// Store returns the service's store.
func (s *Service) Store() Storer { return s.store }

// Config returns a copy of the service's configuration.
func (s *Service) Config() Config { return s.config }

// SetRunners sets the background runners (called by the engine package).
func (s *Service) SetRunners(rs ...runner) { s.runners = rs }

// SetHooks sets the shutdown hook emitter (called by the engine package).
func (s *Service) SetHooks(h shutdownEmitter) { s.hooks = h }

// Start launches the background subsystems: the sender pool first, then the
// outbox drainer.
func (s *Service) Start(ctx context.Context) error {
	if s.store == nil {
		return ErrNoStore
	}
	for _, r := range s.runners {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	s.started = true
	return nil
}

// Stop gracefully shuts down the service: runners in reverse start order,
// then the shutdown hooks, then the store.
func (s *Service) Stop(ctx context.Context) error {
	if s.started {
		for i := len(s.runners) - 1; i >= 0; i-- {
			if err := s.runners[i].Stop(ctx); err != nil {
				s.logger.Error("runner stop error", "error", err)
			}
		}
	}
	if s.hooks != nil {
		s.hooks.EmitShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// WithStore sets the persistence backend for the service. The store must
// implement Storer at minimum; typically it will be a store.Store which
// embeds all subsystem store interfaces.
func WithStore(st Storer) Option {
	return func(s *Service) error {
		s.store = st
		return nil
	}
}

// WithLogger sets the structured logger for the service.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = l
		return nil
	}
}

// WithMaxRetries sets the delivery retry budget.
func WithMaxRetries(n int) Option {
	return func(s *Service) error {
		s.config.MaxRetries = n
		return nil
	}
}

// WithDrainSchedule sets the cron expression driving the outbox drain.
func WithDrainSchedule(expr string) Option {
	return func(s *Service) error {
		s.config.DrainSchedule = expr
		return nil
	}
}

// WithDrainPageSize sets how many eligible messages one drain pass fetches
// per page.
func WithDrainPageSize(n int) Option {
	return func(s *Service) error {
		s.config.DrainPageSize = n
		return nil
	}
}

// WithSenderConcurrency sets the number of concurrent sender workers.
func WithSenderConcurrency(n int) Option {
	return func(s *Service) error {
		s.config.SenderConcurrency = n
		return nil
	}
}

// WithSenderBacklog sets the capacity of the sender handoff channel.
func WithSenderBacklog(n int) Option {
	return func(s *Service) error {
		s.config.SenderBacklog = n
		return nil
	}
}
