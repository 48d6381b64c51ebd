// Package drain provides the queue drain scheduler. On a cron cadence the
// elected leader pages through eligible outbox messages and hands each one
// to the delivery dispatcher. Non-leaders idle; leadership is a TTL lease
// in the cluster store, so a crashed leader is replaced within one lease.
package drain

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/signoff"
	"github.com/xraph/signoff/cluster"
	"github.com/xraph/signoff/id"
	"github.com/xraph/signoff/outbox"
)

// SubmitFunc is the callback the drainer uses to hand a message to the
// delivery dispatcher. This breaks the import cycle: the engine provides
// the implementation.
type SubmitFunc func(ctx context.Context, m *outbox.Message) error

// Emitter emits drain lifecycle events.
// hooks.Registry satisfies this interface via EmitDrainStarted.
type Emitter interface {
	EmitDrainStarted(ctx context.Context)
}

// cronParser supports standard 5-field cron and descriptors like "@every 5m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Drainer.
type Option func(*Drainer)

// WithPageSize sets how many messages one drain pass fetches per page.
func WithPageSize(n int) Option {
	return func(d *Drainer) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// WithMaxRetries sets the retry budget used when fetching eligible messages.
func WithMaxRetries(n int) Option {
	return func(d *Drainer) { d.maxRetries = n }
}

// WithLeaderTTL sets the TTL for the drain leadership lease.
func WithLeaderTTL(ttl time.Duration) Option {
	return func(d *Drainer) { d.leaderTTL = ttl }
}

// Drainer periodically drains the outbox. Only the cluster leader runs a
// pass, so a page of messages is never submitted twice across workers.
type Drainer struct {
	outboxStore  outbox.Store
	clusterStore cluster.Store
	submit       SubmitFunc
	emitter      Emitter
	workerID     id.WorkerID
	logger       *slog.Logger

	schedule   cronlib.Schedule
	pageSize   int
	maxRetries int
	leaderTTL  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Drainer. The schedule accepts standard 5-field cron
// expressions and descriptors like "@every 5m".
func New(
	outboxStore outbox.Store,
	clusterStore cluster.Store,
	submit SubmitFunc,
	emitter Emitter,
	schedule string,
	logger *slog.Logger,
	opts ...Option,
) (*Drainer, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Drainer{
		outboxStore:  outboxStore,
		clusterStore: clusterStore,
		submit:       submit,
		emitter:      emitter,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		schedule:     sched,
		pageSize:     1000,
		maxRetries:   3,
		leaderTTL:    15 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// WorkerID returns the drainer's unique worker identifier.
func (d *Drainer) WorkerID() id.WorkerID { return d.workerID }

// Start registers this worker, then launches the leader election and
// drain tick goroutines.
func (d *Drainer) Start(ctx context.Context) error {
	hostname, _ := os.Hostname()
	w := &cluster.Worker{
		Entity:   signoff.NewEntity(),
		ID:       d.workerID,
		Hostname: hostname,
		LastSeen: time.Now().UTC(),
	}
	if err := d.clusterStore.RegisterWorker(ctx, w); err != nil {
		return err
	}

	d.stopCh = make(chan struct{})
	d.wg.Add(2)
	go d.leaderLoop()
	go d.tickLoop()

	d.logger.Info("drain scheduler started",
		slog.String("worker_id", d.workerID.String()),
		slog.Int("page_size", d.pageSize),
	)
	return nil
}

// Stop signals the drainer to stop, waits for goroutines to finish, and
// deregisters the worker.
func (d *Drainer) Stop(ctx context.Context) error {
	if d.stopCh == nil {
		return nil
	}
	close(d.stopCh)
	d.wg.Wait()

	if err := d.clusterStore.DeregisterWorker(ctx, d.workerID); err != nil {
		d.logger.Warn("deregister worker error", slog.String("error", err.Error()))
	}

	d.logger.Info("drain scheduler stopped")
	return nil
}

// leaderLoop continuously heartbeats and attempts to acquire or renew
// drain leadership.
func (d *Drainer) leaderLoop() {
	defer d.wg.Done()

	renewInterval := d.leaderTTL / 2
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	// Try once immediately at start.
	d.tryLeadership()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tryLeadership()
		}
	}
}

func (d *Drainer) tryLeadership() {
	ctx := context.Background()

	if err := d.clusterStore.HeartbeatWorker(ctx, d.workerID); err != nil {
		d.logger.Warn("worker heartbeat error", slog.String("error", err.Error()))
	}

	// Try to renew first (cheap if already leader).
	renewed, err := d.clusterStore.RenewLeadership(ctx, d.workerID, d.leaderTTL)
	if err != nil {
		d.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		return
	}
	if renewed {
		return
	}

	// Not leader yet; try to acquire.
	acquired, err := d.clusterStore.AcquireLeadership(ctx, d.workerID, d.leaderTTL)
	if err != nil {
		d.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		return
	}
	if acquired {
		d.logger.Info("acquired drain leadership", slog.String("worker_id", d.workerID.String()))
	}
}

// tickLoop sleeps until the next scheduled fire, then runs a drain pass
// if this worker holds leadership.
func (d *Drainer) tickLoop() {
	defer d.wg.Done()

	for {
		next := d.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-d.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			d.tick()
		}
	}
}

func (d *Drainer) tick() {
	ctx := context.Background()

	leader, err := d.clusterStore.GetLeader(ctx)
	if err != nil {
		d.logger.Warn("get leader error", slog.String("error", err.Error()))
		return
	}
	if leader == nil || leader.ID != d.workerID {
		return // Not the leader; skip.
	}

	if err := d.Drain(ctx); err != nil {
		d.logger.Error("drain pass error", slog.String("error", err.Error()))
	}
}

// Drain runs one pass: it pages through eligible messages and submits
// each to the dispatcher. An empty first page means nothing is pending
// and the pass is a no-op. The pass stops at the first short page.
func (d *Drainer) Drain(ctx context.Context) error {
	page, err := d.outboxStore.FetchEligible(ctx, d.maxRetries, outbox.ListOpts{Limit: d.pageSize})
	if err != nil {
		return err
	}
	if len(page) == 0 {
		d.logger.Debug("drain pass found no eligible messages")
		return nil
	}

	if d.emitter != nil {
		d.emitter.EmitDrainStarted(ctx)
	}

	var submitted int
	offset := 0
	for {
		for _, m := range page {
			if submitErr := d.submit(ctx, m); submitErr != nil {
				d.logger.Warn("drain pass aborted",
					slog.Int("submitted", submitted),
					slog.String("error", submitErr.Error()),
				)
				return submitErr
			}
			submitted++
		}

		if len(page) < d.pageSize {
			break
		}

		offset += len(page)
		page, err = d.outboxStore.FetchEligible(ctx, d.maxRetries, outbox.ListOpts{Limit: d.pageSize, Offset: offset})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
	}

	d.logger.Info("drain pass complete", slog.Int("submitted", submitted))
	return nil
}
