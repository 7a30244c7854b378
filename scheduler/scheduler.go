package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/backoff"
	"github.com/xraph/tempo/chain"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/ext"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	mw "github.com/xraph/tempo/middleware"
	"github.com/xraph/tempo/queue"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/throttle"
	"github.com/xraph/tempo/trigger"
)

// Store is the persistence the scheduler needs. store.Store satisfies it.
type Store interface {
	thread.Store
	lut.Store
	crank.Store
	dlq.Store
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig sets the scheduler configuration.
func WithConfig(cfg tempo.Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithLogger sets the logger used outside of a poll context.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithWorkerID sets the identity under which leases are taken.
func WithWorkerID(wid id.ID) Option {
	return func(s *Scheduler) { s.workerID = wid }
}

// WithExtensions sets the hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(s *Scheduler) { s.extensions = r }
}

// WithMiddleware appends submit middleware. The timeout bound from
// Config.SubmitTimeout always runs innermost.
func WithMiddleware(m ...mw.Middleware) Option {
	return func(s *Scheduler) { s.mws = append(s.mws, m...) }
}

// WithBackoff sets the retry strategy. Defaults to backoff.FromConfig.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Scheduler) { s.backoff = b }
}

// WithQueues sets where crank queues are looked up.
func WithQueues(p queue.Provider) Option {
	return func(s *Scheduler) { s.queues = p }
}

// WithStateReader sets where account triggers read data.
func WithStateReader(r chain.StateReader) Option {
	return func(s *Scheduler) { s.reader = r }
}

// WithResolver overrides the resolver built from the configuration.
func WithResolver(r *lut.Resolver) Option {
	return func(s *Scheduler) { s.resolver = r }
}

// WithThrottle overrides the per-authority throttle built from the
// configuration.
func WithThrottle(m *throttle.Manager) Option {
	return func(s *Scheduler) { s.throttle = m }
}

// Scheduler evaluates due threads and submits their batches.
type Scheduler struct {
	store    Store
	exec     executor.Executor
	clock    chain.Clock
	cfg      tempo.Config
	logger   *slog.Logger
	workerID id.ID

	extensions *ext.Registry
	mws        []mw.Middleware
	submit     mw.Middleware
	backoff    backoff.Strategy
	queues     queue.Provider
	reader     chain.StateReader
	resolver   *lut.Resolver
	throttle   *throttle.Manager
	evaluator  *trigger.Evaluator
	consumer   *crank.Consumer
	dlq        *dlq.Service

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler over store, submitting to exec and reading time
// and epochs from clock.
func New(store Store, exec executor.Executor, clock chain.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		exec:     exec,
		clock:    clock,
		cfg:      tempo.DefaultConfig(),
		logger:   slog.Default(),
		workerID: id.NewWorkerID(),
		queues:   queue.NewRegistry(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.extensions == nil {
		s.extensions = ext.NewRegistry(s.logger)
	}
	if s.backoff == nil {
		s.backoff = backoff.FromConfig(s.cfg)
	}
	if s.resolver == nil {
		s.resolver = lut.NewResolver(store, clock,
			lut.WithInlineLimit(s.cfg.InlineLimit),
			lut.WithWarmup(s.cfg.WarmupEpochs),
			lut.WithCapacity(s.cfg.TableCapacity),
			lut.WithLogger(s.logger),
		)
	}
	if s.throttle == nil {
		s.throttle = throttle.NewManager(throttle.Limits{
			RateLimit:      s.cfg.AuthorityRateLimit,
			RateBurst:      s.cfg.AuthorityRateBurst,
			MaxConcurrency: s.cfg.AuthorityConcurrency,
		})
	}
	s.evaluator = trigger.NewEvaluator(s.reader)
	s.consumer = crank.NewConsumer(store, s.queues, s.logger)
	s.dlq = dlq.NewService(store, store)
	s.submit = mw.Chain(append(append([]mw.Middleware(nil), s.mws...), mw.Timeout(s.cfg.SubmitTimeout))...)
	return s
}

// WorkerID returns the identity under which leases are taken.
func (s *Scheduler) WorkerID() id.ID { return s.workerID }

// Resolver returns the lookup table resolver.
func (s *Scheduler) Resolver() *lut.Resolver { return s.resolver }

// Start launches the poll loop. Polls run every Config.PollInterval until
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.wg.Add(1)
	go s.pollLoop(ctx)
	s.logger.Info("scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Int("concurrency", s.cfg.Concurrency),
	)
	return nil
}

// Stop ends the poll loop and waits for the in-flight poll. When ctx ends
// first the poll is cancelled; its leases expire on their own.
func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if s.cancel != nil {
		s.cancel()
	}
	<-done
	s.logger.Info("scheduler stopped", slog.String("worker_id", s.workerID.String()))
	return err
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			pc := NewPollContext(s.clock, s.workerID)
			pc.Logger = s.logger
			if _, err := s.Poll(ctx, pc); err != nil && ctx.Err() == nil {
				s.logger.Error("poll failed", slog.String("error", err.Error()))
			}
		}
	}
}
