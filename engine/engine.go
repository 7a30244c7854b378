// Package engine wires all tempo subsystems together. It creates the
// extension registry, the submit middleware chain, the scheduler and the
// admin service over one store and one executor.
//
// This package exists to break the import cycle: the root tempo package
// defines Entity and the error taxonomy (imported by thread, lut, crank,
// etc.) and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/admin"
	"github.com/xraph/tempo/backoff"
	"github.com/xraph/tempo/chain"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/ext"
	"github.com/xraph/tempo/id"
	mw "github.com/xraph/tempo/middleware"
	"github.com/xraph/tempo/observability"
	"github.com/xraph/tempo/queue"
	"github.com/xraph/tempo/scheduler"
	"github.com/xraph/tempo/store"
	"github.com/xraph/tempo/stream"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/throttle"
)

// Engine owns a scheduler and an admin service sharing one store,
// executor, clock and extension registry.
type Engine struct {
	store      store.Store
	exec       executor.Executor
	clock      chain.Clock
	cfg        tempo.Config
	logger     *slog.Logger
	extensions *ext.Registry
	mws        []mw.Middleware
	bo         backoff.Strategy
	queues     queue.Provider
	reader     chain.StateReader
	throttle   *throttle.Manager
	workerID   id.ID
	broker     *stream.Broker
	withBroker bool
	brokerOpts []stream.BrokerOption

	scheduler  *scheduler.Scheduler
	admin      *admin.Service
	dlqService *dlq.Service

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the configuration shared by the scheduler, the resolver
// and the admin service.
func WithConfig(cfg tempo.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware adds middleware to the submit chain. User middleware runs
// inside the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy.
// If not set, the strategy is derived from Config.RetryInitial/RetryMax.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithQueues sets where cranks find their event queues.
func WithQueues(p queue.Provider) Option {
	return func(eng *Engine) { eng.queues = p }
}

// WithStateReader sets the account reader used by account triggers.
func WithStateReader(r chain.StateReader) Option {
	return func(eng *Engine) { eng.reader = r }
}

// WithThrottle replaces the per-authority limiter built from Config.
func WithThrottle(m *throttle.Manager) Option {
	return func(eng *Engine) { eng.throttle = m }
}

// WithWorkerID fixes the identity under which the scheduler takes leases.
// Useful when a restarted process should reclaim its own leases.
func WithWorkerID(wid id.ID) Option {
	return func(eng *Engine) { eng.workerID = wid }
}

// WithStreamBroker registers a stream.Broker as an extension so lifecycle
// events can be served to remote subscribers. See StreamBroker.
func WithStreamBroker(opts ...stream.BrokerOption) Option {
	return func(eng *Engine) {
		eng.withBroker = true
		eng.brokerOpts = opts
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. Both the metrics
// middleware and the observability extension use it.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build creates an Engine over s, submitting batches to exec.
func Build(s store.Store, exec executor.Executor, clock chain.Clock, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, tempo.ErrNoStore
	}
	if exec == nil {
		return nil, tempo.ErrNoExecutor
	}
	if clock == nil {
		return nil, fmt.Errorf("tempo/engine: no clock configured")
	}

	eng := &Engine{
		store:      s,
		exec:       exec,
		clock:      clock,
		cfg:        tempo.DefaultConfig(),
		logger:     slog.Default(),
		extensions: ext.NewRegistry(slog.Default()),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if err := eng.cfg.Validate(); err != nil {
		return nil, err
	}
	if eng.bo == nil {
		eng.bo = backoff.FromConfig(eng.cfg)
	}
	if eng.workerID.IsNil() {
		eng.workerID = id.NewWorkerID()
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/xraph/tempo"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/xraph/tempo"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter("github.com/xraph/tempo/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	if eng.withBroker {
		eng.broker = stream.NewBroker(eng.logger, eng.brokerOpts...)
		eng.extensions.Register(eng.broker)
	}

	// Default stack: recover → tracing → metrics → logging → user; the
	// scheduler appends the submit timeout innermost.
	allMws := make([]mw.Middleware, 0, 4+len(eng.mws))
	allMws = append(allMws,
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
	)
	allMws = append(allMws, eng.mws...)

	schedOpts := []scheduler.Option{
		scheduler.WithConfig(eng.cfg),
		scheduler.WithLogger(eng.logger),
		scheduler.WithWorkerID(eng.workerID),
		scheduler.WithExtensions(eng.extensions),
		scheduler.WithMiddleware(allMws...),
		scheduler.WithBackoff(eng.bo),
	}
	if eng.queues != nil {
		schedOpts = append(schedOpts, scheduler.WithQueues(eng.queues))
	}
	if eng.reader != nil {
		schedOpts = append(schedOpts, scheduler.WithStateReader(eng.reader))
	}
	if eng.throttle != nil {
		schedOpts = append(schedOpts, scheduler.WithThrottle(eng.throttle))
	}
	eng.scheduler = scheduler.New(s, exec, clock, schedOpts...)

	eng.admin = admin.NewService(s, clock,
		admin.WithConfig(eng.cfg),
		admin.WithExtensions(eng.extensions),
		admin.WithLogger(eng.logger),
	)
	eng.dlqService = dlq.NewService(s, s)

	return eng, nil
}

// Start checks the store and launches the poll loop.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.store.Ping(ctx); err != nil {
		return fmt.Errorf("tempo/engine: store unavailable: %w", err)
	}
	return eng.scheduler.Start(ctx)
}

// Stop waits for the in-flight poll, then notifies Shutdown extensions.
func (eng *Engine) Stop(ctx context.Context) error {
	err := eng.scheduler.Stop(ctx)
	if err != nil {
		eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}
	eng.extensions.EmitShutdown(ctx)
	return err
}

// Poll runs a single scheduler pass at the clock's current time.
func (eng *Engine) Poll(ctx context.Context) (scheduler.Summary, error) {
	pc := scheduler.NewPollContext(eng.clock, eng.workerID)
	pc.Logger = eng.logger
	return eng.scheduler.Poll(ctx, pc)
}

// Replay resumes the thread behind a failure report and resolves its open
// reports. Authorities resume through Admin().ResumeThread; Replay is the
// operator path and is not signed.
func (eng *Engine) Replay(ctx context.Context, reportID id.ID) error {
	t, err := eng.dlqService.Replay(ctx, reportID)
	if err != nil {
		return err
	}
	eng.logger.Info("thread replayed",
		slog.String("thread_id", t.ID.String()),
		slog.String("report_id", reportID.String()),
	)
	eng.extensions.EmitThreadResumed(ctx, t)
	return nil
}

// History returns the commits paid by the thread, oldest first.
func (eng *Engine) History(ctx context.Context, threadID id.ID) ([]executor.Commit, error) {
	t, err := eng.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	all, err := eng.exec.History(ctx, t.Address)
	if err != nil {
		return nil, fmt.Errorf("tempo/engine: history of %s: %w", t.Name, err)
	}
	out := make([]executor.Commit, 0, len(all))
	for _, c := range all {
		if c.ThreadID.String() == t.ID.String() {
			out = append(out, c)
		}
	}
	return out, nil
}

// Stats is a point-in-time summary of the engine's persisted state.
type Stats struct {
	WorkerID      string `json:"worker_id"`
	Threads       int    `json:"threads"`
	PausedThreads int    `json:"paused_threads"`
	DueThreads    int    `json:"due_threads"`
	Reports       int64  `json:"reports"`
	Epoch         uint64 `json:"epoch"`
}

// Stats counts threads and failure reports across all authorities.
func (eng *Engine) Stats(ctx context.Context) (Stats, error) {
	all, err := eng.store.ListThreads(ctx, thread.ListOpts{IncludePaused: true})
	if err != nil {
		return Stats{}, err
	}
	due, err := eng.store.ListDueThreads(ctx, eng.clock.Now(), 0)
	if err != nil {
		return Stats{}, err
	}
	reports, err := eng.store.CountDLQ(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		WorkerID:   eng.workerID.String(),
		Threads:    len(all),
		DueThreads: len(due),
		Reports:    reports,
		Epoch:      eng.clock.Epoch(),
	}
	for _, t := range all {
		if t.Paused {
			st.PausedThreads++
		}
	}
	return st, nil
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Scheduler returns the scheduler.
func (eng *Engine) Scheduler() *scheduler.Scheduler { return eng.scheduler }

// Admin returns the authority-signed admin service.
func (eng *Engine) Admin() *admin.Service { return eng.admin }

// DLQService returns the failure report service for inspection.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// StreamBroker returns the event broker, or nil unless WithStreamBroker
// was given.
func (eng *Engine) StreamBroker() *stream.Broker { return eng.broker }

// Executor returns the executor batches are submitted to.
func (eng *Engine) Executor() executor.Executor { return eng.exec }

// Clock returns the engine's clock.
func (eng *Engine) Clock() chain.Clock { return eng.clock }

// Store returns the engine's store.
func (eng *Engine) Store() store.Store { return eng.store }

// Config returns the engine's configuration.
func (eng *Engine) Config() tempo.Config { return eng.cfg }

// WorkerID returns the identity under which leases are taken.
func (eng *Engine) WorkerID() id.ID { return eng.workerID }
