package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/chain"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
)

// PollContext carries everything one poll reads from its surroundings.
type PollContext struct {
	Now      time.Time
	Epoch    uint64
	WorkerID id.ID
	Logger   *slog.Logger
}

// NewPollContext samples clock for a poll run by workerID.
func NewPollContext(clock chain.Clock, workerID id.ID) *PollContext {
	return &PollContext{
		Now:      clock.Now(),
		Epoch:    clock.Epoch(),
		WorkerID: workerID,
		Logger:   slog.Default(),
	}
}

// Summary counts what a poll did with the threads it saw.
type Summary struct {
	// Polled is the number of due threads listed.
	Polled int
	// Executed counts batches that committed during this poll.
	Executed int
	// Recovered counts pending submissions found committed and settled
	// without resubmitting.
	Recovered int
	// Retried counts threads that failed retryably and backed off.
	Retried int
	// Paused counts threads paused by a fatal failure.
	Paused int
	// Stale counts evaluations discarded because the thread changed.
	Stale int
	// Skipped counts threads that were leased elsewhere, throttled, or
	// not eligible.
	Skipped int
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeExecuted
	outcomeRecovered
	outcomeRetried
	outcomePaused
	outcomeStale
)

func (s *Summary) add(o outcome) {
	switch o {
	case outcomeExecuted:
		s.Executed++
	case outcomeRecovered:
		s.Recovered++
	case outcomeRetried:
		s.Retried++
	case outcomePaused:
		s.Paused++
	case outcomeStale:
		s.Stale++
	default:
		s.Skipped++
	}
}

// Poll runs one pass over the threads due at pc.Now. It returns an error
// only when the due threads cannot be listed or ctx ends; per-thread
// failures are recorded on the threads themselves.
func (s *Scheduler) Poll(ctx context.Context, pc *PollContext) (Summary, error) {
	if pc.Logger == nil {
		pc.Logger = s.logger
	}

	due, err := s.store.ListDueThreads(ctx, pc.Now, 0)
	if err != nil {
		return Summary{}, fmt.Errorf("tempo/scheduler: list due threads: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = Summary{Polled: len(due)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Concurrency, 1))
	for _, t := range due {
		g.Go(func() error {
			o := s.runThread(gctx, pc, t)
			mu.Lock()
			summary.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if summary.Executed+summary.Recovered+summary.Retried+summary.Paused > 0 {
		pc.Logger.Debug("poll complete",
			slog.Int("polled", summary.Polled),
			slog.Int("executed", summary.Executed),
			slog.Int("recovered", summary.Recovered),
			slog.Int("retried", summary.Retried),
			slog.Int("paused", summary.Paused),
		)
	}
	return summary, nil
}

// attempt is the state of one execution being assembled.
type attempt struct {
	t        *thread.Thread
	fire     trigger.Fire
	prepared *crank.Prepared
	ops      []thread.Operation
}

// runThread handles one due thread under its lease.
func (s *Scheduler) runThread(ctx context.Context, pc *PollContext, listed *thread.Thread) outcome {
	log := pc.Logger.With(
		slog.String("thread_id", listed.ID.String()),
		slog.String("thread", listed.Name),
	)

	acquired, err := s.store.AcquireThreadLease(ctx, listed.ID, pc.WorkerID, s.cfg.LeaseTTL)
	if err != nil {
		log.Warn("lease acquire failed", slog.String("error", err.Error()))
		return outcomeSkipped
	}
	if !acquired {
		return outcomeSkipped
	}
	defer func() {
		if relErr := s.store.ReleaseThreadLease(context.WithoutCancel(ctx), listed.ID, pc.WorkerID); relErr != nil {
			log.Warn("lease release failed", slog.String("error", relErr.Error()))
		}
	}()

	// The listed copy predates the lease.
	t, err := s.store.GetThread(ctx, listed.ID)
	if err != nil {
		log.Warn("thread reload failed", slog.String("error", err.Error()))
		return outcomeSkipped
	}
	if !t.Due(pc.Now) {
		return outcomeSkipped
	}

	if t.PendingKey != "" {
		o, done := s.recoverPending(ctx, pc, log, t)
		if done {
			return o
		}
	}

	if !s.throttle.Acquire(t.Authority) {
		log.Debug("authority throttled", slog.String("authority", t.Authority.Short()))
		return outcomeSkipped
	}
	defer s.throttle.Release(t.Authority)

	fire, err := s.evaluator.Evaluate(ctx, t.Trigger, t.Cursor, pc.Now)
	if err != nil {
		return s.fail(ctx, pc, log, t, err)
	}
	if !fire.Eligible {
		return outcomeSkipped
	}
	if fire.Skipped > 0 {
		log.Info("missed ticks skipped", slog.Int("skipped", fire.Skipped))
	}

	a := &attempt{t: t, fire: fire}
	return s.execute(ctx, pc, log, a)
}

// execute assembles, resolves and submits the batch of a fired thread.
func (s *Scheduler) execute(ctx context.Context, pc *PollContext, log *slog.Logger, a *attempt) outcome {
	t := a.t

	if err := t.Validate(); err != nil {
		return s.fail(ctx, pc, log, t, err)
	}
	if t.Balance < t.Fee {
		return s.fail(ctx, pc, log, t, fmt.Errorf("tempo/scheduler: %w: balance %d below fee %d", tempo.ErrInsufficientBalance, t.Balance, t.Fee))
	}

	a.ops = make([]thread.Operation, 0, len(t.Operations))
	for _, op := range t.Operations {
		a.ops = append(a.ops, op.Clone())
	}
	if !t.CrankID.IsNil() {
		prepared, err := s.consumer.Prepare(ctx, t.CrankID)
		if err != nil {
			return s.fail(ctx, pc, log, t, err)
		}
		a.prepared = prepared
		a.ops = append(a.ops, prepared.Operations...)
	}
	if len(a.ops) == 0 {
		// A crank thread with nothing queued: the tick passes without a
		// batch. An immediate trigger stays armed until there is one.
		if t.Trigger.Kind == trigger.KindImmediate {
			return outcomeSkipped
		}
		next := t.Clone()
		next.Cursor = trigger.Advance(t.Trigger, t.Cursor, a.fire)
		if _, err := s.write(ctx, t, next); err != nil {
			log.Warn("cursor update failed", slog.String("error", err.Error()))
		}
		return outcomeSkipped
	}

	set := resource.NewSet()
	for _, op := range a.ops {
		set.Add(op.Handles()...)
	}
	res, err := s.resolve(ctx, log, t, set.Handles())
	if err != nil {
		return s.fail(ctx, pc, log, t, err)
	}

	latest, err := s.store.GetThread(ctx, t.ID)
	if err != nil {
		return s.fail(ctx, pc, log, t, err)
	}
	if latest.Version != t.Version || latest.Paused {
		return s.fail(ctx, pc, log, t, fmt.Errorf("tempo/scheduler: %w: version %d is now %d", tempo.ErrStaleTrigger, t.Version, latest.Version))
	}

	key, err := IdempotencyKey(t, a.fire)
	if err != nil {
		return s.fail(ctx, pc, log, t, err)
	}
	tick := a.fire.Tick
	pending := t.Clone()
	pending.PendingKey = key
	pending.PendingTick = &tick
	pending.PendingSnapshot = a.fire.Snapshot
	pending.PendingSeq = 0
	if a.prepared != nil {
		pending.PendingSeq = a.prepared.LastSeq
	}
	if pending, err = s.write(ctx, t, pending); err != nil {
		return s.fail(ctx, pc, log, t, err)
	}
	t = pending
	a.t = t

	batch := &executor.Batch{
		Key:        key,
		ThreadID:   t.ID,
		ThreadName: t.Name,
		Attempt:    t.RetryCount,
		Payer:      t.Address,
		Authority:  t.Authority,
		Operations: a.ops,
		Resolution: res,
		Fee:        t.Fee,
		Epoch:      pc.Epoch,
		Tick:       a.fire.Tick,
	}

	start := time.Now()
	var commit executor.Commit
	err = s.submit(ctx, batch, func(ctx context.Context) error {
		c, submitErr := s.exec.Submit(ctx, batch)
		if submitErr != nil {
			return submitErr
		}
		commit = c
		return nil
	})
	if err != nil {
		return s.fail(ctx, pc, log, t, err)
	}

	if err := s.settle(ctx, pc, log, a, commit, time.Since(start)); err != nil {
		return s.fail(ctx, pc, log, t, err)
	}
	return outcomeExecuted
}

// resolve picks the batch representation. When bound tables overflow and
// auto-binding is on, the missing handles are bound and the attempt is
// retried once the tables warm up.
func (s *Scheduler) resolve(ctx context.Context, log *slog.Logger, t *thread.Thread, handles []resource.Handle) (lut.Resolution, error) {
	res, err := s.resolver.Resolve(ctx, t.LookupTables, handles)
	if err == nil {
		return res, nil
	}

	var capErr *lut.CapacityError
	if !errors.As(err, &capErr) || !s.cfg.AutoBindTables {
		return res, err
	}

	bound, bindErr := s.resolver.Bind(ctx, t.Authority, t.LookupTables, capErr.Missing, lut.BindOptions{
		Allocate: s.cfg.AutoAllocateTables,
	})
	t.LookupTables = bound.Tables
	for _, ch := range bound.Changes {
		if table, getErr := s.store.GetTable(ctx, ch.TableID); getErr == nil {
			s.extensions.EmitTableExtended(ctx, table, ch.Added)
		}
	}
	if bindErr != nil {
		return res, bindErr
	}
	if bound.Added == 0 {
		return res, err
	}

	log.Info("handles bound to lookup tables",
		slog.Int("added", bound.Added),
		slog.Int("tables", len(bound.Tables)),
	)
	return res, fmt.Errorf("tempo/scheduler: %w: bound %d handles, waiting for warm-up", tempo.ErrTableNotReady, bound.Added)
}
