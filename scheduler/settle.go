package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/backoff"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
)

// recoverPending completes the bookkeeping of a submission that committed
// before its thread was updated. done is false when the pending key never
// committed and the thread should be evaluated normally.
func (s *Scheduler) recoverPending(ctx context.Context, pc *PollContext, log *slog.Logger, t *thread.Thread) (outcome, bool) {
	history, err := s.exec.History(ctx, t.Address)
	if err != nil {
		return s.fail(ctx, pc, log, t, fmt.Errorf("tempo/scheduler: %w: history of %s: %w", tempo.ErrRetryable, t.Address.Short(), err)), true
	}
	commit, ok := executor.Find(history, t.PendingKey)
	if !ok {
		return outcomeSkipped, false
	}

	fire := trigger.Fire{Eligible: true, Tick: pc.Now, Snapshot: t.PendingSnapshot}
	if t.PendingTick != nil {
		fire.Tick = *t.PendingTick
	}
	a := &attempt{t: t, fire: fire}
	if !t.CrankID.IsNil() && t.PendingSeq > 0 {
		prepared, prepErr := s.consumer.PrepareThrough(ctx, t.CrankID, t.PendingSeq)
		if prepErr != nil {
			return s.fail(ctx, pc, log, t, prepErr), true
		}
		a.prepared = prepared
	}

	if err := s.settle(ctx, pc, log, a, commit, 0); err != nil {
		return s.fail(ctx, pc, log, t, err), true
	}
	log.Info("pending submission recovered",
		slog.String("key", commit.Key),
		slog.String("commit_id", commit.ID.String()),
	)
	return outcomeRecovered, true
}

// settle records a committed execution: crank state first, then the
// thread. Until the thread update lands the pending key stays set, so a
// failure here is resolved by the next poll's recovery.
func (s *Scheduler) settle(ctx context.Context, pc *PollContext, log *slog.Logger, a *attempt, commit executor.Commit, elapsed time.Duration) error {
	if a.prepared != nil && a.prepared.Drained > 0 {
		if err := s.consumer.Commit(ctx, a.prepared); err != nil {
			return err
		}
		s.extensions.EmitCrankDrained(ctx, a.prepared.State, a.prepared.Drained)
	}

	next := a.t.Clone()
	now := pc.Now
	next.ExecCount++
	next.LastExecAt = &now
	if next.Balance >= next.Fee {
		next.Balance -= next.Fee
	} else {
		next.Balance = 0
	}
	next.Cursor = trigger.Advance(next.Trigger, next.Cursor, a.fire)
	next.ClearPending()
	next.RetryCount = 0
	next.NextAttemptAt = nil
	next.LastError = ""

	completed := next.Trigger.Kind == trigger.KindImmediate
	if completed {
		next.Paused = true
		next.PauseReason = thread.PauseImmediateDone
	}

	written, err := s.write(ctx, a.t, next)
	if err != nil {
		return fmt.Errorf("tempo/scheduler: record execution of %s: %w", next.Name, err)
	}
	a.t = written
	next = written

	log.Info("thread executed",
		slog.String("commit_id", commit.ID.String()),
		slog.Uint64("exec_count", next.ExecCount),
		slog.Uint64("balance", next.Balance),
	)
	s.extensions.EmitThreadExecuted(ctx, next, commit, elapsed)
	if completed && next.PauseReason == thread.PauseImmediateDone {
		s.extensions.EmitThreadPaused(ctx, next, thread.PauseImmediateDone)
	}
	return nil
}

// fail applies the retry policy for err. Only the scheduler decides
// between backing off and pausing.
func (s *Scheduler) fail(ctx context.Context, pc *PollContext, log *slog.Logger, t *thread.Thread, err error) outcome {
	class := tempo.Classify(err)
	next := t.Clone()

	switch class {
	case tempo.ClassStale:
		log.Debug("stale trigger, re-evaluating next poll", slog.String("error", err.Error()))
		return outcomeStale

	case tempo.ClassRetryable, tempo.ClassTableNotReady:
		next.RetryCount++
		nextAttempt := backoff.Next(s.backoff, pc.Now, next.RetryCount)
		next.NextAttemptAt = &nextAttempt
		next.LastError = err.Error()
		if written, updErr := s.write(ctx, t, next); updErr != nil {
			log.Error("failed to record retry", slog.String("error", updErr.Error()))
		} else {
			next = written
		}
		log.Warn("thread execution failed, retrying",
			slog.String("class", string(class)),
			slog.Int("attempt", next.RetryCount),
			slog.Time("next_attempt_at", nextAttempt),
			slog.String("error", err.Error()),
		)
		s.extensions.EmitThreadRetrying(ctx, next, next.RetryCount, nextAttempt, err)
		return outcomeRetried

	default:
		next.Paused = true
		next.PauseReason = err.Error()
		next.LastError = err.Error()
		next.NextAttemptAt = nil
		if written, updErr := s.write(ctx, t, next); updErr != nil {
			log.Error("failed to record pause", slog.String("error", updErr.Error()))
		} else {
			next = written
		}
		if _, pushErr := s.dlq.Push(ctx, next, err); pushErr != nil {
			log.Error("failed to file failure report", slog.String("error", pushErr.Error()))
		}
		log.Error("thread paused",
			slog.String("class", string(class)),
			slog.String("error", err.Error()),
		)
		s.extensions.EmitThreadPaused(ctx, next, next.PauseReason)
		return outcomePaused
	}
}

// ──────────────────────────────────────────────────
// Writes
// ──────────────────────────────────────────────────

// write persists next, the scheduler's update of base. If an authority
// edit landed since base was read, the edit is kept and the scheduler's
// bookkeeping is carried onto it. The persisted thread is returned.
func (s *Scheduler) write(ctx context.Context, base, next *thread.Thread) (*thread.Thread, error) {
	latest, err := s.store.GetThread(ctx, next.ID)
	if err != nil {
		return next, err
	}
	if latest.Version != base.Version {
		next = rebase(latest, base, next)
	}
	if err := s.store.UpdateThread(ctx, next); err != nil {
		return next, err
	}
	return next, nil
}

// rebase applies the fields the scheduler changed between base and next
// to latest. A pause set by the authority wins, as do a cursor or table
// list the authority replaced.
func rebase(latest, base, next *thread.Thread) *thread.Thread {
	out := latest.Clone()

	out.ExecCount = next.ExecCount
	out.LastExecAt = next.LastExecAt
	out.RetryCount = next.RetryCount
	out.NextAttemptAt = next.NextAttemptAt
	out.LastError = next.LastError
	out.PendingKey = next.PendingKey
	out.PendingTick = next.PendingTick
	out.PendingSnapshot = next.PendingSnapshot
	out.PendingSeq = next.PendingSeq

	if charged := base.Balance - min(next.Balance, base.Balance); charged > 0 {
		out.Balance -= min(charged, out.Balance)
	}
	if latest.Cursor.Equal(base.Cursor) {
		out.Cursor = next.Cursor.Clone()
	}
	if !latest.Paused && next.Paused {
		out.Paused = true
		out.PauseReason = next.PauseReason
	}

	have := make(map[string]bool, len(out.LookupTables))
	for _, tid := range out.LookupTables {
		have[tid.String()] = true
	}
	for _, tid := range next.LookupTables {
		if !have[tid.String()] {
			out.LookupTables = append(out.LookupTables, tid)
		}
	}
	return out
}
