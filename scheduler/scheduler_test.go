package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/backoff"
	"github.com/xraph/tempo/chain"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/executor"
	ledger "github.com/xraph/tempo/executor/memory"
	"github.com/xraph/tempo/ext"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	mw "github.com/xraph/tempo/middleware"
	"github.com/xraph/tempo/queue"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/scheduler"
	"github.com/xraph/tempo/store/memory"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
)

var (
	t0        = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	authority = resource.Derive("alice")
)

// ──────────────────────────────────────────────────
// Fixture
// ──────────────────────────────────────────────────

type recorder struct {
	mu       sync.Mutex
	executed int
	paused   []string
	retrying int
	extended int
	drained  []int
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnThreadExecuted(_ context.Context, _ *thread.Thread, _ executor.Commit, _ time.Duration) error {
	r.mu.Lock()
	r.executed++
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnThreadPaused(_ context.Context, _ *thread.Thread, reason string) error {
	r.mu.Lock()
	r.paused = append(r.paused, reason)
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnThreadRetrying(_ context.Context, _ *thread.Thread, _ int, _ time.Time, _ error) error {
	r.mu.Lock()
	r.retrying++
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnTableExtended(_ context.Context, _ *lut.Table, added int) error {
	r.mu.Lock()
	r.extended += added
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnCrankDrained(_ context.Context, _ *crank.State, drained int) error {
	r.mu.Lock()
	r.drained = append(r.drained, drained)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	store  scheduler.Store
	mem    *memory.Store
	clock  *chain.ManualClock
	ledger *ledger.Ledger
	queues *queue.Registry
	state  *chain.MemoryState
	hooks  *recorder
	sched  *scheduler.Scheduler
}

type fixtureOpts struct {
	cfg   []tempo.Option
	mws   []mw.Middleware
	store func(*memory.Store) scheduler.Store
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	cfg := tempo.DefaultConfig().Apply(fo.cfg...)
	f := &fixture{
		mem:    memory.New(),
		clock:  chain.NewManualClock(t0),
		queues: queue.NewRegistry(),
		state:  chain.NewMemoryState(),
		hooks:  &recorder{},
	}
	f.store = f.mem
	if fo.store != nil {
		f.store = fo.store(f.mem)
	}
	f.ledger = ledger.New(f.clock,
		ledger.WithInlineLimit(cfg.InlineLimit),
		ledger.WithTables(f.mem, cfg.WarmupEpochs),
	)

	reg := ext.NewRegistry(nil)
	reg.Register(f.hooks)
	f.sched = scheduler.New(f.store, f.ledger, f.clock,
		scheduler.WithConfig(cfg),
		scheduler.WithExtensions(reg),
		scheduler.WithQueues(f.queues),
		scheduler.WithStateReader(f.state),
		scheduler.WithBackoff(backoff.NewConstant(time.Second)),
		scheduler.WithMiddleware(fo.mws...),
	)
	return f
}

// create persists th with its cursor at the fixture's start time.
func (f *fixture) create(t *testing.T, th *thread.Thread) *thread.Thread {
	t.Helper()
	th.Cursor = trigger.NewCursor(t0)
	if err := f.mem.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return th
}

func (f *fixture) poll(t *testing.T) scheduler.Summary {
	t.Helper()
	s, err := f.sched.Poll(context.Background(), scheduler.NewPollContext(f.clock, f.sched.WorkerID()))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	return s
}

func (f *fixture) get(t *testing.T, threadID id.ID) *thread.Thread {
	t.Helper()
	th, err := f.mem.GetThread(context.Background(), threadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	return th
}

func writeOp(program string, accounts ...resource.Handle) thread.Operation {
	op := thread.Operation{Program: resource.Derive(program)}
	for _, a := range accounts {
		op.Accounts = append(op.Accounts, thread.AccountMeta{Handle: a, Writable: true})
	}
	return op
}

func handles(prefix string, n int) []resource.Handle {
	out := make([]resource.Handle, n)
	for i := range out {
		out[i] = resource.Derive(prefix, []byte{byte(i)})
	}
	return out
}

func cronThread(name, schedule string, skippable bool) *thread.Thread {
	return thread.New(authority, name, trigger.NewCron(schedule, skippable),
		[]thread.Operation{writeOp("payroll", resource.Derive("vault"))}, 1000, 10)
}

// ──────────────────────────────────────────────────
// Cron catch-up
// ──────────────────────────────────────────────────

func TestPoll_NonSkippableCronCatchesUpInOrder(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	th := f.create(t, cronThread("payroll", "* * * * *", false))
	f.clock.Set(t0.Add(3*time.Minute + 30*time.Second))

	var executed []int
	for range 4 {
		executed = append(executed, f.poll(t).Executed)
	}
	if want := []int{1, 1, 1, 0}; !equalInts(executed, want) {
		t.Fatalf("executions per poll = %v, want %v", executed, want)
	}

	commits := f.ledger.Commits()
	if len(commits) != 3 {
		t.Fatalf("commits = %d, want 3", len(commits))
	}
	got := f.get(t, th.ID)
	if got.ExecCount != 3 {
		t.Errorf("exec count = %d, want 3", got.ExecCount)
	}
	if want := t0.Add(3 * time.Minute); !got.Cursor.LastTick.Equal(want) {
		t.Errorf("last tick = %v, want %v", got.Cursor.LastTick, want)
	}
	if got.Balance != 1000-3*10 {
		t.Errorf("balance = %d, want %d", got.Balance, 1000-3*10)
	}
	if f.ledger.State().Fees[th.Address] != 30 {
		t.Errorf("ledger fees = %d, want 30", f.ledger.State().Fees[th.Address])
	}
}

func TestPoll_SkippableCronFiresOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	th := f.create(t, cronThread("payroll", "* * * * *", true))
	f.clock.Set(t0.Add(3*time.Minute + 30*time.Second))

	if s := f.poll(t); s.Executed != 1 {
		t.Fatalf("first poll executed %d, want 1", s.Executed)
	}
	if s := f.poll(t); s.Executed != 0 {
		t.Fatalf("second poll executed %d, want 0", s.Executed)
	}
	got := f.get(t, th.ID)
	if want := t0.Add(3 * time.Minute); !got.Cursor.LastTick.Equal(want) {
		t.Errorf("last tick = %v, want %v", got.Cursor.LastTick, want)
	}
}

func TestPoll_SevenFieldCron(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.create(t, cronThread("ticker", "*/10 * * * * * *", false))
	f.clock.Set(t0.Add(25 * time.Second))

	total := 0
	for range 3 {
		total += f.poll(t).Executed
	}
	if total != 2 {
		t.Fatalf("executions = %d, want 2", total)
	}
}

// ──────────────────────────────────────────────────
// Crank
// ──────────────────────────────────────────────────

func TestPoll_CrankDrainsInBoundedBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	state := crank.New(authority, "serum", resource.Derive("event-queue"), resource.Derive("dex"), resource.Derive("signer"),
		crank.Market{
			Market:      resource.Derive("market"),
			BaseVault:   resource.Derive("base-vault"),
			BaseWallet:  resource.Derive("base-wallet"),
			QuoteVault:  resource.Derive("quote-vault"),
			QuoteWallet: resource.Derive("quote-wallet"),
		}, 5)
	if err := f.mem.CreateCrank(ctx, state); err != nil {
		t.Fatal(err)
	}
	q := queue.NewMemory()
	f.queues.Register(state.Queue, q)
	for i := range 12 {
		// Seven distinct counterparties, some repeated.
		if _, err := q.Append(ctx, resource.Derive("open-orders", []byte{byte(i % 7)}), nil); err != nil {
			t.Fatal(err)
		}
	}

	th := thread.New(authority, "crank", trigger.NewCron("* * * * * *", false), nil, 1000, 10)
	th.CrankID = state.ID
	f.create(t, th)
	f.clock.Set(t0.Add(10 * time.Second))

	var open []int
	for range 4 {
		f.poll(t)
		cur, err := f.mem.GetCrank(ctx, state.ID)
		if err != nil {
			t.Fatal(err)
		}
		open = append(open, len(cur.OpenResources))
	}

	var sizes []int
	for _, c := range f.ledger.Commits() {
		sizes = append(sizes, c.Operations)
	}
	if want := []int{5, 5, 2}; !equalInts(sizes, want) {
		t.Fatalf("batch sizes = %v, want %v", sizes, want)
	}
	for i := 1; i < len(open); i++ {
		if open[i] < open[i-1] {
			t.Fatalf("open resources shrank: %v", open)
		}
	}
	if open[len(open)-1] != 7 {
		t.Errorf("open resources = %d, want 7", open[len(open)-1])
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("queue len = %d, want 0", n)
	}
	if want := []int{5, 5, 2}; !equalInts(f.hooks.drained, want) {
		t.Errorf("drained hooks = %v, want %v", f.hooks.drained, want)
	}
}

func TestPoll_OpenResourcesForceCompaction(t *testing.T) {
	ctx := context.Background()
	var (
		mu    sync.Mutex
		modes []lut.Mode
	)
	capture := func(ctx context.Context, b *executor.Batch, next mw.Handler) error {
		err := next(ctx)
		if err == nil {
			mu.Lock()
			modes = append(modes, b.Resolution.Mode)
			mu.Unlock()
		}
		return err
	}
	f := newFixture(t, fixtureOpts{
		cfg: []tempo.Option{
			tempo.WithInlineLimit(16),
			tempo.WithWarmupEpochs(1),
			tempo.WithAutoBindTables(true),
			tempo.WithAutoAllocateTables(true),
		},
		mws: []mw.Middleware{capture},
	})

	state := crank.New(authority, "serum", resource.Derive("event-queue"), resource.Derive("dex"), resource.Derive("signer"),
		crank.Market{
			Market:      resource.Derive("market"),
			BaseVault:   resource.Derive("base-vault"),
			BaseWallet:  resource.Derive("base-wallet"),
			QuoteVault:  resource.Derive("quote-vault"),
			QuoteWallet: resource.Derive("quote-wallet"),
		}, 2)
	if err := f.mem.CreateCrank(ctx, state); err != nil {
		t.Fatal(err)
	}
	q := queue.NewMemory()
	f.queues.Register(state.Queue, q)
	for _, cp := range handles("open-orders", 40) {
		if _, err := q.Append(ctx, cp, nil); err != nil {
			t.Fatal(err)
		}
	}

	th := thread.New(authority, "crank", trigger.NewCron("* * * * * *", false), nil, 1000, 10)
	th.CrankID = state.ID
	f.create(t, th)

	for range 40 {
		f.clock.Advance(time.Second)
		f.clock.AdvanceEpochs(1)
		f.poll(t)
	}

	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("queue len = %d, want 0", n)
	}
	cur, err := f.mem.GetCrank(ctx, state.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cur.OpenResources) != 40 {
		t.Fatalf("open resources = %d, want 40", len(cur.OpenResources))
	}

	commits := f.ledger.Commits()
	if len(commits) != 20 {
		t.Fatalf("commits = %d, want 20", len(commits))
	}
	last := resource.NewSet(commits[len(commits)-1].Resources...)
	for _, h := range cur.OpenResources {
		if !last.Contains(h) {
			t.Fatalf("last batch does not carry open resource %s", h.Short())
		}
	}
	// Program, market, queue, vaults and wallets, signer, 40 counterparties.
	if last.Len() != 48 {
		t.Errorf("last batch references %d handles, want 48", last.Len())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(modes) != 20 || modes[0] != lut.ModeInline || modes[len(modes)-1] != lut.ModeCompacted {
		t.Fatalf("modes = %v, want inline first and compacted once the set outgrew K", modes)
	}
	if len(f.get(t, th.ID).LookupTables) == 0 {
		t.Error("no lookup table bound to the crank thread")
	}
}

// ──────────────────────────────────────────────────
// Idempotency
// ──────────────────────────────────────────────────

func TestPoll_LostAckRecoversWithoutResubmitting(t *testing.T) {
	var loseAck atomic.Bool
	lossy := func(ctx context.Context, _ *executor.Batch, next mw.Handler) error {
		err := next(ctx)
		if loseAck.Swap(false) {
			return errors.New("connection reset by peer")
		}
		return err
	}

	f := newFixture(t, fixtureOpts{mws: []mw.Middleware{lossy}})
	th := f.create(t, cronThread("payroll", "* * * * *", false))
	f.clock.Set(t0.Add(90 * time.Second))

	loseAck.Store(true)
	if s := f.poll(t); s.Retried != 1 {
		t.Fatalf("summary = %+v, want one retry", s)
	}
	pending := f.get(t, th.ID)
	if pending.PendingKey == "" {
		t.Fatal("pending key not persisted")
	}
	if pending.ExecCount != 0 {
		t.Fatalf("exec count = %d before recovery", pending.ExecCount)
	}
	submissions := f.ledger.Submissions()

	f.clock.Advance(time.Second)
	if s := f.poll(t); s.Recovered != 1 {
		t.Fatalf("summary = %+v, want one recovery", s)
	}
	if f.ledger.Submissions() != submissions {
		t.Errorf("batch resubmitted: %d submissions, want %d", f.ledger.Submissions(), submissions)
	}

	got := f.get(t, th.ID)
	if got.ExecCount != 1 || got.PendingKey != "" || got.RetryCount != 0 {
		t.Errorf("exec %d pending %q retries %d", got.ExecCount, got.PendingKey, got.RetryCount)
	}
	if want := t0.Add(time.Minute); !got.Cursor.LastTick.Equal(want) {
		t.Errorf("last tick = %v, want %v", got.Cursor.LastTick, want)
	}
	if f.ledger.State().Commits != 1 {
		t.Errorf("ledger commits = %d, want 1", f.ledger.State().Commits)
	}
}

func TestPoll_LostAckOnCrankSettlesDrainOnce(t *testing.T) {
	ctx := context.Background()
	var loseAck atomic.Bool
	lossy := func(ctx context.Context, _ *executor.Batch, next mw.Handler) error {
		err := next(ctx)
		if loseAck.Swap(false) {
			return errors.New("connection reset by peer")
		}
		return err
	}
	f := newFixture(t, fixtureOpts{mws: []mw.Middleware{lossy}})

	state := crank.New(authority, "serum", resource.Derive("event-queue"), resource.Derive("dex"), resource.Derive("signer"),
		crank.Market{Market: resource.Derive("market")}, 3)
	if err := f.mem.CreateCrank(ctx, state); err != nil {
		t.Fatal(err)
	}
	q := queue.NewMemory()
	f.queues.Register(state.Queue, q)
	for i := range 2 {
		_, _ = q.Append(ctx, resource.Derive("open-orders", []byte{byte(i)}), nil)
	}
	th := thread.New(authority, "crank", trigger.NewCron("* * * * * *", false), nil, 1000, 10)
	th.CrankID = state.ID
	f.create(t, th)
	f.clock.Set(t0.Add(time.Second))

	loseAck.Store(true)
	f.poll(t)
	// Entries arriving before recovery must not be folded into the
	// committed drain.
	_, _ = q.Append(ctx, resource.Derive("open-orders", []byte{9}), nil)

	f.clock.Advance(time.Second)
	if s := f.poll(t); s.Recovered != 1 {
		t.Fatalf("summary = %+v, want one recovery", s)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
	cur, err := f.mem.GetCrank(ctx, state.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cur.OpenResources) != 2 {
		t.Errorf("open resources = %d, want 2", len(cur.OpenResources))
	}
}

func TestIdempotencyKey(t *testing.T) {
	th := cronThread("payroll", "* * * * *", false)
	fire := trigger.Fire{Eligible: true, Tick: t0}

	a, err := scheduler.IdempotencyKey(th, fire)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := scheduler.IdempotencyKey(th, fire)
	if a != b || len(a) != 64 {
		t.Fatalf("keys %q / %q", a, b)
	}

	later, _ := scheduler.IdempotencyKey(th, trigger.Fire{Eligible: true, Tick: t0.Add(time.Minute)})
	if later == a {
		t.Error("different ticks share a key")
	}
	th.ExecCount++
	if next, _ := scheduler.IdempotencyKey(th, fire); next == a {
		t.Error("different exec counts share a key")
	}

	imm := thread.New(authority, "once", trigger.NewImmediate(), th.Operations, 0, 0)
	x, _ := scheduler.IdempotencyKey(imm, trigger.Fire{Eligible: true, Tick: t0})
	y, _ := scheduler.IdempotencyKey(imm, trigger.Fire{Eligible: true, Tick: t0.Add(time.Hour)})
	if x != y {
		t.Error("immediate key depends on evaluation time")
	}
}

// ──────────────────────────────────────────────────
// Failure policy
// ──────────────────────────────────────────────────

func TestPoll_FatalPausesUntilReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	th := f.create(t, cronThread("payroll", "* * * * *", false))
	f.clock.Set(t0.Add(90 * time.Second))

	f.ledger.FailNext(executor.Reject(executor.CodeRevoked, "authority revoked"))
	if s := f.poll(t); s.Paused != 1 {
		t.Fatalf("summary = %+v, want one pause", s)
	}
	got := f.get(t, th.ID)
	if !got.Paused || got.PauseReason == "" {
		t.Fatalf("paused=%v reason=%q", got.Paused, got.PauseReason)
	}

	f.clock.Advance(time.Hour)
	if s := f.poll(t); s.Polled != 0 {
		t.Fatalf("paused thread polled: %+v", s)
	}

	reports, err := f.mem.ListDLQ(ctx, dlq.ListOpts{ThreadID: th.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].Class != tempo.ClassFatal {
		t.Fatalf("reports = %+v", reports)
	}
	if len(f.hooks.paused) != 1 {
		t.Errorf("paused hooks = %d, want 1", len(f.hooks.paused))
	}

	if _, err := dlq.NewService(f.mem, f.mem).Replay(ctx, reports[0].ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if s := f.poll(t); s.Executed != 1 {
		t.Fatalf("after replay: %+v, want one execution", s)
	}
}

func TestPoll_RetryableBacksOffAndRetries(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	th := f.create(t, cronThread("payroll", "* * * * *", false))
	f.clock.Set(t0.Add(90 * time.Second))

	f.ledger.FailNext(executor.Reject(executor.CodeUnavailable, "node down"))
	if s := f.poll(t); s.Retried != 1 {
		t.Fatalf("summary = %+v, want one retry", s)
	}
	got := f.get(t, th.ID)
	if got.Paused {
		t.Fatal("retryable failure paused the thread")
	}
	if got.RetryCount != 1 || got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(t0.Add(91*time.Second)) {
		t.Fatalf("retry count %d next attempt %v", got.RetryCount, got.NextAttemptAt)
	}
	if !got.Cursor.LastTick.Equal(t0) {
		t.Error("failed attempt consumed the tick")
	}

	if s := f.poll(t); s.Polled != 0 {
		t.Fatalf("polled during backoff: %+v", s)
	}

	f.clock.Advance(time.Second)
	if s := f.poll(t); s.Executed != 1 {
		t.Fatalf("after backoff: %+v, want one execution", s)
	}
	got = f.get(t, th.ID)
	if got.RetryCount != 0 || got.NextAttemptAt != nil || got.LastError != "" {
		t.Errorf("retry state not reset: %d %v %q", got.RetryCount, got.NextAttemptAt, got.LastError)
	}
	if f.hooks.retrying != 1 {
		t.Errorf("retrying hooks = %d, want 1", f.hooks.retrying)
	}
}

func TestPoll_InsufficientBalancePauses(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	th := thread.New(authority, "broke", trigger.NewImmediate(), []thread.Operation{writeOp("p", resource.Derive("a"))}, 5, 10)
	f.create(t, th)

	if s := f.poll(t); s.Paused != 1 {
		t.Fatalf("summary = %+v, want one pause", s)
	}
	if f.ledger.Submissions() != 0 {
		t.Error("batch submitted without funds")
	}
	reports, _ := f.mem.ListDLQ(context.Background(), dlq.ListOpts{})
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
}

func TestPoll_MalformedCronPauses(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	th := cronThread("bad", "* * * * *", false)
	f.create(t, th)
	th.Trigger = trigger.NewCron("61 * * * *", false)
	if err := f.mem.UpdateThread(context.Background(), th); err != nil {
		t.Fatal(err)
	}

	if s := f.poll(t); s.Paused != 1 {
		t.Fatalf("summary = %+v, want one pause", s)
	}
}

// staleStore reports a newer thread version on the pre-submit re-read.
type staleStore struct {
	*memory.Store
	reads atomic.Int32
}

func (s *staleStore) GetThread(ctx context.Context, threadID id.ID) (*thread.Thread, error) {
	t, err := s.Store.GetThread(ctx, threadID)
	if err == nil && s.reads.Add(1) == 2 {
		t.Version++
	}
	return t, err
}

func TestPoll_StaleTriggerNeitherSubmitsNorBacksOff(t *testing.T) {
	f := newFixture(t, fixtureOpts{store: func(m *memory.Store) scheduler.Store {
		return &staleStore{Store: m}
	}})
	th := f.create(t, cronThread("payroll", "* * * * *", false))
	f.clock.Set(t0.Add(90 * time.Second))

	if s := f.poll(t); s.Stale != 1 {
		t.Fatalf("summary = %+v, want one stale", s)
	}
	if f.ledger.Submissions() != 0 {
		t.Error("stale batch submitted")
	}
	got := f.get(t, th.ID)
	if got.RetryCount != 0 || got.NextAttemptAt != nil {
		t.Errorf("stale attempt backed off: %d %v", got.RetryCount, got.NextAttemptAt)
	}

	if s := f.poll(t); s.Executed != 1 {
		t.Fatalf("next poll: %+v, want one execution", s)
	}
}

// ──────────────────────────────────────────────────
// Authority edits
// ──────────────────────────────────────────────────

func TestPoll_AuthorityPauseDuringSubmitSurvives(t *testing.T) {
	var mem *memory.Store
	pauseDuringSubmit := func(ctx context.Context, b *executor.Batch, next mw.Handler) error {
		th, err := mem.GetThread(ctx, b.ThreadID)
		if err != nil {
			return err
		}
		th.Paused = true
		th.PauseReason = thread.PauseByAuthority
		th.Version++
		if err := mem.UpdateThread(ctx, th); err != nil {
			return err
		}
		return next(ctx)
	}
	f := newFixture(t, fixtureOpts{mws: []mw.Middleware{pauseDuringSubmit}})
	mem = f.mem

	th := f.create(t, cronThread("payroll", "* * * * *", false))
	f.clock.Set(t0.Add(90 * time.Second))

	if s := f.poll(t); s.Executed != 1 {
		t.Fatalf("summary = %+v, want one execution", s)
	}
	got := f.get(t, th.ID)
	if !got.Paused || got.PauseReason != thread.PauseByAuthority || got.Version != 1 {
		t.Fatalf("paused=%v reason=%q version=%d, want the authority pause kept", got.Paused, got.PauseReason, got.Version)
	}
	if got.ExecCount != 1 || got.Balance != 990 || got.PendingKey != "" {
		t.Errorf("exec=%d balance=%d pending=%q, want the execution recorded", got.ExecCount, got.Balance, got.PendingKey)
	}
	if !got.Cursor.LastTick.Equal(t0.Add(time.Minute)) {
		t.Errorf("cursor = %v, want the executed tick", got.Cursor.LastTick)
	}

	f.clock.Advance(time.Minute)
	if s := f.poll(t); s.Polled != 0 {
		t.Fatalf("paused thread polled: %+v", s)
	}
}

// ──────────────────────────────────────────────────
// Lookup tables
// ──────────────────────────────────────────────────

func TestPoll_AutoBindWaitsForWarmup(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: []tempo.Option{
		tempo.WithInlineLimit(4),
		tempo.WithWarmupEpochs(2),
		tempo.WithAutoBindTables(true),
		tempo.WithAutoAllocateTables(true),
	}})
	th := thread.New(authority, "wide", trigger.NewCron("* * * * * *", true),
		[]thread.Operation{writeOp("p", handles("acct", 6)...)}, 1000, 10)
	f.create(t, th)
	f.clock.Set(t0.Add(time.Second))

	if s := f.poll(t); s.Retried != 1 {
		t.Fatalf("bind poll: %+v, want one retry", s)
	}
	bound := f.get(t, th.ID)
	if len(bound.LookupTables) != 1 {
		t.Fatalf("bound tables = %d, want 1", len(bound.LookupTables))
	}
	if f.hooks.extended != 7 {
		t.Errorf("extended hook saw %d handles, want 7", f.hooks.extended)
	}

	// Epoch 1 < 0+W: still warming.
	f.clock.AdvanceEpochs(1)
	f.clock.Advance(time.Second)
	if s := f.poll(t); s.Retried != 1 {
		t.Fatalf("warming poll: %+v, want one retry", s)
	}

	f.clock.AdvanceEpochs(1)
	f.clock.Advance(time.Second)
	if s := f.poll(t); s.Executed != 1 {
		t.Fatalf("warm poll: %+v, want one execution", s)
	}
	commits := f.ledger.Commits()
	if len(commits) != 1 || len(commits[0].Resources) != 7 {
		t.Fatalf("commits = %+v", commits)
	}
}

func TestPoll_OverflowWithoutBindingPauses(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: []tempo.Option{
		tempo.WithInlineLimit(4),
		tempo.WithAutoBindTables(false),
	}})
	th := thread.New(authority, "wide", trigger.NewImmediate(),
		[]thread.Operation{writeOp("p", handles("acct", 6)...)}, 1000, 10)
	f.create(t, th)

	if s := f.poll(t); s.Paused != 1 {
		t.Fatalf("summary = %+v, want one pause", s)
	}
	reports, _ := f.mem.ListDLQ(context.Background(), dlq.ListOpts{})
	if len(reports) != 1 || reports[0].Class != tempo.ClassCapacity {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestPoll_DeactivatedTableMembersAreRebound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{cfg: []tempo.Option{
		tempo.WithInlineLimit(4),
		tempo.WithWarmupEpochs(1),
		tempo.WithAutoBindTables(true),
		tempo.WithAutoAllocateTables(true),
	}})
	op := writeOp("p", handles("acct", 6)...)

	dead := lut.NewTable(authority, 16, 0)
	if _, err := dead.Extend(op.Handles(), 0); err != nil {
		t.Fatal(err)
	}
	if err := f.mem.CreateTable(ctx, dead); err != nil {
		t.Fatal(err)
	}
	if err := f.mem.DeactivateTable(ctx, dead.ID); err != nil {
		t.Fatal(err)
	}

	th := thread.New(authority, "wide", trigger.NewImmediate(), []thread.Operation{op}, 1000, 10)
	th.LookupTables = []id.ID{dead.ID}
	f.create(t, th)

	if s := f.poll(t); s.Retried != 1 {
		t.Fatalf("bind poll: %+v, want one retry", s)
	}
	if f.hooks.extended != 7 {
		t.Fatalf("extended hook saw %d handles, want 7 bound to a fresh table", f.hooks.extended)
	}

	f.clock.Advance(time.Second)
	f.clock.AdvanceEpochs(1)
	if s := f.poll(t); s.Executed != 1 {
		t.Fatalf("warm poll: %+v, want one execution", s)
	}
	if got := f.get(t, th.ID); !got.Paused || got.PauseReason != thread.PauseImmediateDone {
		t.Errorf("paused=%v reason=%q", got.Paused, got.PauseReason)
	}
}

// ──────────────────────────────────────────────────
// Triggers
// ──────────────────────────────────────────────────

func TestPoll_ImmediateSelfPauses(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	th := thread.New(authority, "once", trigger.NewImmediate(), []thread.Operation{writeOp("p", resource.Derive("a"))}, 100, 10)
	f.create(t, th)

	if s := f.poll(t); s.Executed != 1 {
		t.Fatalf("summary = %+v, want one execution", s)
	}
	got := f.get(t, th.ID)
	if !got.Paused || got.PauseReason != thread.PauseImmediateDone {
		t.Fatalf("paused=%v reason=%q", got.Paused, got.PauseReason)
	}
	if s := f.poll(t); s.Polled != 0 {
		t.Fatalf("completed thread polled: %+v", s)
	}
	if len(f.hooks.paused) != 1 || f.hooks.paused[0] != thread.PauseImmediateDone {
		t.Errorf("paused hooks = %v", f.hooks.paused)
	}
}

func TestPoll_ImmediateCrankWaitsForEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	state := crank.New(authority, "serum", resource.Derive("event-queue"), resource.Derive("dex"), resource.Derive("signer"),
		crank.Market{Market: resource.Derive("market")}, 4)
	if err := f.mem.CreateCrank(ctx, state); err != nil {
		t.Fatal(err)
	}
	q := queue.NewMemory()
	f.queues.Register(state.Queue, q)

	th := thread.New(authority, "once", trigger.NewImmediate(), nil, 100, 10)
	th.CrankID = state.ID
	f.create(t, th)

	if s := f.poll(t); s.Executed != 0 {
		t.Fatalf("empty queue: %+v, want no execution", s)
	}
	got := f.get(t, th.ID)
	if got.Paused || got.Cursor.Fired {
		t.Fatalf("paused=%v fired=%v after an empty drain, want still armed", got.Paused, got.Cursor.Fired)
	}

	if _, err := q.Append(ctx, resource.Derive("open-orders"), nil); err != nil {
		t.Fatal(err)
	}
	if s := f.poll(t); s.Executed != 1 {
		t.Fatalf("queued entry: %+v, want one execution", s)
	}
	got = f.get(t, th.ID)
	if !got.Paused || got.PauseReason != thread.PauseImmediateDone || got.ExecCount != 1 {
		t.Errorf("paused=%v reason=%q exec=%d", got.Paused, got.PauseReason, got.ExecCount)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("queue len = %d, want 0", n)
	}
}

func TestPoll_AccountTriggerFiresOnChange(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	watched := resource.Derive("oracle")
	f.state.Write(watched, []byte{1, 2, 3})
	th := thread.New(authority, "watch", trigger.NewAccount(watched, 0, 3),
		[]thread.Operation{writeOp("p", resource.Derive("a"))}, 100, 10)
	f.create(t, th)

	if s := f.poll(t); s.Executed != 1 {
		t.Fatalf("first observation: %+v", s)
	}
	if s := f.poll(t); s.Executed != 0 {
		t.Fatalf("unchanged data fired: %+v", s)
	}
	f.state.Write(watched, []byte{1, 2, 4})
	if s := f.poll(t); s.Executed != 1 {
		t.Fatalf("changed data did not fire: %+v", s)
	}
}

// ──────────────────────────────────────────────────
// Concurrency and lifecycle
// ──────────────────────────────────────────────────

func TestPoll_ManyThreadsBoundedConcurrency(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: []tempo.Option{tempo.WithConcurrency(3)}})
	for i := range 20 {
		f.create(t, thread.New(authority, "t"+string(rune('a'+i)), trigger.NewImmediate(),
			[]thread.Operation{writeOp("p", resource.Derive("a"))}, 100, 1))
	}

	s := f.poll(t)
	if s.Polled != 20 || s.Executed != 20 {
		t.Fatalf("summary = %+v", s)
	}
	if f.hooks.executed != 20 {
		t.Errorf("executed hooks = %d, want 20", f.hooks.executed)
	}
}

func TestPoll_LeasedThreadIsSkipped(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	th := thread.New(authority, "once", trigger.NewImmediate(), []thread.Operation{writeOp("p", resource.Derive("a"))}, 100, 10)
	f.create(t, th)

	ok, err := f.mem.AcquireThreadLease(context.Background(), th.ID, id.NewWorkerID(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	if s := f.poll(t); s.Skipped != 1 || s.Executed != 0 {
		t.Fatalf("summary = %+v, want one skip", s)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: []tempo.Option{tempo.WithPollInterval(5 * time.Millisecond)}})
	th := thread.New(authority, "once", trigger.NewImmediate(), []thread.Operation{writeOp("p", resource.Derive("a"))}, 100, 10)
	f.create(t, th)

	if err := f.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.ledger.State().Commits == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.sched.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.ledger.State().Commits != 1 {
		t.Fatalf("commits = %d, want 1", f.ledger.State().Commits)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
