package admin_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/admin"
	"github.com/xraph/tempo/chain"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/ext"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/store/memory"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func signer(seed byte) *admin.Signer {
	return admin.NewSigner(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize)))
}

type hooks struct {
	created, resumed int
	paused           []string
	refund           uint64
	extended         int
}

func (h *hooks) Name() string { return "hooks" }
func (h *hooks) OnThreadCreated(context.Context, *thread.Thread) error {
	h.created++
	return nil
}
func (h *hooks) OnThreadPaused(_ context.Context, _ *thread.Thread, reason string) error {
	h.paused = append(h.paused, reason)
	return nil
}
func (h *hooks) OnThreadResumed(context.Context, *thread.Thread) error {
	h.resumed++
	return nil
}
func (h *hooks) OnTableExtended(_ context.Context, _ *lut.Table, added int) error {
	h.extended += added
	return nil
}
func (h *hooks) OnThreadClosed(_ context.Context, _ *thread.Thread, refund uint64) error {
	h.refund = refund
	return nil
}

type fixture struct {
	store *memory.Store
	clock *chain.ManualClock
	svc   *admin.Service
	hooks *hooks
	alice *admin.Signer
	bob   *admin.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		clock: chain.NewManualClock(t0),
		hooks: &hooks{},
		alice: signer(1),
		bob:   signer(2),
	}
	reg := ext.NewRegistry(nil)
	reg.Register(f.hooks)
	f.svc = admin.NewService(f.store, f.clock,
		admin.WithConfig(tempo.DefaultConfig().Apply(tempo.WithDefaultFee(7), tempo.WithTableCapacity(4))),
		admin.WithExtensions(reg),
	)
	return f
}

func must(t *testing.T) func(admin.Request, error) admin.Request {
	t.Helper()
	return func(req admin.Request, err error) admin.Request {
		t.Helper()
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return req
	}
}

func payroll() admin.CreateThreadParams {
	return admin.CreateThreadParams{
		Name:    "payroll",
		Trigger: trigger.NewCron("@hourly", false),
		Operations: []thread.Operation{{
			Program:  resource.Derive("token"),
			Accounts: []thread.AccountMeta{{Handle: resource.Derive("vault"), Writable: true}},
		}},
		Deposit: 500,
	}
}

func (f *fixture) createThread(t *testing.T, p admin.CreateThreadParams) *thread.Thread {
	t.Helper()
	req := must(t)(f.alice.Sign(admin.OpCreateThread, p))
	th, err := f.svc.CreateThread(context.Background(), req, p)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return th
}

// ──────────────────────────────────────────────────
// Authentication
// ──────────────────────────────────────────────────

func TestVerify_TamperedParamsRejected(t *testing.T) {
	f := newFixture(t)
	p := payroll()
	req := must(t)(f.alice.Sign(admin.OpCreateThread, p))

	p.Deposit = 1_000_000
	_, err := f.svc.CreateThread(context.Background(), req, p)
	if !errors.Is(err, tempo.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestVerify_SignatureBoundToOperation(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t, payroll())

	ref := admin.ThreadRef{ThreadID: th.ID}
	req := must(t)(f.alice.Sign(admin.OpPauseThread, ref))
	if _, err := f.svc.CloseThread(context.Background(), req, ref); !errors.Is(err, tempo.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestNonceSingleUse(t *testing.T) {
	f := newFixture(t)
	p := payroll()
	req := must(t)(f.alice.Sign(admin.OpCreateThread, p))

	if _, err := f.svc.CreateThread(context.Background(), req, p); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateThread(context.Background(), req, p); !errors.Is(err, tempo.ErrNonceReused) {
		t.Fatalf("replay error = %v, want ErrNonceReused", err)
	}
}

func TestBadSignatureDoesNotSpendNonce(t *testing.T) {
	f := newFixture(t)
	p := payroll()
	req := must(t)(f.alice.SignNonce(admin.OpCreateThread, p, 42))

	forged := req
	forged.Signature = append([]byte(nil), req.Signature...)
	forged.Signature[0] ^= 0xff
	if _, err := f.svc.CreateThread(context.Background(), forged, p); !errors.Is(err, tempo.ErrUnauthorized) {
		t.Fatalf("forged error = %v", err)
	}
	if _, err := f.svc.CreateThread(context.Background(), req, p); err != nil {
		t.Fatalf("genuine request after forgery: %v", err)
	}
}

func TestOtherAuthorityCannotEdit(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t, payroll())

	ref := admin.ThreadRef{ThreadID: th.ID}
	req := must(t)(f.bob.Sign(admin.OpPauseThread, ref))
	if _, err := f.svc.PauseThread(context.Background(), req, ref); !errors.Is(err, tempo.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

// ──────────────────────────────────────────────────
// Threads
// ──────────────────────────────────────────────────

func TestCreateThread(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t, payroll())

	if th.Authority != f.alice.Authority() {
		t.Error("authority not taken from request")
	}
	if th.Fee != 7 {
		t.Errorf("fee = %d, want default 7", th.Fee)
	}
	if th.Balance != 500 {
		t.Errorf("balance = %d, want 500", th.Balance)
	}
	if !th.Cursor.LastTick.Equal(t0) {
		t.Errorf("cursor = %v, want clock time", th.Cursor.LastTick)
	}
	if f.hooks.created != 1 {
		t.Errorf("created hooks = %d", f.hooks.created)
	}

	// Names are unique per authority.
	p := payroll()
	req := must(t)(f.alice.Sign(admin.OpCreateThread, p))
	if _, err := f.svc.CreateThread(context.Background(), req, p); !errors.Is(err, tempo.ErrThreadAlreadyExists) {
		t.Fatalf("duplicate error = %v", err)
	}
}

func TestCreateThread_Malformed(t *testing.T) {
	f := newFixture(t)
	p := payroll()
	p.Trigger = trigger.NewCron("not a schedule", false)
	req := must(t)(f.alice.Sign(admin.OpCreateThread, p))
	if _, err := f.svc.CreateThread(context.Background(), req, p); !errors.Is(err, tempo.ErrMalformed) {
		t.Fatalf("error = %v, want ErrMalformed", err)
	}
}

func TestUpdateThread(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t, payroll())
	f.clock.Advance(time.Hour)

	trig := trigger.NewCron("*/5 * * * *", true)
	fee := uint64(3)
	p := admin.UpdateThreadParams{ThreadID: th.ID, Trigger: &trig, Fee: &fee}
	got, err := f.svc.UpdateThread(context.Background(), must(t)(f.alice.Sign(admin.OpUpdateThread, p)), p)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != th.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, th.Version+1)
	}
	if got.Fee != 3 || !got.Trigger.Cron.Skippable {
		t.Errorf("fields not applied: fee %d trigger %s", got.Fee, got.Trigger)
	}
	if !got.Cursor.LastTick.Equal(t0.Add(time.Hour)) {
		t.Errorf("cursor not reset: %v", got.Cursor.LastTick)
	}
	if len(got.Operations) != 1 {
		t.Error("operations dropped")
	}
}

func TestUpdateThread_BusyWhileLeased(t *testing.T) {
	f := newFixture(t)
	th := f.createThread(t, payroll())
	if ok, err := f.store.AcquireThreadLease(context.Background(), th.ID, id.NewWorkerID(), time.Minute); !ok || err != nil {
		t.Fatalf("acquire: %v %v", ok, err)
	}

	fee := uint64(1)
	p := admin.UpdateThreadParams{ThreadID: th.ID, Fee: &fee}
	_, err := f.svc.UpdateThread(context.Background(), must(t)(f.alice.Sign(admin.OpUpdateThread, p)), p)
	if !errors.Is(err, tempo.ErrThreadBusy) {
		t.Fatalf("error = %v, want ErrThreadBusy", err)
	}
}

// contendedStore tries to take a thread's lease as a second worker
// whenever an edit is written.
type contendedStore struct {
	*memory.Store
	mu       sync.Mutex
	attempts int
	won      int
}

func (s *contendedStore) UpdateThread(ctx context.Context, th *thread.Thread) error {
	ok, err := s.AcquireThreadLease(ctx, th.ID, id.NewWorkerID(), time.Minute)
	s.mu.Lock()
	s.attempts++
	if ok && err == nil {
		s.won++
	}
	s.mu.Unlock()
	return s.Store.UpdateThread(ctx, th)
}

func TestEditsHoldTheThreadLease(t *testing.T) {
	ctx := context.Background()
	cs := &contendedStore{Store: memory.New()}
	alice := signer(1)
	svc := admin.NewService(cs, chain.NewManualClock(t0))

	p := payroll()
	th, err := svc.CreateThread(ctx, must(t)(alice.Sign(admin.OpCreateThread, p)), p)
	if err != nil {
		t.Fatal(err)
	}
	ref := admin.ThreadRef{ThreadID: th.ID}
	paused, err := svc.PauseThread(ctx, must(t)(alice.Sign(admin.OpPauseThread, ref)), ref)
	if err != nil {
		t.Fatalf("PauseThread: %v", err)
	}
	if paused.LockedBy != "" {
		t.Error("returned thread still shows the edit's lease")
	}

	if cs.attempts != 1 || cs.won != 0 {
		t.Fatalf("lease attempts during the edit = %d, won %d; want 1 and 0", cs.attempts, cs.won)
	}
	stored, err := cs.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Paused || stored.Leased(time.Now()) {
		t.Errorf("paused=%v leased=%v, want a paused thread with its lease released", stored.Paused, stored.Leased(time.Now()))
	}
}

func TestPauseResumeRearm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := payroll()
	p.Name = "once"
	p.Trigger = trigger.NewImmediate()
	th := f.createThread(t, p)

	// Simulate a completed run with an open failure report.
	stored, _ := f.store.GetThread(ctx, th.ID)
	stored.Cursor.Fired = true
	stored.RetryCount = 2
	if err := f.store.UpdateThread(ctx, stored); err != nil {
		t.Fatal(err)
	}
	if _, err := dlq.NewService(f.store, f.store).Push(ctx, stored, tempo.ErrAuthorityRevoked); err != nil {
		t.Fatal(err)
	}

	ref := admin.ThreadRef{ThreadID: th.ID}
	paused, err := f.svc.PauseThread(ctx, must(t)(f.alice.Sign(admin.OpPauseThread, ref)), ref)
	if err != nil {
		t.Fatal(err)
	}
	if !paused.Paused || paused.PauseReason != thread.PauseByAuthority {
		t.Fatalf("paused=%v reason=%q", paused.Paused, paused.PauseReason)
	}

	rp := admin.ResumeParams{ThreadID: th.ID, Rearm: true}
	resumed, err := f.svc.ResumeThread(ctx, must(t)(f.alice.Sign(admin.OpResumeThread, rp)), rp)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Paused || resumed.RetryCount != 0 || resumed.Cursor.Fired {
		t.Fatalf("resume incomplete: paused=%v retries=%d fired=%v", resumed.Paused, resumed.RetryCount, resumed.Cursor.Fired)
	}
	if resumed.Version != th.Version+2 {
		t.Errorf("version = %d, want %d", resumed.Version, th.Version+2)
	}

	open, _ := f.store.ListDLQ(ctx, dlq.ListOpts{ThreadID: th.ID, OpenOnly: true})
	if len(open) != 0 {
		t.Errorf("open reports = %d, want 0", len(open))
	}
	if len(f.hooks.paused) != 1 || f.hooks.resumed != 1 {
		t.Errorf("hooks paused=%v resumed=%d", f.hooks.paused, f.hooks.resumed)
	}
}

func TestCloseThreadRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.createThread(t, payroll())

	ref := admin.ThreadRef{ThreadID: th.ID}
	refund, err := f.svc.CloseThread(ctx, must(t)(f.alice.Sign(admin.OpCloseThread, ref)), ref)
	if err != nil {
		t.Fatal(err)
	}
	if refund != 500 || f.hooks.refund != 500 {
		t.Errorf("refund = %d (hook %d), want 500", refund, f.hooks.refund)
	}
	if _, err := f.store.GetThread(ctx, th.ID); !errors.Is(err, tempo.ErrThreadNotFound) {
		t.Errorf("closed thread still stored: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Lookup tables
// ──────────────────────────────────────────────────

func TestTables(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.createThread(t, payroll())
	f.clock.SetEpoch(5)

	cp := admin.CreateTableParams{Handles: []resource.Handle{resource.Derive("a"), resource.Derive("b")}}
	table, err := f.svc.CreateTable(ctx, must(t)(f.alice.Sign(admin.OpCreateTable, cp)), cp)
	if err != nil {
		t.Fatal(err)
	}
	if table.MaxMembers != 4 || len(table.Members) != 2 || table.LastExtendedEpoch != 5 {
		t.Fatalf("table = %+v", table)
	}

	f.clock.SetEpoch(8)
	ep := admin.ExtendTableParams{TableID: table.ID, Handles: []resource.Handle{resource.Derive("b"), resource.Derive("c")}}
	extended, err := f.svc.ExtendTable(ctx, must(t)(f.alice.Sign(admin.OpExtendTable, ep)), ep)
	if err != nil {
		t.Fatal(err)
	}
	if len(extended.Members) != 3 || extended.LastExtendedEpoch != 8 {
		t.Fatalf("extended = %d members at epoch %d", len(extended.Members), extended.LastExtendedEpoch)
	}
	if f.hooks.extended != 3 {
		t.Errorf("extended hook saw %d handles, want 3", f.hooks.extended)
	}

	over := admin.ExtendTableParams{TableID: table.ID, Handles: []resource.Handle{resource.Derive("d"), resource.Derive("e")}}
	if _, err := f.svc.ExtendTable(ctx, must(t)(f.alice.Sign(admin.OpExtendTable, over)), over); !errors.Is(err, tempo.ErrCapacityExceeded) {
		t.Fatalf("overflow error = %v", err)
	}

	foreign := admin.ExtendTableParams{TableID: table.ID, Handles: []resource.Handle{resource.Derive("z")}}
	if _, err := f.svc.ExtendTable(ctx, must(t)(f.bob.Sign(admin.OpExtendTable, foreign)), foreign); !errors.Is(err, tempo.ErrUnauthorized) {
		t.Fatalf("foreign extend error = %v", err)
	}

	bp := admin.BindTableParams{ThreadID: th.ID, TableID: table.ID}
	bound, err := f.svc.BindTable(ctx, must(t)(f.alice.Sign(admin.OpBindTable, bp)), bp)
	if err != nil {
		t.Fatal(err)
	}
	if len(bound.LookupTables) != 1 || bound.Version != th.Version+1 {
		t.Fatalf("bound tables = %d version %d", len(bound.LookupTables), bound.Version)
	}
	again, err := f.svc.BindTable(ctx, must(t)(f.alice.Sign(admin.OpBindTable, bp)), bp)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.LookupTables) != 1 {
		t.Errorf("rebinding duplicated the table")
	}

	ref := admin.TableRef{TableID: table.ID}
	if err := f.svc.DeactivateTable(ctx, must(t)(f.alice.Sign(admin.OpDeactivateTable, ref)), ref); err != nil {
		t.Fatal(err)
	}
	p := payroll()
	p.Name = "other"
	p.LookupTables = []id.ID{table.ID}
	if _, err := f.svc.CreateThread(ctx, must(t)(f.alice.Sign(admin.OpCreateThread, p)), p); !errors.Is(err, tempo.ErrMalformed) {
		t.Fatalf("binding deactivated table: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Cranks
// ──────────────────────────────────────────────────

func TestCrankCreateAndReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cp := admin.CreateCrankParams{
		Name:    "serum",
		Queue:   resource.Derive("event-queue"),
		Program: resource.Derive("dex"),
		Signer:  resource.Derive("signer"),
		Market:  crank.Market{Market: resource.Derive("market")},
		Limit:   5,
	}
	c, err := f.svc.CreateCrank(ctx, must(t)(f.alice.Sign(admin.OpCreateCrank, cp)), cp)
	if err != nil {
		t.Fatal(err)
	}
	if c.Address != crank.Address(f.alice.Authority(), cp.Market.Market, "serum") {
		t.Error("crank address not derived")
	}

	c.OpenResources = []resource.Handle{resource.Derive("oo-1"), resource.Derive("oo-2")}
	if err := f.store.UpdateCrank(ctx, c); err != nil {
		t.Fatal(err)
	}

	tp := admin.CreateThreadParams{Name: "crank", Trigger: trigger.NewCron("@every 10s", true), CrankID: c.ID, Deposit: 100}
	th := f.createThread(t, tp)

	ref := admin.CrankRef{CrankID: c.ID}
	worker := id.NewWorkerID()
	if ok, _ := f.store.AcquireThreadLease(ctx, th.ID, worker, time.Minute); !ok {
		t.Fatal("lease not acquired")
	}
	if _, err := f.svc.ResetCrank(ctx, must(t)(f.alice.Sign(admin.OpResetCrank, ref)), ref); !errors.Is(err, tempo.ErrThreadBusy) {
		t.Fatalf("reset while draining: %v", err)
	}

	if err := f.store.ReleaseThreadLease(ctx, th.ID, worker); err != nil {
		t.Fatal(err)
	}
	reset, err := f.svc.ResetCrank(ctx, must(t)(f.alice.Sign(admin.OpResetCrank, ref)), ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(reset.OpenResources) != 0 {
		t.Fatalf("open resources = %d after reset", len(reset.OpenResources))
	}
	if ok, _ := f.store.AcquireThreadLease(ctx, th.ID, worker, time.Minute); !ok {
		t.Error("reset kept the draining thread's lease")
	}
	stored, _ := f.store.GetCrank(ctx, c.ID)
	if len(stored.OpenResources) != 0 {
		t.Error("reset not persisted")
	}
}
