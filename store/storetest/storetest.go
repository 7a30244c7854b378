// Package storetest is the conformance suite every store.Store backend
// runs. Backends call Run from their own tests with a factory that
// returns a fresh, migrated store.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/store"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
)

// Factory returns an empty, migrated store. The suite calls it once per
// subtest.
type Factory func(t *testing.T) store.Store

// Run executes the full suite against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	suites := []struct {
		name string
		fn   func(*testing.T, Factory)
	}{
		{"Lifecycle", testLifecycle},
		{"ThreadCRUD", testThreadCRUD},
		{"ThreadUniqueness", testThreadUniqueness},
		{"ThreadUpdateKeepsLease", testThreadUpdateKeepsLease},
		{"ThreadList", testThreadList},
		{"ThreadDue", testThreadDue},
		{"ThreadLease", testThreadLease},
		{"ThreadLeaseExpiry", testThreadLeaseExpiry},
		{"TableCRUD", testTableCRUD},
		{"TableExtend", testTableExtend},
		{"CrankCRUD", testCrankCRUD},
		{"DLQ", testDLQ},
		{"Nonce", testNonce},
	}
	for _, s := range suites {
		t.Run(s.name, func(t *testing.T) { s.fn(t, newStore) })
	}
}

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

var (
	alice = resource.Derive("storetest-alice")
	bob   = resource.Derive("storetest-bob")
)

func newThread(authority resource.Handle, name string) *thread.Thread {
	ops := []thread.Operation{{
		Program: resource.Derive("program"),
		Accounts: []thread.AccountMeta{
			{Handle: resource.Derive(name, []byte("a")), Writable: true},
			{Handle: resource.Derive(name, []byte("b")), Signer: true},
		},
		Data: []byte{1, 2, 3},
	}}
	t := thread.New(authority, name, trigger.NewCron("*/10 * * * * * *", true), ops, 10_000, 25)
	t.Cursor.Snapshot = []byte{7}
	return t
}

func newCrank(authority resource.Handle, name string) *crank.State {
	m := crank.Market{
		Market:      resource.Derive("market", []byte(name)),
		BaseVault:   resource.Derive("base-vault"),
		BaseWallet:  resource.Derive("base-wallet"),
		QuoteVault:  resource.Derive("quote-vault"),
		QuoteWallet: resource.Derive("quote-wallet"),
	}
	return crank.New(authority, name, resource.Derive("queue", []byte(name)),
		resource.Derive("dex"), resource.Derive("signer"), m, 5)
}

func handles(prefix string, n int) []resource.Handle {
	out := make([]resource.Handle, n)
	for i := range out {
		out[i] = resource.Derive(prefix, []byte{byte(i)})
	}
	return out
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func testLifecycle(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	// Migrations are idempotent.
	require.NoError(t, s.Migrate(ctx))
}

// ──────────────────────────────────────────────────
// Threads
// ──────────────────────────────────────────────────

func testThreadCRUD(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	th := newThread(alice, "payroll")
	th.LookupTables = []id.ID{id.NewTableID()}
	th.CrankID = id.NewCrankID()
	require.NoError(t, s.CreateThread(ctx, th))

	got, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, th.ID.String(), got.ID.String())
	require.Equal(t, th.Name, got.Name)
	require.Equal(t, th.Address, got.Address)
	require.Equal(t, th.Authority, got.Authority)
	require.Equal(t, th.Operations, got.Operations)
	require.Equal(t, th.Trigger, got.Trigger)
	require.Equal(t, th.Cursor.Snapshot, got.Cursor.Snapshot)
	require.True(t, th.Cursor.LastTick.Equal(got.Cursor.LastTick), "cursor tick %v != %v", th.Cursor.LastTick, got.Cursor.LastTick)
	require.Equal(t, th.Balance, got.Balance)
	require.Equal(t, th.Fee, got.Fee)
	require.Equal(t, th.CrankID.String(), got.CrankID.String())
	require.Len(t, got.LookupTables, 1)
	require.Equal(t, th.LookupTables[0].String(), got.LookupTables[0].String())
	require.False(t, got.Paused)

	byName, err := s.GetThreadByName(ctx, alice, "payroll")
	require.NoError(t, err)
	require.Equal(t, th.ID.String(), byName.ID.String())

	_, err = s.GetThreadByName(ctx, bob, "payroll")
	require.ErrorIs(t, err, tempo.ErrThreadNotFound)

	// Bookkeeping round-trips.
	now := time.Now().UTC().Truncate(time.Millisecond)
	got.ExecCount = 3
	got.LastExecAt = &now
	got.Balance -= 75
	got.RetryCount = 2
	next := now.Add(time.Minute)
	got.NextAttemptAt = &next
	got.LastError = "flaky"
	got.PendingKey = "abc"
	got.PendingTick = &now
	got.Paused = true
	got.PauseReason = "fatal"
	got.Version = 4
	got.Cursor.Fired = true
	require.NoError(t, s.UpdateThread(ctx, got))

	again, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(3), again.ExecCount)
	require.NotNil(t, again.LastExecAt)
	require.WithinDuration(t, now, *again.LastExecAt, time.Millisecond)
	require.Equal(t, th.Balance-75, again.Balance)
	require.Equal(t, 2, again.RetryCount)
	require.NotNil(t, again.NextAttemptAt)
	require.WithinDuration(t, next, *again.NextAttemptAt, time.Millisecond)
	require.Equal(t, "flaky", again.LastError)
	require.Equal(t, "abc", again.PendingKey)
	require.NotNil(t, again.PendingTick)
	require.True(t, again.Paused)
	require.Equal(t, "fatal", again.PauseReason)
	require.Equal(t, uint64(4), again.Version)
	require.True(t, again.Cursor.Fired)

	// Clearing optional fields round-trips too.
	again.PendingKey = ""
	again.PendingTick = nil
	again.NextAttemptAt = nil
	require.NoError(t, s.UpdateThread(ctx, again))
	cleared, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	require.Empty(t, cleared.PendingKey)
	require.Nil(t, cleared.PendingTick)
	require.Nil(t, cleared.NextAttemptAt)

	require.NoError(t, s.DeleteThread(ctx, th.ID))
	_, err = s.GetThread(ctx, th.ID)
	require.ErrorIs(t, err, tempo.ErrThreadNotFound)
	require.ErrorIs(t, s.DeleteThread(ctx, th.ID), tempo.ErrThreadNotFound)
	require.ErrorIs(t, s.UpdateThread(ctx, th), tempo.ErrThreadNotFound)
}

func testThreadUniqueness(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	th := newThread(alice, "dup")
	require.NoError(t, s.CreateThread(ctx, th))
	require.ErrorIs(t, s.CreateThread(ctx, th), tempo.ErrThreadAlreadyExists)

	// Same name, same authority, fresh ID.
	require.ErrorIs(t, s.CreateThread(ctx, newThread(alice, "dup")), tempo.ErrThreadAlreadyExists)

	// Same name under another authority is fine.
	require.NoError(t, s.CreateThread(ctx, newThread(bob, "dup")))
}

func testThreadUpdateKeepsLease(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	th := newThread(alice, "leased")
	require.NoError(t, s.CreateThread(ctx, th))

	worker := id.NewWorkerID()
	ok, err := s.AcquireThreadLease(ctx, th.ID, worker, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale copy without lease fields must not clear the lease.
	th.ExecCount = 1
	require.NoError(t, s.UpdateThread(ctx, th))

	got, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, worker.String(), got.LockedBy)
	require.True(t, got.Leased(time.Now().UTC()))
	require.Equal(t, uint64(1), got.ExecCount)
}

func testThreadList(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	a1 := newThread(alice, "a1")
	a2 := newThread(alice, "a2")
	a2.CreatedAt = a1.CreatedAt.Add(time.Second)
	a2.Paused = true
	b1 := newThread(bob, "b1")
	b1.CreatedAt = a1.CreatedAt.Add(2 * time.Second)
	for _, th := range []*thread.Thread{a1, a2, b1} {
		require.NoError(t, s.CreateThread(ctx, th))
	}

	all, err := s.ListThreads(ctx, thread.ListOpts{IncludePaused: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a1", all[0].Name)
	require.Equal(t, "a2", all[1].Name)
	require.Equal(t, "b1", all[2].Name)

	active, err := s.ListThreads(ctx, thread.ListOpts{})
	require.NoError(t, err)
	require.Len(t, active, 2)

	mine, err := s.ListThreads(ctx, thread.ListOpts{Authority: alice, IncludePaused: true})
	require.NoError(t, err)
	require.Len(t, mine, 2)

	limited, err := s.ListThreads(ctx, thread.ListOpts{IncludePaused: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func testThreadDue(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ready := newThread(alice, "ready")
	waiting := newThread(alice, "waiting")
	later := now.Add(time.Hour)
	waiting.NextAttemptAt = &later
	elapsed := newThread(alice, "elapsed")
	past := now.Add(-time.Minute)
	elapsed.NextAttemptAt = &past
	elapsed.CreatedAt = ready.CreatedAt.Add(time.Second)
	paused := newThread(alice, "paused")
	paused.Paused = true

	for _, th := range []*thread.Thread{ready, waiting, elapsed, paused} {
		require.NoError(t, s.CreateThread(ctx, th))
	}

	due, err := s.ListDueThreads(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "ready", due[0].Name)
	require.Equal(t, "elapsed", due[1].Name)

	one, err := s.ListDueThreads(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)

	// Once the backoff elapses the waiting thread is due.
	due, err = s.ListDueThreads(ctx, later, 0)
	require.NoError(t, err)
	require.Len(t, due, 3)
}

func testThreadLease(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	th := newThread(alice, "lease")
	require.NoError(t, s.CreateThread(ctx, th))

	w1, w2 := id.NewWorkerID(), id.NewWorkerID()

	ok, err := s.AcquireThreadLease(ctx, th.ID, w1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireThreadLease(ctx, th.ID, w2, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second worker must not take a live lease")

	// Re-acquire by the holder extends the lease.
	ok, err = s.AcquireThreadLease(ctx, th.ID, w1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Release by a non-holder is a no-op.
	require.NoError(t, s.ReleaseThreadLease(ctx, th.ID, w2))
	ok, err = s.AcquireThreadLease(ctx, th.ID, w2, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ReleaseThreadLease(ctx, th.ID, w1))
	ok, err = s.AcquireThreadLease(ctx, th.ID, w2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.AcquireThreadLease(ctx, id.NewThreadID(), w1, time.Minute)
	require.ErrorIs(t, err, tempo.ErrThreadNotFound)
}

func testThreadLeaseExpiry(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	th := newThread(alice, "expiry")
	require.NoError(t, s.CreateThread(ctx, th))

	w1, w2 := id.NewWorkerID(), id.NewWorkerID()
	ok, err := s.AcquireThreadLease(ctx, th.ID, w1, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := s.AcquireThreadLease(ctx, th.ID, w2, time.Minute)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond, "expired lease was not taken over")

	got, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, w2.String(), got.LockedBy)
}

// ──────────────────────────────────────────────────
// Lookup tables
// ──────────────────────────────────────────────────

func testTableCRUD(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	tbl := lut.NewTable(alice, 8, 3)
	_, err := tbl.Extend(handles("m", 2), 3)
	require.NoError(t, err)
	require.NoError(t, s.CreateTable(ctx, tbl))
	require.ErrorIs(t, s.CreateTable(ctx, tbl), tempo.ErrTableAlreadyExists)

	got, err := s.GetTable(ctx, tbl.ID)
	require.NoError(t, err)
	require.Equal(t, tbl.Members, got.Members)
	require.Equal(t, 8, got.MaxMembers)
	require.Equal(t, uint64(3), got.CreatedEpoch)
	require.Equal(t, uint64(3), got.LastExtendedEpoch)
	require.Equal(t, alice, got.Authority)

	other := lut.NewTable(bob, 8, 0)
	require.NoError(t, s.CreateTable(ctx, other))

	mine, err := s.ListTables(ctx, alice)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, tbl.ID.String(), mine[0].ID.String())

	require.NoError(t, s.DeactivateTable(ctx, tbl.ID))
	got, err = s.GetTable(ctx, tbl.ID)
	require.NoError(t, err)
	require.True(t, got.Deactivated)

	_, err = s.GetTable(ctx, id.NewTableID())
	require.ErrorIs(t, err, tempo.ErrTableNotFound)
	require.ErrorIs(t, s.DeactivateTable(ctx, id.NewTableID()), tempo.ErrTableNotFound)
}

func testTableExtend(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	tbl := lut.NewTable(alice, 4, 0)
	require.NoError(t, s.CreateTable(ctx, tbl))

	hs := handles("x", 5)
	got, err := s.ExtendTable(ctx, tbl.ID, hs[:3], 5)
	require.NoError(t, err)
	require.Equal(t, hs[:3], got.Members)
	require.Equal(t, uint64(5), got.LastExtendedEpoch)

	// Duplicates are elided; nothing new leaves the epoch alone.
	got, err = s.ExtendTable(ctx, tbl.ID, []resource.Handle{hs[0], hs[1]}, 9)
	require.NoError(t, err)
	require.Len(t, got.Members, 3)
	require.Equal(t, uint64(5), got.LastExtendedEpoch)

	// Two new handles do not fit in one slot: nothing changes.
	_, err = s.ExtendTable(ctx, tbl.ID, hs[3:], 9)
	require.ErrorIs(t, err, tempo.ErrCapacityExceeded)
	var capErr *lut.CapacityError
	require.ErrorAs(t, err, &capErr)
	require.Len(t, capErr.Missing, 2)

	stored, err := s.GetTable(ctx, tbl.ID)
	require.NoError(t, err)
	require.Equal(t, hs[:3], stored.Members)
	require.Equal(t, uint64(5), stored.LastExtendedEpoch)

	got, err = s.ExtendTable(ctx, tbl.ID, hs[3:4], 11)
	require.NoError(t, err)
	require.Equal(t, hs[:4], got.Members)
	require.Equal(t, uint64(11), got.LastExtendedEpoch)

	_, err = s.ExtendTable(ctx, id.NewTableID(), hs, 1)
	require.ErrorIs(t, err, tempo.ErrTableNotFound)
}

// ──────────────────────────────────────────────────
// Cranks
// ──────────────────────────────────────────────────

func testCrankCRUD(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	c := newCrank(alice, "sol-usdc")
	require.NoError(t, s.CreateCrank(ctx, c))
	require.ErrorIs(t, s.CreateCrank(ctx, c), tempo.ErrCrankAlreadyExists)

	// Same derived address under a fresh ID.
	dup := newCrank(alice, "sol-usdc")
	require.ErrorIs(t, s.CreateCrank(ctx, dup), tempo.ErrCrankAlreadyExists)

	got, err := s.GetCrank(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.Address, got.Address)
	require.Equal(t, c.Market, got.Market)
	require.Equal(t, c.Queue, got.Queue)
	require.Equal(t, c.Limit, got.Limit)
	require.Equal(t, c.SettlementSigner, got.SettlementSigner)
	require.Equal(t, c.Program, got.Program)
	require.Empty(t, got.OpenResources)

	got.OpenResources = handles("cp", 3)
	require.NoError(t, s.UpdateCrank(ctx, got))
	again, err := s.GetCrank(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, handles("cp", 3), again.OpenResources)

	require.NoError(t, s.CreateCrank(ctx, newCrank(bob, "other")))
	mine, err := s.ListCranks(ctx, alice)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	require.NoError(t, s.DeleteCrank(ctx, c.ID))
	_, err = s.GetCrank(ctx, c.ID)
	require.ErrorIs(t, err, tempo.ErrCrankNotFound)
	require.ErrorIs(t, s.UpdateCrank(ctx, c), tempo.ErrCrankNotFound)
}

// ──────────────────────────────────────────────────
// Failure reports
// ──────────────────────────────────────────────────

func testDLQ(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	threadID := id.NewThreadID()
	mk := func(i int, tid id.ID, auth resource.Handle) *dlq.Entry {
		at := base.Add(time.Duration(i) * time.Minute)
		return &dlq.Entry{
			ID:         id.NewReportID(),
			ThreadID:   tid,
			ThreadName: "t",
			Authority:  auth,
			Class:      tempo.ClassFatal,
			Error:      "boom",
			RetryCount: i,
			FailedAt:   at,
			CreatedAt:  at,
		}
	}
	e1 := mk(0, threadID, alice)
	e2 := mk(1, threadID, alice)
	e3 := mk(2, id.NewThreadID(), bob)
	for _, e := range []*dlq.Entry{e1, e2, e3} {
		require.NoError(t, s.PushDLQ(ctx, e))
	}

	count, err := s.CountDLQ(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	got, err := s.GetDLQ(ctx, e1.ID)
	require.NoError(t, err)
	require.Equal(t, tempo.ClassFatal, got.Class)
	require.Equal(t, "boom", got.Error)
	require.Equal(t, alice, got.Authority)
	require.Equal(t, threadID.String(), got.ThreadID.String())
	require.Nil(t, got.ReplayedAt)

	all, err := s.ListDLQ(ctx, dlq.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, e1.ID.String(), all[0].ID.String())

	byThread, err := s.ListDLQ(ctx, dlq.ListOpts{ThreadID: threadID})
	require.NoError(t, err)
	require.Len(t, byThread, 2)

	byAuth, err := s.ListDLQ(ctx, dlq.ListOpts{Authority: bob})
	require.NoError(t, err)
	require.Len(t, byAuth, 1)

	paged, err := s.ListDLQ(ctx, dlq.ListOpts{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	require.Equal(t, e2.ID.String(), paged[0].ID.String())

	require.NoError(t, s.ReplayDLQ(ctx, e1.ID))
	got, err = s.GetDLQ(ctx, e1.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReplayedAt)

	open, err := s.ListDLQ(ctx, dlq.ListOpts{ThreadID: threadID, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, e2.ID.String(), open[0].ID.String())

	purged, err := s.PurgeDLQ(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(2), purged)
	count, err = s.CountDLQ(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	_, err = s.GetDLQ(ctx, id.NewReportID())
	require.ErrorIs(t, err, tempo.ErrReportNotFound)
	require.ErrorIs(t, s.ReplayDLQ(ctx, id.NewReportID()), tempo.ErrReportNotFound)
}

// ──────────────────────────────────────────────────
// Nonces
// ──────────────────────────────────────────────────

func testNonce(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.UseNonce(ctx, alice, 1))
	require.ErrorIs(t, s.UseNonce(ctx, alice, 1), tempo.ErrNonceReused)
	require.NoError(t, s.UseNonce(ctx, alice, 2))
	require.NoError(t, s.UseNonce(ctx, bob, 1))
}
