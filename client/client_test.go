package client_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/admin"
	"github.com/xraph/tempo/chain"
	"github.com/xraph/tempo/client"
	"github.com/xraph/tempo/engine"
	ledger "github.com/xraph/tempo/executor/memory"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/store/memory"
	"github.com/xraph/tempo/stream"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
	"github.com/xraph/tempo/wire"
)

// ── Test Helpers ──────────────────────────────────────

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	eng    *engine.Engine
	clock  *chain.ManualClock
	signer *admin.Signer
	url    string
}

// setup serves the wire protocol over an engine on a manual clock.
func setup(t *testing.T) *env {
	t.Helper()
	clock := chain.NewManualClock(t0)
	eng, err := engine.Build(memory.New(), ledger.New(clock), clock,
		engine.WithConfig(tempo.DefaultConfig().Apply(tempo.WithDefaultFee(10))),
		engine.WithLogger(testLogger()),
		engine.WithStreamBroker(),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	srv := wire.NewServer(eng.StreamBroker(), wire.NewHandler(eng, eng.StreamBroker(), testLogger()),
		wire.WithAuth(wire.NewAPIKeyAuthenticator(
			wire.APIKeyEntry{Token: "ops", Identity: wire.Identity{Subject: "ops", Scopes: []string{wire.ScopeAll}}},
		)),
		wire.WithLogger(testLogger()),
	)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &env{
		eng:    eng,
		clock:  clock,
		signer: admin.NewSigner(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, ed25519.SeedSize))),
		url:    "ws" + strings.TrimPrefix(hs.URL, "http") + "/wire",
	}
}

func (e *env) dial(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.DialContext(ctx, e.url, append([]client.Option{
		client.WithToken("ops"),
		client.WithLogger(testLogger()),
	}, opts...)...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func hourly(name string) admin.CreateThreadParams {
	return admin.CreateThreadParams{
		Name:    name,
		Trigger: trigger.NewCron("@hourly", false),
		Operations: []thread.Operation{{
			Program:  resource.Derive("program"),
			Accounts: []thread.AccountMeta{{Handle: resource.Derive("counter"), Writable: true}},
		}},
		Deposit: 100,
	}
}

func timeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ── Tests ─────────────────────────────────────────────

func TestClient_AuthRefused(t *testing.T) {
	e := setup(t)
	_, err := client.DialContext(timeout(t), e.url, client.WithToken("wrong"), client.WithLogger(testLogger()))
	var remote *client.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if remote.Code != 401 {
		t.Errorf("code = %d, want 401", remote.Code)
	}
}

func TestClient_CreateAndRead(t *testing.T) {
	e := setup(t)
	c := e.dial(t)
	ctx := timeout(t)

	if c.SessionID() == "" {
		t.Error("no session id")
	}

	created, err := c.CreateThread(ctx, e.signer, hourly("reader"))
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	got, err := c.Thread(ctx, created.ID)
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if got.Name != "reader" || got.Balance != 100 || got.Fee != 10 {
		t.Errorf("thread = %s balance %d fee %d", got.Name, got.Balance, got.Fee)
	}

	list, err := c.Threads(ctx, client.ThreadFilter{Authority: e.signer.Authority()})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID.String() != created.ID.String() {
		t.Fatalf("threads = %d, want the created thread", len(list))
	}

	var remote *client.RemoteError
	if _, err := c.Thread(ctx, thread.New(e.signer.Authority(), "ghost", trigger.NewImmediate(), nil, 0, 1).ID); !errors.As(err, &remote) || remote.Code != 404 {
		t.Errorf("missing thread error = %v, want 404", err)
	}
}

func TestClient_WatchAndHistory(t *testing.T) {
	e := setup(t)
	c := e.dial(t)
	ctx := timeout(t)

	th, err := c.CreateThread(ctx, e.signer, hourly("watched"))
	if err != nil {
		t.Fatal(err)
	}
	events, err := c.Watch(ctx, th.ID)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	e.clock.Advance(time.Hour)
	if sum, err := e.eng.Poll(ctx); err != nil || sum.Executed != 1 {
		t.Fatalf("Poll = %+v, %v", sum, err)
	}

	select {
	case evt := <-events:
		if evt.Type != stream.EventThreadExecuted {
			t.Errorf("event type = %q", evt.Type)
		}
		if evt.Topic != stream.ThreadTopic(th.ID.String()) {
			t.Errorf("event topic = %q", evt.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	history, err := c.History(ctx, th.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Operations != 1 {
		t.Fatalf("history = %+v, want one commit with one operation", history)
	}

	if err := c.Unsubscribe(ctx, stream.ThreadTopic(th.ID.String())); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-events; ok {
		t.Error("channel still open after Unsubscribe")
	}
}

func TestClient_AdminLifecycle(t *testing.T) {
	e := setup(t)
	c := e.dial(t, client.WithFormat(wire.CodecNameMsgpack))
	ctx := timeout(t)

	th, err := c.CreateThread(ctx, e.signer, hourly("managed"))
	if err != nil {
		t.Fatal(err)
	}

	paused, err := c.PauseThread(ctx, e.signer, th.ID)
	if err != nil {
		t.Fatalf("PauseThread: %v", err)
	}
	if !paused.Paused || paused.PauseReason != thread.PauseByAuthority {
		t.Errorf("paused = %v (%q)", paused.Paused, paused.PauseReason)
	}

	resumed, err := c.ResumeThread(ctx, e.signer, th.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Paused {
		t.Error("still paused after resume")
	}

	refund, err := c.CloseThread(ctx, e.signer, th.ID)
	if err != nil {
		t.Fatal(err)
	}
	if refund != 100 {
		t.Errorf("refund = %d, want 100", refund)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Engine.Threads != 0 {
		t.Errorf("threads after close = %d", stats.Engine.Threads)
	}
}

func TestClient_PingAndClose(t *testing.T) {
	e := setup(t)
	c := e.dial(t)

	if _, err := c.Ping(timeout(t)); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Thread(context.Background(), thread.New(resource.Zero, "x", trigger.NewImmediate(), nil, 0, 1).ID); !errors.Is(err, client.ErrClosed) {
		t.Errorf("call after close = %v, want ErrClosed", err)
	}
}
