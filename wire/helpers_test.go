package wire

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/admin"
	"github.com/xraph/tempo/chain"
	"github.com/xraph/tempo/engine"
	ledger "github.com/xraph/tempo/executor/memory"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/store/memory"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

type fixture struct {
	eng    *engine.Engine
	clock  *chain.ManualClock
	ledger *ledger.Ledger
	signer *admin.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := chain.NewManualClock(t0)
	f := &fixture{
		clock:  clock,
		ledger: ledger.New(clock),
		signer: admin.NewSigner(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{3}, ed25519.SeedSize))),
	}
	eng, err := engine.Build(memory.New(), f.ledger, clock,
		engine.WithConfig(tempo.DefaultConfig().Apply(tempo.WithDefaultFee(10))),
		engine.WithLogger(testLogger()),
		engine.WithStreamBroker(),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	f.eng = eng
	return f
}

func (f *fixture) hourlyParams(name string) admin.CreateThreadParams {
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

func (f *fixture) createThread(t *testing.T, name string) *thread.Thread {
	t.Helper()
	p := f.hourlyParams(name)
	req, err := f.signer.Sign(admin.OpCreateThread, p)
	if err != nil {
		t.Fatal(err)
	}
	th, err := f.eng.Admin().CreateThread(context.Background(), req, p)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return th
}

func (f *fixture) handler() *Handler {
	return NewHandler(f.eng, f.eng.StreamBroker(), testLogger())
}

func call(t *testing.T, h *Handler, conn *Connection, method string, data any) *Frame {
	t.Helper()
	frame, err := NewRequestFrame(GenerateFrameID(), method, data)
	if err != nil {
		t.Fatal(err)
	}
	resp := h.Handle(context.Background(), frame, conn)
	if resp.CorrelID != frame.ID {
		t.Fatalf("CorrelID = %q, want %q", resp.CorrelID, frame.ID)
	}
	return resp
}

func expectOK(t *testing.T, resp *Frame, out any) {
	t.Helper()
	if resp.Type != FrameResponse {
		t.Fatalf("frame type = %q (%+v), want response", resp.Type, resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
	}
}

func expectCode(t *testing.T, resp *Frame, code int) {
	t.Helper()
	if resp.Type != FrameErr || resp.Error == nil {
		t.Fatalf("frame type = %q, want error %d", resp.Type, code)
	}
	if resp.Error.Code != code {
		t.Fatalf("error code = %d (%s), want %d", resp.Error.Code, resp.Error.Message, code)
	}
}

func wildcard() *Identity {
	return &Identity{Subject: "test", Scopes: []string{ScopeAll}}
}
