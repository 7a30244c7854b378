package crank

import (
	"encoding/binary"
	"fmt"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
)

// SettleTag prefixes the data of every settlement operation.
const SettleTag = "settle"

// Market holds the fixed accounts every settlement references.
type Market struct {
	Market      resource.Handle `json:"market"`
	BaseVault   resource.Handle `json:"base_vault"`
	BaseWallet  resource.Handle `json:"base_wallet"`
	QuoteVault  resource.Handle `json:"quote_vault"`
	QuoteWallet resource.Handle `json:"quote_wallet"`
}

// State is a crank: the configuration and accumulated resources of a
// bounded consumer of one event queue.
type State struct {
	tempo.Entity
	Market

	ID        id.ID           `json:"id"`
	Address   resource.Handle `json:"address"`
	Authority resource.Handle `json:"authority"`
	Name      string          `json:"name"`
	Queue     resource.Handle `json:"queue"`
	// Limit is the most entries drained per execution.
	Limit uint16 `json:"limit"`
	// OpenResources lists every counterparty seen, in first-seen order.
	// It only grows during normal operation; see Reset.
	OpenResources    []resource.Handle `json:"open_resources"`
	SettlementSigner resource.Handle   `json:"settlement_signer"`
	Program          resource.Handle   `json:"program"`
}

// Address derives a crank address from its authority, market and name.
func Address(authority, market resource.Handle, name string) resource.Handle {
	return resource.Derive("crank", authority.Bytes(), market.Bytes(), []byte(name))
}

// New creates a crank with no open resources.
func New(authority resource.Handle, name string, queue, program, signer resource.Handle, m Market, limit uint16) *State {
	return &State{
		Entity:           tempo.NewEntity(),
		Market:           m,
		ID:               id.NewCrankID(),
		Address:          Address(authority, m.Market, name),
		Authority:        authority,
		Name:             name,
		Queue:            queue,
		Limit:            limit,
		SettlementSigner: signer,
		Program:          program,
	}
}

// Validate checks the fields Drain relies on.
func (s *State) Validate() error {
	switch {
	case s.Limit == 0:
		return fmt.Errorf("tempo/crank: %w: %s has zero limit", tempo.ErrMalformed, s.Name)
	case s.Program.IsZero():
		return fmt.Errorf("tempo/crank: %w: %s has no program", tempo.ErrMalformed, s.Name)
	case s.Queue.IsZero():
		return fmt.Errorf("tempo/crank: %w: %s has no queue", tempo.ErrMalformed, s.Name)
	case s.Market.Market.IsZero():
		return fmt.Errorf("tempo/crank: %w: %s has no market", tempo.ErrMalformed, s.Name)
	}
	return nil
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	cp := *s
	cp.OpenResources = append([]resource.Handle(nil), s.OpenResources...)
	return &cp
}

// Reset clears the open resources. It is the only operation that shrinks
// the set and is reachable only through an explicit administrative call.
func Reset(s *State) *State {
	cp := s.Clone()
	cp.OpenResources = nil
	return cp
}

// settlement builds the operation settling one queue entry. The open
// resources other than counterparty ride along writable, and counterparty
// comes last.
func (s *State) settlement(seq uint64, counterparty resource.Handle) thread.Operation {
	data := make([]byte, len(SettleTag)+8)
	copy(data, SettleTag)
	binary.LittleEndian.PutUint64(data[len(SettleTag):], seq)

	accounts := make([]thread.AccountMeta, 0, 8+len(s.OpenResources))
	accounts = append(accounts,
		thread.AccountMeta{Handle: s.Market.Market, Writable: true},
		thread.AccountMeta{Handle: s.Queue, Writable: true},
		thread.AccountMeta{Handle: s.BaseVault, Writable: true},
		thread.AccountMeta{Handle: s.BaseWallet, Writable: true},
		thread.AccountMeta{Handle: s.QuoteVault, Writable: true},
		thread.AccountMeta{Handle: s.QuoteWallet, Writable: true},
		thread.AccountMeta{Handle: s.SettlementSigner, Signer: true},
	)
	for _, h := range s.OpenResources {
		if h != counterparty {
			accounts = append(accounts, thread.AccountMeta{Handle: h, Writable: true})
		}
	}
	accounts = append(accounts, thread.AccountMeta{Handle: counterparty, Writable: true})

	return thread.Operation{
		Program:  s.Program,
		Accounts: accounts,
		Data:     data,
	}
}

// SettledSeq decodes the queue sequence number from a settlement
// operation's data.
func SettledSeq(op thread.Operation) (uint64, bool) {
	if len(op.Data) != len(SettleTag)+8 || string(op.Data[:len(SettleTag)]) != SettleTag {
		return 0, false
	}
	return binary.LittleEndian.Uint64(op.Data[len(SettleTag):]), true
}
