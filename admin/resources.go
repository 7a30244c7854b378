package admin

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
)

// ──────────────────────────────────────────────────
// Lookup tables
// ──────────────────────────────────────────────────

// CreateTableParams describes a new lookup table.
type CreateTableParams struct {
	// MaxMembers caps the table. Zero takes Config.TableCapacity.
	MaxMembers int               `json:"max_members" msgpack:"max_members"`
	Handles    []resource.Handle `json:"handles" msgpack:"handles"`
}

// CreateTable creates a table owned by the request's authority, seeded
// with Handles.
func (s *Service) CreateTable(ctx context.Context, req Request, p CreateTableParams) (*lut.Table, error) {
	if err := s.authorize(ctx, OpCreateTable, req, p); err != nil {
		return nil, err
	}

	maxMembers := p.MaxMembers
	if maxMembers <= 0 {
		maxMembers = s.cfg.TableCapacity
	}
	epoch := s.clock.Epoch()
	t := lut.NewTable(req.Authority, maxMembers, epoch)
	added, err := t.Extend(p.Handles, epoch)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTable(ctx, t); err != nil {
		return nil, err
	}
	if added > 0 {
		s.extensions.EmitTableExtended(ctx, t, added)
	}
	return t, nil
}

// ExtendTableParams appends handles to a table.
type ExtendTableParams struct {
	TableID id.ID             `json:"table_id" msgpack:"table_id"`
	Handles []resource.Handle `json:"handles" msgpack:"handles"`
}

// ExtendTable appends the handles not yet in the table. The table is
// usable again only after the warm-up period.
func (s *Service) ExtendTable(ctx context.Context, req Request, p ExtendTableParams) (*lut.Table, error) {
	if err := s.authorize(ctx, OpExtendTable, req, p); err != nil {
		return nil, err
	}
	before, err := s.ownedTable(ctx, req, p.TableID)
	if err != nil {
		return nil, err
	}

	after, err := s.store.ExtendTable(ctx, p.TableID, p.Handles, s.clock.Epoch())
	if err != nil {
		return nil, err
	}
	if added := len(after.Members) - len(before.Members); added > 0 {
		s.extensions.EmitTableExtended(ctx, after, added)
	}
	return after, nil
}

// BindTableParams binds a table to a thread.
type BindTableParams struct {
	ThreadID id.ID `json:"thread_id" msgpack:"thread_id"`
	TableID  id.ID `json:"table_id" msgpack:"table_id"`
}

// BindTable adds a table to the thread's bound tables. Binding an already
// bound table is a no-op.
func (s *Service) BindTable(ctx context.Context, req Request, p BindTableParams) (*thread.Thread, error) {
	if err := s.authorize(ctx, OpBindTable, req, p); err != nil {
		return nil, err
	}
	t, release, err := s.lock(ctx, req, p.ThreadID)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := s.bindable(ctx, req, p.TableID); err != nil {
		return nil, err
	}
	if slices.ContainsFunc(t.LookupTables, func(b id.ID) bool { return b.String() == p.TableID.String() }) {
		return t, nil
	}

	t.LookupTables = append(t.LookupTables, p.TableID)
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// TableRef names one lookup table.
type TableRef struct {
	TableID id.ID `json:"table_id" msgpack:"table_id"`
}

// DeactivateTable stops a table from being referenced. Threads bound to
// it fall back to their other tables and the inline residue.
func (s *Service) DeactivateTable(ctx context.Context, req Request, p TableRef) error {
	if err := s.authorize(ctx, OpDeactivateTable, req, p); err != nil {
		return err
	}
	if _, err := s.ownedTable(ctx, req, p.TableID); err != nil {
		return err
	}
	return s.store.DeactivateTable(ctx, p.TableID)
}

func (s *Service) ownedTable(ctx context.Context, req Request, tableID id.ID) (*lut.Table, error) {
	t, err := s.store.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if t.Authority != req.Authority {
		return nil, fmt.Errorf("tempo/admin: %w: table %s belongs to another authority", tempo.ErrUnauthorized, tableID)
	}
	return t, nil
}

func (s *Service) bindable(ctx context.Context, req Request, tableID id.ID) error {
	t, err := s.ownedTable(ctx, req, tableID)
	if err != nil {
		return err
	}
	if t.Deactivated {
		return fmt.Errorf("tempo/admin: %w: table %s is deactivated", tempo.ErrMalformed, tableID)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Cranks
// ──────────────────────────────────────────────────

// CreateCrankParams describes a new crank.
type CreateCrankParams struct {
	Name    string          `json:"name" msgpack:"name"`
	Queue   resource.Handle `json:"queue" msgpack:"queue"`
	Program resource.Handle `json:"program" msgpack:"program"`
	Signer  resource.Handle `json:"signer" msgpack:"signer"`
	Market  crank.Market    `json:"market" msgpack:"market"`
	Limit   uint16          `json:"limit" msgpack:"limit"`
}

// CreateCrank creates a crank owned by the request's authority. Attach it
// to a thread through CreateThreadParams.CrankID.
func (s *Service) CreateCrank(ctx context.Context, req Request, p CreateCrankParams) (*crank.State, error) {
	if err := s.authorize(ctx, OpCreateCrank, req, p); err != nil {
		return nil, err
	}
	c := crank.New(req.Authority, p.Name, p.Queue, p.Program, p.Signer, p.Market, p.Limit)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateCrank(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CrankRef names one crank.
type CrankRef struct {
	CrankID id.ID `json:"crank_id" msgpack:"crank_id"`
}

// ResetCrank clears the crank's open resources. It is the only way the
// set shrinks, and is refused while a thread draining the crank holds its
// lease.
func (s *Service) ResetCrank(ctx context.Context, req Request, p CrankRef) (*crank.State, error) {
	if err := s.authorize(ctx, OpResetCrank, req, p); err != nil {
		return nil, err
	}
	c, err := s.store.GetCrank(ctx, p.CrankID)
	if err != nil {
		return nil, err
	}
	if c.Authority != req.Authority {
		return nil, fmt.Errorf("tempo/admin: %w: crank %s belongs to another authority", tempo.ErrUnauthorized, c.Name)
	}

	threads, err := s.store.ListThreads(ctx, thread.ListOpts{Authority: req.Authority, IncludePaused: true})
	if err != nil {
		return nil, err
	}
	var releases []func()
	defer func() {
		for _, release := range releases {
			release()
		}
	}()
	for _, t := range threads {
		if t.CrankID.String() != c.ID.String() {
			continue
		}
		release, leaseErr := s.lease(ctx, t)
		if leaseErr != nil {
			return nil, fmt.Errorf("tempo/admin: crank %s drained by %s: %w", c.Name, t.Name, leaseErr)
		}
		releases = append(releases, release)
	}

	// Reload: a drain may have committed before the leases were taken.
	c, err = s.store.GetCrank(ctx, p.CrankID)
	if err != nil {
		return nil, err
	}
	reset := crank.Reset(c)
	if err := s.store.UpdateCrank(ctx, reset); err != nil {
		return nil, fmt.Errorf("tempo/admin: reset %s: %w", c.Name, err)
	}
	s.logger.Info("crank reset",
		slog.String("crank_id", c.ID.String()),
		slog.Int("cleared", len(c.OpenResources)),
	)
	return reset, nil
}
