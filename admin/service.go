package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/chain"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/ext"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
)

// Store is the persistence the admin surface needs. store.Store
// satisfies it.
type Store interface {
	thread.Store
	lut.Store
	crank.Store
	dlq.Store
	NonceStore
}

// Option configures a Service.
type Option func(*Service)

// WithConfig sets the defaults applied to new threads and tables.
func WithConfig(cfg tempo.Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithExtensions sets the hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(s *Service) { s.extensions = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service applies authority-signed edits to threads, lookup tables and
// cranks. Every edit to a thread bumps its Version and is refused while
// a scheduler holds the thread's lease.
type Service struct {
	store      Store
	clock      chain.Clock
	cfg        tempo.Config
	extensions *ext.Registry
	dlq        *dlq.Service
	logger     *slog.Logger
}

// NewService creates a Service. clock stamps table extensions with the
// current epoch.
func NewService(store Store, clock chain.Clock, opts ...Option) *Service {
	s := &Service{
		store:  store,
		clock:  clock,
		cfg:    tempo.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.extensions == nil {
		s.extensions = ext.NewRegistry(s.logger)
	}
	s.dlq = dlq.NewService(store, store)
	return s
}

// authorize verifies the signature, then spends the nonce. Unsigned
// requests never consume nonces.
func (s *Service) authorize(ctx context.Context, op Op, req Request, params any) error {
	if err := Verify(op, req, params); err != nil {
		return err
	}
	if err := s.store.UseNonce(ctx, req.Authority, req.Nonce); err != nil {
		if errors.Is(err, tempo.ErrNonceReused) {
			return err
		}
		return fmt.Errorf("tempo/admin: record nonce: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Threads
// ──────────────────────────────────────────────────

// CreateThreadParams describes a new thread.
type CreateThreadParams struct {
	Name       string             `json:"name" msgpack:"name"`
	Operations []thread.Operation `json:"operations" msgpack:"operations"`
	Trigger    trigger.Trigger    `json:"trigger" msgpack:"trigger"`
	// Deposit funds the thread's executions.
	Deposit uint64 `json:"deposit" msgpack:"deposit"`
	// Fee is charged per execution. Zero takes Config.DefaultFee.
	Fee          uint64  `json:"fee" msgpack:"fee"`
	CrankID      id.ID   `json:"crank_id" msgpack:"crank_id"`
	LookupTables []id.ID `json:"lookup_tables" msgpack:"lookup_tables"`
}

// CreateThread creates a thread owned by the request's authority.
func (s *Service) CreateThread(ctx context.Context, req Request, p CreateThreadParams) (*thread.Thread, error) {
	if err := s.authorize(ctx, OpCreateThread, req, p); err != nil {
		return nil, err
	}

	fee := p.Fee
	if fee == 0 {
		fee = s.cfg.DefaultFee
	}
	t := thread.New(req.Authority, p.Name, p.Trigger, p.Operations, p.Deposit, fee)
	t.Cursor = trigger.NewCursor(s.clock.Now())
	t.CrankID = p.CrankID
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if !t.CrankID.IsNil() {
		c, err := s.store.GetCrank(ctx, t.CrankID)
		if err != nil {
			return nil, err
		}
		if c.Authority != req.Authority {
			return nil, fmt.Errorf("tempo/admin: %w: crank %s belongs to another authority", tempo.ErrUnauthorized, c.Name)
		}
	}
	for _, tableID := range p.LookupTables {
		if err := s.bindable(ctx, req, tableID); err != nil {
			return nil, err
		}
		t.LookupTables = append(t.LookupTables, tableID)
	}

	if err := s.store.CreateThread(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("thread created",
		slog.String("thread_id", t.ID.String()),
		slog.String("thread", t.Name),
		slog.String("authority", t.Authority.Short()),
		slog.String("trigger", t.Trigger.String()),
	)
	s.extensions.EmitThreadCreated(ctx, t)
	return t, nil
}

// UpdateThreadParams replaces parts of a thread. Nil fields are kept.
type UpdateThreadParams struct {
	ThreadID   id.ID              `json:"thread_id" msgpack:"thread_id"`
	Operations []thread.Operation `json:"operations" msgpack:"operations"`
	Trigger    *trigger.Trigger   `json:"trigger" msgpack:"trigger"`
	Fee        *uint64            `json:"fee" msgpack:"fee"`
}

// UpdateThread edits a thread's operations, trigger or fee. A new trigger
// starts from a fresh cursor.
func (s *Service) UpdateThread(ctx context.Context, req Request, p UpdateThreadParams) (*thread.Thread, error) {
	if err := s.authorize(ctx, OpUpdateThread, req, p); err != nil {
		return nil, err
	}
	t, release, err := s.lock(ctx, req, p.ThreadID)
	if err != nil {
		return nil, err
	}
	defer release()

	if p.Operations != nil {
		t.Operations = p.Operations
	}
	if p.Trigger != nil {
		t.Trigger = *p.Trigger
		t.Cursor = trigger.NewCursor(s.clock.Now())
	}
	if p.Fee != nil {
		t.Fee = *p.Fee
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ThreadRef names one thread.
type ThreadRef struct {
	ThreadID id.ID `json:"thread_id" msgpack:"thread_id"`
}

// PauseThread stops a thread from being polled.
func (s *Service) PauseThread(ctx context.Context, req Request, p ThreadRef) (*thread.Thread, error) {
	if err := s.authorize(ctx, OpPauseThread, req, p); err != nil {
		return nil, err
	}
	t, release, err := s.lock(ctx, req, p.ThreadID)
	if err != nil {
		return nil, err
	}
	defer release()
	if t.Paused {
		return t, nil
	}

	t.Paused = true
	t.PauseReason = thread.PauseByAuthority
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	s.extensions.EmitThreadPaused(ctx, t, thread.PauseByAuthority)
	return t, nil
}

// ResumeParams names a thread to resume.
type ResumeParams struct {
	ThreadID id.ID `json:"thread_id" msgpack:"thread_id"`
	// Rearm lets a completed immediate trigger fire again.
	Rearm bool `json:"rearm" msgpack:"rearm"`
}

// ResumeThread unpauses a thread, clears its retry state and resolves its
// open failure reports.
func (s *Service) ResumeThread(ctx context.Context, req Request, p ResumeParams) (*thread.Thread, error) {
	if err := s.authorize(ctx, OpResumeThread, req, p); err != nil {
		return nil, err
	}
	t, release, err := s.lock(ctx, req, p.ThreadID)
	if err != nil {
		return nil, err
	}
	defer release()

	t.Paused = false
	t.PauseReason = ""
	t.RetryCount = 0
	t.NextAttemptAt = nil
	t.LastError = ""
	if p.Rearm {
		t.Cursor = trigger.Rearm(t.Cursor)
	}
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	if _, err := s.dlq.Resolve(ctx, t.ID); err != nil {
		s.logger.Warn("failed to resolve failure reports",
			slog.String("thread_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	s.extensions.EmitThreadResumed(ctx, t)
	return t, nil
}

// CloseThread deletes a thread and returns its remaining balance.
func (s *Service) CloseThread(ctx context.Context, req Request, p ThreadRef) (uint64, error) {
	if err := s.authorize(ctx, OpCloseThread, req, p); err != nil {
		return 0, err
	}
	t, release, err := s.lock(ctx, req, p.ThreadID)
	if err != nil {
		return 0, err
	}
	defer release()

	if err := s.store.DeleteThread(ctx, t.ID); err != nil {
		return 0, fmt.Errorf("tempo/admin: close %s: %w", t.Name, err)
	}
	refund := t.Balance
	s.logger.Info("thread closed",
		slog.String("thread_id", t.ID.String()),
		slog.Uint64("refund", refund),
	)
	s.extensions.EmitThreadClosed(ctx, t, refund)
	return refund, nil
}

// lock loads a thread owned by req.Authority under a lease of its own,
// so no scheduler runs the thread until release is called. A thread
// already leased is refused with tempo.ErrThreadBusy.
func (s *Service) lock(ctx context.Context, req Request, threadID id.ID) (*thread.Thread, func(), error) {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	if t.Authority != req.Authority {
		return nil, nil, fmt.Errorf("tempo/admin: %w: thread %s belongs to another authority", tempo.ErrUnauthorized, t.Name)
	}
	release, err := s.lease(ctx, t)
	if err != nil {
		return nil, nil, err
	}

	// Reload: the copy above predates the lease.
	t, err = s.store.GetThread(ctx, threadID)
	if err != nil {
		release()
		return nil, nil, err
	}
	t.LockedBy, t.LockedUntil = "", nil
	return t, release, nil
}

// lease takes the execution lease of t for one edit.
func (s *Service) lease(ctx context.Context, t *thread.Thread) (func(), error) {
	holder := id.NewWorkerID()
	acquired, err := s.store.AcquireThreadLease(ctx, t.ID, holder, s.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("tempo/admin: lease %s: %w", t.Name, err)
	}
	if !acquired {
		return nil, fmt.Errorf("tempo/admin: %s: %w", t.Name, tempo.ErrThreadBusy)
	}
	return func() {
		relErr := s.store.ReleaseThreadLease(context.WithoutCancel(ctx), t.ID, holder)
		if relErr != nil && !errors.Is(relErr, tempo.ErrThreadNotFound) {
			s.logger.Warn("lease release failed",
				slog.String("thread_id", t.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
	}, nil
}

// save records an authority edit.
func (s *Service) save(ctx context.Context, t *thread.Thread) error {
	t.Version++
	if err := s.store.UpdateThread(ctx, t); err != nil {
		return fmt.Errorf("tempo/admin: update %s: %w", t.Name, err)
	}
	return nil
}
