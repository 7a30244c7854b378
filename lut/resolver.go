package lut

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/chain"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// Mode tells how a batch references its handles.
type Mode string

const (
	// ModeInline carries every handle in the batch itself.
	ModeInline Mode = "inline"
	// ModeCompacted references handles through lookup tables, with a small
	// inline residue for handles no bound table holds.
	ModeCompacted Mode = "compacted"
)

// exactCoverLimit is the largest candidate count for which Resolve
// searches for a minimum cover exhaustively.
const exactCoverLimit = 12

// TableRef selects members of one table by index.
type TableRef struct {
	TableID id.ID             `json:"table_id"`
	Indexes []uint16          `json:"indexes"`
	Handles []resource.Handle `json:"handles"`
}

// Resolution is the representation chosen for a batch's handles.
type Resolution struct {
	Mode   Mode              `json:"mode"`
	Inline []resource.Handle `json:"inline"`
	Tables []TableRef        `json:"tables,omitempty"`
}

// Handles returns every handle the resolution carries, inline first.
func (r Resolution) Handles() []resource.Handle {
	out := make([]resource.Handle, 0, len(r.Inline))
	out = append(out, r.Inline...)
	for _, t := range r.Tables {
		out = append(out, t.Handles...)
	}
	return out
}

// TableIDs returns the referenced table IDs in order.
func (r Resolution) TableIDs() []id.ID {
	out := make([]id.ID, len(r.Tables))
	for i, t := range r.Tables {
		out[i] = t.TableID
	}
	return out
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithInlineLimit sets K.
func WithInlineLimit(k int) ResolverOption {
	return func(r *Resolver) { r.inlineLimit = k }
}

// WithWarmup sets W in epochs.
func WithWarmup(w uint64) ResolverOption {
	return func(r *Resolver) { r.warmup = w }
}

// WithCapacity sets the membership cap for tables the resolver allocates.
func WithCapacity(n int) ResolverOption {
	return func(r *Resolver) { r.capacity = n }
}

// WithLogger sets the resolver's logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// Resolver binds handles into lookup tables and chooses the representation
// of a batch's handles.
type Resolver struct {
	store       Store
	clock       chain.Clock
	inlineLimit int
	warmup      uint64
	capacity    int
	logger      *slog.Logger
}

// NewResolver creates a Resolver over store, reading epochs from clock.
func NewResolver(store Store, clock chain.Clock, opts ...ResolverOption) *Resolver {
	cfg := tempo.DefaultConfig()
	r := &Resolver{
		store:       store,
		clock:       clock,
		inlineLimit: cfg.InlineLimit,
		warmup:      cfg.WarmupEpochs,
		capacity:    cfg.TableCapacity,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InlineLimit returns K.
func (r *Resolver) InlineLimit() int { return r.inlineLimit }

// Warmup returns W.
func (r *Resolver) Warmup() uint64 { return r.warmup }

// Resolve picks the representation for handles given the tables bound to
// a thread. Up to K unique handles are carried inline. Beyond that the
// result is always compacted: the fewest warm tables covering every handle
// any bound table holds, plus an inline residue of at most K.
func (r *Resolver) Resolve(ctx context.Context, tableIDs []id.ID, handles []resource.Handle) (Resolution, error) {
	uniq := resource.Unique(handles)
	if len(uniq) <= r.inlineLimit {
		return Resolution{Mode: ModeInline, Inline: uniq}, nil
	}

	tables, err := r.load(ctx, tableIDs)
	if err != nil {
		return Resolution{}, err
	}
	epoch := r.clock.Epoch()

	var warm []*Table
	inWarm := make(map[resource.Handle]bool)
	inAny := make(map[resource.Handle]bool)
	for _, t := range tables {
		if t.Deactivated {
			continue
		}
		isWarm := t.IsWarm(epoch, r.warmup)
		if isWarm {
			warm = append(warm, t)
		}
		for _, m := range t.Members {
			inAny[m] = true
			if isWarm {
				inWarm[m] = true
			}
		}
	}

	var residue, covered []resource.Handle
	for _, h := range uniq {
		switch {
		case !inAny[h]:
			residue = append(residue, h)
		case !inWarm[h]:
			return Resolution{}, r.notReady(tables, h, epoch)
		default:
			covered = append(covered, h)
		}
	}
	if len(residue) > r.inlineLimit {
		return Resolution{}, &CapacityError{Missing: residue, Limit: r.inlineLimit}
	}

	chosen := minimalCover(covered, warm)
	return Resolution{
		Mode:   ModeCompacted,
		Inline: residue,
		Tables: buildRefs(covered, chosen),
	}, nil
}

// notReady reports the cold table holding h that warms up first.
func (r *Resolver) notReady(tables []*Table, h resource.Handle, epoch uint64) error {
	var best *Table
	for _, t := range tables {
		if t.Deactivated || t.IndexOf(h) < 0 {
			continue
		}
		if best == nil || t.ReadyEpoch(r.warmup) < best.ReadyEpoch(r.warmup) {
			best = t
		}
	}
	return &NotReadyError{TableID: best.ID, Epoch: epoch, ReadyEpoch: best.ReadyEpoch(r.warmup)}
}

// BindOptions controls Bind.
type BindOptions struct {
	// Allocate creates additional tables owned by the authority when the
	// bound tables are full, instead of failing.
	Allocate bool
}

// BindResult describes what Bind changed.
type BindResult struct {
	// Tables is the thread's bound table list after binding, including any
	// allocated tables.
	Tables []id.ID
	// Extended lists tables that received new members.
	Extended []id.ID
	// Allocated lists tables created by this call.
	Allocated []id.ID
	// Added is the number of handles appended across all tables.
	Added int
	// Changes lists how many handles each touched table received, in
	// order.
	Changes []TableChange
}

// TableChange is the number of handles Bind appended to one table.
type TableChange struct {
	TableID id.ID
	Added   int
}

// Bind appends the handles not yet in any of the bound tables, in order,
// filling bound tables front to back. Without BindOptions.Allocate it
// fails with a CapacityError once the bound tables are full; handles
// already appended stay appended, which is harmless because membership
// only ever grows.
func (r *Resolver) Bind(ctx context.Context, authority resource.Handle, tableIDs []id.ID, handles []resource.Handle, opts BindOptions) (BindResult, error) {
	result := BindResult{Tables: append([]id.ID(nil), tableIDs...)}

	tables, err := r.load(ctx, tableIDs)
	if err != nil {
		return result, err
	}

	// Deactivated tables no longer carry their members.
	present := resource.NewSet()
	for _, t := range tables {
		if !t.Deactivated {
			present.Add(t.Members...)
		}
	}
	pending := present.Missing(handles)
	if len(pending) == 0 {
		return result, nil
	}

	epoch := r.clock.Epoch()
	for _, t := range tables {
		if len(pending) == 0 {
			break
		}
		if t.Deactivated || t.Space() == 0 {
			continue
		}
		if t.Authority != authority {
			continue
		}
		n := min(t.Space(), len(pending))
		if _, extErr := r.store.ExtendTable(ctx, t.ID, pending[:n], epoch); extErr != nil {
			return result, fmt.Errorf("tempo/lut: bind extend %s: %w", t.ID, extErr)
		}
		result.Extended = append(result.Extended, t.ID)
		result.Changes = append(result.Changes, TableChange{TableID: t.ID, Added: n})
		result.Added += n
		pending = pending[n:]
	}

	for len(pending) > 0 {
		if !opts.Allocate {
			return result, &CapacityError{Missing: pending, Limit: r.capacity, TableID: lastID(tableIDs)}
		}
		t := NewTable(authority, r.capacity, epoch)
		n := min(t.Space(), len(pending))
		if _, extErr := t.Extend(pending[:n], epoch); extErr != nil {
			return result, extErr
		}
		if createErr := r.store.CreateTable(ctx, t); createErr != nil {
			return result, fmt.Errorf("tempo/lut: bind allocate: %w", createErr)
		}
		r.logger.Info("lookup table allocated",
			slog.String("table_id", t.ID.String()),
			slog.String("authority", authority.Short()),
			slog.Int("members", n),
		)
		result.Tables = append(result.Tables, t.ID)
		result.Allocated = append(result.Allocated, t.ID)
		result.Changes = append(result.Changes, TableChange{TableID: t.ID, Added: n})
		result.Added += n
		pending = pending[n:]
	}

	return result, nil
}

func (r *Resolver) load(ctx context.Context, tableIDs []id.ID) ([]*Table, error) {
	tables := make([]*Table, 0, len(tableIDs))
	for _, tid := range tableIDs {
		t, err := r.store.GetTable(ctx, tid)
		if err != nil {
			if errors.Is(err, tempo.ErrTableNotFound) {
				return nil, fmt.Errorf("tempo/lut: bound table %s: %w: %w", tid, tempo.ErrMalformed, err)
			}
			return nil, fmt.Errorf("tempo/lut: load table %s: %w", tid, err)
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// minimalCover returns the fewest tables whose members cover need, in
// binding order. Small candidate sets are searched exhaustively; larger
// ones fall back to greedy selection with a stable tie-break.
func minimalCover(need []resource.Handle, tables []*Table) []*Table {
	if len(need) == 0 {
		return nil
	}

	index := make(map[resource.Handle]int, len(need))
	for i, h := range need {
		index[h] = i
	}

	var candidates []*Table
	var masks []bitset
	for _, t := range tables {
		m := newBitset(len(need))
		for _, h := range t.Members {
			if i, ok := index[h]; ok {
				m.set(i)
			}
		}
		if m.count() > 0 {
			candidates = append(candidates, t)
			masks = append(masks, m)
		}
	}

	if len(candidates) <= exactCoverLimit {
		if best := exactCover(len(need), masks); best != nil {
			out := make([]*Table, len(best))
			for i, ci := range best {
				out[i] = candidates[ci]
			}
			return out
		}
	}
	return greedyCover(len(need), candidates, masks)
}

// exactCover enumerates subsets by increasing size and returns the first
// (in lexicographic candidate order) that covers all n bits.
func exactCover(n int, masks []bitset) []int {
	full := newBitset(n)
	for i := 0; i < n; i++ {
		full.set(i)
	}
	for size := 1; size <= len(masks); size++ {
		if pick := combine(masks, size, full); pick != nil {
			return pick
		}
	}
	return nil
}

func combine(masks []bitset, size int, full bitset) []int {
	pick := make([]int, size)
	var rec func(start, depth int, acc bitset) bool
	rec = func(start, depth int, acc bitset) bool {
		if depth == size {
			return acc.equal(full)
		}
		for i := start; i <= len(masks)-(size-depth); i++ {
			pick[depth] = i
			if rec(i+1, depth+1, acc.or(masks[i])) {
				return true
			}
		}
		return false
	}
	if rec(0, 0, newBitset(full.n)) {
		return pick
	}
	return nil
}

func greedyCover(n int, candidates []*Table, masks []bitset) []*Table {
	remaining := newBitset(n)
	for i := 0; i < n; i++ {
		remaining.set(i)
	}
	used := make([]bool, len(candidates))
	var order []int
	for remaining.count() > 0 {
		best, bestGain := -1, 0
		for i, m := range masks {
			if used[i] {
				continue
			}
			if gain := m.and(remaining).count(); gain > bestGain {
				best, bestGain = i, gain
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		order = append(order, best)
		remaining = remaining.andNot(masks[best])
	}
	// Report chosen tables in binding order.
	out := make([]*Table, 0, len(order))
	for i := range candidates {
		if used[i] {
			out = append(out, candidates[i])
		}
	}
	return out
}

// buildRefs assigns each handle to the first chosen table that holds it.
func buildRefs(need []resource.Handle, chosen []*Table) []TableRef {
	assigned := make(map[resource.Handle]bool, len(need))
	refs := make([]TableRef, 0, len(chosen))
	for _, t := range chosen {
		ref := TableRef{TableID: t.ID}
		for _, h := range need {
			if assigned[h] {
				continue
			}
			if i := t.IndexOf(h); i >= 0 {
				ref.Indexes = append(ref.Indexes, uint16(i)) //nolint:gosec // table capacity is validated <= 65536
				ref.Handles = append(ref.Handles, h)
				assigned[h] = true
			}
		}
		if len(ref.Indexes) > 0 {
			refs = append(refs, ref)
		}
	}
	return refs
}

func lastID(ids []id.ID) id.ID {
	if len(ids) == 0 {
		return id.Nil
	}
	return ids[len(ids)-1]
}
