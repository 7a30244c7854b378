package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
)

// CreateTable persists a new lookup table.
func (s *Store) CreateTable(ctx context.Context, t *lut.Table) error {
	data, err := encode(t)
	if err != nil {
		return fmt.Errorf("tempo/redis: encode table: %w", err)
	}
	tID := t.ID.String()
	ok, err := s.client.SetNX(ctx, tableKey(tID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("tempo/redis: create table: %w", err)
	}
	if !ok {
		return tempo.ErrTableAlreadyExists
	}
	if err := s.client.ZAdd(ctx, tablesKey(t.Authority), goredis.Z{Score: score(t.CreatedAt), Member: tID}).Err(); err != nil {
		return fmt.Errorf("tempo/redis: index table: %w", err)
	}
	return nil
}

// GetTable retrieves a lookup table by ID.
func (s *Store) GetTable(ctx context.Context, tableID id.ID) (*lut.Table, error) {
	return getTable(ctx, s.client, tableKey(tableID.String()))
}

// ExtendTable appends the handles not yet present. The read-extend-write
// runs under WATCH so concurrent extensions never overshoot MaxMembers.
func (s *Store) ExtendTable(ctx context.Context, tableID id.ID, handles []resource.Handle, epoch uint64) (*lut.Table, error) {
	key := tableKey(tableID.String())
	var out *lut.Table
	err := s.watch(ctx, key, func(tx *goredis.Tx) error {
		t, err := getTable(ctx, tx, key)
		if err != nil {
			return err
		}
		added, err := t.Extend(handles, epoch)
		if err != nil {
			return err
		}
		out = t
		if added == 0 {
			return nil
		}
		return putTable(ctx, tx, key, t)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeactivateTable marks a table unusable.
func (s *Store) DeactivateTable(ctx context.Context, tableID id.ID) error {
	key := tableKey(tableID.String())
	return s.watch(ctx, key, func(tx *goredis.Tx) error {
		t, err := getTable(ctx, tx, key)
		if err != nil {
			return err
		}
		t.Deactivated = true
		return putTable(ctx, tx, key, t)
	})
}

// ListTables returns the tables owned by authority, oldest first.
func (s *Store) ListTables(ctx context.Context, authority resource.Handle) ([]*lut.Table, error) {
	ids, err := s.client.ZRange(ctx, tablesKey(authority), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tempo/redis: list tables: %w", err)
	}
	var out []*lut.Table
	for _, tID := range ids {
		t, err := getTable(ctx, s.client, tableKey(tID))
		if err != nil {
			if errors.Is(err, tempo.ErrTableNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func getTable(ctx context.Context, c goredis.Cmdable, key string) (*lut.Table, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, tempo.ErrTableNotFound
		}
		return nil, fmt.Errorf("tempo/redis: get table: %w", err)
	}
	t := &lut.Table{}
	if err := decode(raw, t); err != nil {
		return nil, fmt.Errorf("tempo/redis: decode table: %w", err)
	}
	return t, nil
}

// putTable writes t inside the WATCH transaction.
func putTable(ctx context.Context, tx *goredis.Tx, key string, t *lut.Table) error {
	data, err := encode(t)
	if err != nil {
		return fmt.Errorf("tempo/redis: encode table: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		return nil
	})
	return err
}
