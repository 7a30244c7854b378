package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// createCrankScript inserts a crank unless its ID or address is taken.
//
// KEYS: crank key, address hash, authority set.
// ARGV: address, id, data, score.
var createCrankScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then return 0 end
redis.call('SET', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return 1
`)

// CreateCrank persists a new crank. The derived address is unique.
func (s *Store) CreateCrank(ctx context.Context, c *crank.State) error {
	data, err := encode(c)
	if err != nil {
		return fmt.Errorf("tempo/redis: encode crank: %w", err)
	}
	cID := c.ID.String()
	ok, err := createCrankScript.Run(ctx, s.client,
		[]string{crankKey(cID), crankAddrsKey, cranksKey(c.Authority)},
		c.Address.String(), cID, data, score(c.CreatedAt),
	).Int()
	if err != nil {
		return fmt.Errorf("tempo/redis: create crank: %w", err)
	}
	if ok == 0 {
		return tempo.ErrCrankAlreadyExists
	}
	return nil
}

// GetCrank retrieves a crank by ID.
func (s *Store) GetCrank(ctx context.Context, crankID id.ID) (*crank.State, error) {
	raw, err := s.client.Get(ctx, crankKey(crankID.String())).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, tempo.ErrCrankNotFound
		}
		return nil, fmt.Errorf("tempo/redis: get crank: %w", err)
	}
	return decodeCrank(raw)
}

// UpdateCrank persists changes to an existing crank.
func (s *Store) UpdateCrank(ctx context.Context, c *crank.State) error {
	data, err := encode(c)
	if err != nil {
		return fmt.Errorf("tempo/redis: encode crank: %w", err)
	}
	ok, err := s.client.SetXX(ctx, crankKey(c.ID.String()), data, 0).Result()
	if err != nil {
		return fmt.Errorf("tempo/redis: update crank: %w", err)
	}
	if !ok {
		return tempo.ErrCrankNotFound
	}
	return nil
}

// DeleteCrank removes a crank and its index entries.
func (s *Store) DeleteCrank(ctx context.Context, crankID id.ID) error {
	c, err := s.GetCrank(ctx, crankID)
	if err != nil {
		return err
	}
	cID := crankID.String()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, crankKey(cID))
	pipe.HDel(ctx, crankAddrsKey, c.Address.String())
	pipe.ZRem(ctx, cranksKey(c.Authority), cID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tempo/redis: delete crank: %w", err)
	}
	return nil
}

// ListCranks returns the cranks owned by authority, oldest first.
func (s *Store) ListCranks(ctx context.Context, authority resource.Handle) ([]*crank.State, error) {
	ids, err := s.client.ZRange(ctx, cranksKey(authority), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tempo/redis: list cranks: %w", err)
	}
	var out []*crank.State
	for _, cID := range ids {
		raw, err := s.client.Get(ctx, crankKey(cID)).Bytes()
		if err != nil {
			if isNil(err) {
				continue
			}
			return nil, fmt.Errorf("tempo/redis: list cranks: %w", err)
		}
		c, err := decodeCrank(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeCrank(raw []byte) (*crank.State, error) {
	c := &crank.State{}
	if err := decode(raw, c); err != nil {
		return nil, fmt.Errorf("tempo/redis: decode crank: %w", err)
	}
	return c, nil
}
