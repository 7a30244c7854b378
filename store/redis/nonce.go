package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/resource"
)

// UseNonce records nonce for authority once. SETNX rejects a second use.
func (s *Store) UseNonce(ctx context.Context, authority resource.Handle, nonce uint64) error {
	ok, err := s.client.SetNX(ctx, nonceKey(authority, nonce), time.Now().UTC().UnixMilli(), 0).Result()
	if err != nil {
		return fmt.Errorf("tempo/redis: use nonce: %w", err)
	}
	if !ok {
		return tempo.ErrNonceReused
	}
	return nil
}
