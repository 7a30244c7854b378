package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/resource"
)

// UseNonce records nonce for authority once. The primary key rejects a
// second use.
func (s *Store) UseNonce(ctx context.Context, authority resource.Handle, nonce uint64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tempo_nonces (authority, nonce) VALUES ($1, $2)`,
		authority.String(), strconv.FormatUint(nonce, 10),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrNonceReused
		}
		return fmt.Errorf("tempo/postgres: use nonce: %w", err)
	}
	return nil
}
