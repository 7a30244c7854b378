package sqlite

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/resource"
)

// UseNonce records nonce for authority once. The primary key rejects a
// second use.
func (s *Store) UseNonce(ctx context.Context, authority resource.Handle, nonce uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tempo_nonces (authority, nonce, used_at) VALUES (?, ?, ?)`,
		authority.String(), strconv.FormatUint(nonce, 10), nanos(time.Now().UTC()),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrNonceReused
		}
		return fmt.Errorf("tempo/sqlite: use nonce: %w", err)
	}
	return nil
}
