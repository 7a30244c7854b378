package bunstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/resource"
)

// UseNonce records nonce for authority once.
func (s *Store) UseNonce(ctx context.Context, authority resource.Handle, nonce uint64) error {
	m := &nonceModel{
		Authority: authority.String(),
		Nonce:     strconv.FormatUint(nonce, 10),
		UsedAt:    time.Now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrNonceReused
		}
		return fmt.Errorf("tempo/bun: use nonce: %w", err)
	}
	return nil
}
