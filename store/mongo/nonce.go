package mongo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/resource"
)

// UseNonce records nonce for authority once. The unique (authority,
// nonce) index rejects a second use.
func (s *Store) UseNonce(ctx context.Context, authority resource.Handle, nonce uint64) error {
	_, err := s.db.Collection(colNonces).InsertOne(ctx, &nonceModel{
		Authority: authority.String(),
		Nonce:     strconv.FormatUint(nonce, 10),
		UsedAt:    now(),
	})
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrNonceReused
		}
		return fmt.Errorf("tempo/mongo: use nonce: %w", err)
	}
	return nil
}
