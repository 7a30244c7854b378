package admin

import (
	"context"

	"github.com/xraph/tempo/resource"
)

// NonceStore records request nonces so each is accepted once per authority.
type NonceStore interface {
	// UseNonce records nonce for authority. Returns tempo.ErrNonceReused
	// if it was recorded before.
	UseNonce(ctx context.Context, authority resource.Handle, nonce uint64) error
}
