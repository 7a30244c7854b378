package middleware

import (
	"context"

	"github.com/xraph/tempo/executor"
)

// Handler is the terminal function that submits the batch.
type Handler func(ctx context.Context) error

// Middleware wraps batch submission with cross-cutting logic. It receives
// the current context, the batch being submitted, and the next handler.
// Middleware MUST call next to continue the chain unless short-circuiting
// on error.
type Middleware func(ctx context.Context, b *executor.Batch, next Handler) error

// Chain composes middleware into one. The first middleware in the list is
// the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → submit
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, b *executor.Batch, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, b, prev)
			}
		}
		return h(ctx)
	}
}
