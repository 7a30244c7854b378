package wire

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// Identity is an authenticated caller.
type Identity struct {
	Subject string `json:"subject"`
	// Scopes lists the permitted operations, e.g. "thread:read" or "*".
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the identity holds scope. "*" grants all.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = errors.New("wire: unauthorized")

// ── API keys ────────────────────────────────────────

// APIKeyEntry maps a token to an identity.
type APIKeyEntry struct {
	Token    string
	Identity Identity
}

// APIKeyAuthenticator validates tokens against a static list.
type APIKeyAuthenticator struct {
	keys []APIKeyEntry
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(entries ...APIKeyEntry) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: append([]APIKeyEntry(nil), entries...)}
}

// Authenticate compares token against every key in constant time. A
// "Bearer " prefix is ignored.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return nil, ErrUnauthorized
	}
	for i := range a.keys {
		if subtle.ConstantTimeCompare([]byte(a.keys[i].Token), []byte(token)) == 1 {
			id := a.keys[i].Identity
			return &id, nil
		}
	}
	return nil, ErrUnauthorized
}

// ── Development ─────────────────────────────────────

// NoopAuthenticator accepts every token with a wildcard identity.
// Use for development only.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Authenticate(context.Context, string) (*Identity, error) {
	return &Identity{Subject: "anonymous", Scopes: []string{ScopeAll}}, nil
}

// ── Composite ───────────────────────────────────────

// CompositeAuthenticator tries authenticators in order; the first success
// wins.
type CompositeAuthenticator struct {
	authenticators []Authenticator
}

// NewCompositeAuthenticator chains authenticators.
func NewCompositeAuthenticator(auths ...Authenticator) *CompositeAuthenticator {
	return &CompositeAuthenticator{authenticators: auths}
}

func (c *CompositeAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	for _, auth := range c.authenticators {
		if id, err := auth.Authenticate(ctx, token); err == nil {
			return id, nil
		}
	}
	return nil, ErrUnauthorized
}

// ── Scopes ──────────────────────────────────────────

const (
	ScopeThreadRead = "thread:read"
	ScopeTableRead  = "table:read"
	ScopeCrankRead  = "crank:read"
	ScopeDLQRead    = "dlq:read"
	ScopeDLQWrite   = "dlq:write"
	ScopeStatsRead  = "stats:read"
	ScopeSubscribe  = "subscribe"
	// ScopeAdmin permits forwarding signed edits. The authority signature
	// is still verified by the admin service.
	ScopeAdmin = "admin"
	ScopeAll   = "*"
)

// RequiredScope returns the scope a method needs. Unknown methods need
// ScopeAdmin.
func RequiredScope(method string) string {
	switch {
	case method == MethodAuth:
		return ""
	case strings.HasPrefix(method, "thread."):
		return ScopeThreadRead
	case strings.HasPrefix(method, "table."):
		return ScopeTableRead
	case strings.HasPrefix(method, "crank."):
		return ScopeCrankRead
	case method == MethodDLQList:
		return ScopeDLQRead
	case method == MethodDLQReplay:
		return ScopeDLQWrite
	case method == MethodSubscribe, method == MethodUnsubscribe:
		return ScopeSubscribe
	case method == MethodStats:
		return ScopeStatsRead
	default:
		return ScopeAdmin
	}
}
