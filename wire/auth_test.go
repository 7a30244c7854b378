package wire

import (
	"context"
	"errors"
	"testing"
)

func TestIdentityHasScope(t *testing.T) {
	t.Parallel()

	id := &Identity{Scopes: []string{ScopeThreadRead, ScopeSubscribe}}
	if !id.HasScope(ScopeThreadRead) || !id.HasScope(ScopeSubscribe) {
		t.Error("granted scope refused")
	}
	if id.HasScope(ScopeAdmin) {
		t.Error("admin granted without scope")
	}
	if !(&Identity{Scopes: []string{ScopeAll}}).HasScope(ScopeAdmin) {
		t.Error("wildcard did not grant admin")
	}
}

func TestAPIKeyAuthenticator(t *testing.T) {
	t.Parallel()

	auth := NewAPIKeyAuthenticator(
		APIKeyEntry{Token: "tk_ops", Identity: Identity{Subject: "ops", Scopes: []string{ScopeAll}}},
		APIKeyEntry{Token: "tk_view", Identity: Identity{Subject: "viewer", Scopes: []string{ScopeThreadRead}}},
	)
	ctx := context.Background()

	id, err := auth.Authenticate(ctx, "tk_view")
	if err != nil || id.Subject != "viewer" {
		t.Fatalf("Authenticate = %+v, %v", id, err)
	}
	if id, err = auth.Authenticate(ctx, "Bearer tk_ops"); err != nil || id.Subject != "ops" {
		t.Fatalf("bearer Authenticate = %+v, %v", id, err)
	}

	// Callers get a copy.
	id.Scopes = nil
	if again, _ := auth.Authenticate(ctx, "tk_ops"); len(again.Scopes) != 1 {
		t.Error("identity mutated through returned pointer")
	}

	for _, token := range []string{"", "nope", "Bearer "} {
		if _, err := auth.Authenticate(ctx, token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Authenticate(%q) = %v", token, err)
		}
	}
}

func TestNoopAuthenticator(t *testing.T) {
	t.Parallel()

	id, err := NoopAuthenticator{}.Authenticate(context.Background(), "")
	if err != nil || !id.HasScope(ScopeAdmin) {
		t.Fatalf("Noop = %+v, %v", id, err)
	}
}

func TestCompositeAuthenticator(t *testing.T) {
	t.Parallel()

	first := NewAPIKeyAuthenticator(APIKeyEntry{Token: "a", Identity: Identity{Subject: "first"}})
	second := NewAPIKeyAuthenticator(APIKeyEntry{Token: "b", Identity: Identity{Subject: "second"}})
	auth := NewCompositeAuthenticator(first, second)

	if id, err := auth.Authenticate(context.Background(), "b"); err != nil || id.Subject != "second" {
		t.Fatalf("Authenticate(b) = %+v, %v", id, err)
	}
	if _, err := auth.Authenticate(context.Background(), "c"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Authenticate(c) = %v", err)
	}
}

func TestRequiredScope(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		MethodAuth:          "",
		MethodThreadGet:     ScopeThreadRead,
		MethodThreadHistory: ScopeThreadRead,
		MethodTableList:     ScopeTableRead,
		MethodCrankGet:      ScopeCrankRead,
		MethodDLQList:       ScopeDLQRead,
		MethodDLQReplay:     ScopeDLQWrite,
		MethodSubscribe:     ScopeSubscribe,
		MethodUnsubscribe:   ScopeSubscribe,
		MethodStats:         ScopeStatsRead,
		MethodAdmin:         ScopeAdmin,
		"something.else":    ScopeAdmin,
	}
	for method, want := range cases {
		if got := RequiredScope(method); got != want {
			t.Errorf("RequiredScope(%q) = %q, want %q", method, got, want)
		}
	}
}
