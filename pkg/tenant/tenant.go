// Package tenant carries the tenant a request is scoped to through a
// context.Context, and asserts that a store result actually belongs to
// the tenant that asked for it — a cheap, local double-check against a
// handler accidentally forwarding the wrong tenant id into a store call.
package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type contextKey struct{}

// WithTenant attaches id to ctx.
func WithTenant(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext retrieves the tenant id attached by WithTenant.
func FromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(contextKey{}).(uuid.UUID)
	return id, ok
}

// MustFromContext panics if no tenant is attached. Only call this where
// middleware guarantees one was set — in a handler reached through the
// authenticated router, never in a store or the engine itself.
func MustFromContext(ctx context.Context) uuid.UUID {
	id, ok := FromContext(ctx)
	if !ok {
		panic("tenant: no tenant id in context")
	}
	return id
}

// AssertOwned returns an error if entityTenant doesn't match wantTenant.
// Every store implementation in this repo already scopes its queries by
// tenant_id, so this assertion should never fire in production; it exists
// so a future query that forgets the WHERE clause fails loudly in tests
// instead of silently leaking a row across tenants.
func AssertOwned(wantTenant, entityTenant uuid.UUID, entityKind string, entityID fmt.Stringer) error {
	if wantTenant != entityTenant {
		return fmt.Errorf("tenant isolation violation: %s %s belongs to tenant %s, not %s",
			entityKind, entityID, entityTenant, wantTenant)
	}
	return nil
}
