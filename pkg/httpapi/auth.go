package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/asyncgate/asyncgate/pkg/identity"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/tenant"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p principal.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (principal.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal.Principal)
	return p, ok
}

// publicPaths bypass authentication entirely.
var publicPaths = map[string]bool{
	"/healthz":  true,
	"/readyz":   true,
	"/livez":    true,
	"/metadata": true,
}

func isPublicPath(path string) bool {
	return publicPaths[path]
}

// WithAuth validates a bearer JWT issued by tm and injects the bound
// principal and tenant id into the request context. If tm is nil every
// non-public request is rejected — fail closed, never open.
func WithAuth(tm *identity.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, r, "missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeUnauthorized(w, r, "expected 'Bearer <token>' Authorization header")
				return
			}
			if tm == nil {
				writeUnauthorized(w, r, "authentication not configured")
				return
			}

			p, tenantID, err := tm.ValidateToken(parts[1])
			if err != nil {
				writeUnauthorized(w, r, "invalid or expired token")
				return
			}

			ctx := withPrincipal(r.Context(), p)
			ctx = tenant.WithTenant(ctx, tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
