package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/asyncgate/asyncgate/pkg/ratelimit"
	"github.com/asyncgate/asyncgate/pkg/tenant"
	"github.com/google/uuid"
)

type requestIDKey struct{}

// WithRequestID injects a unique X-Request-ID into every request context
// and response header, reusing one the client already sent.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request id from ctx, or "" if none was set.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// CORSConfig carries the cross-origin posture a deployment decided on, per
// pkg/config's CORSAllowedOrigins/CORSAllowCredentials.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowCredentials bool
}

// WithCORS applies cfg's posture to every response. An empty allow-list is
// treated as same-origin-only, never as wildcard — pkg/config already
// rejects the wildcard-with-credentials combination before this middleware
// ever runs.
func WithCORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	wildcard := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (wildcard || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if cfg.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key")
			w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitPolicy is the policy applied per (tenant, principal) pair.
type RateLimitPolicy = ratelimit.Policy

// WithRateLimit enforces policy against limiter, keyed by the tenant and
// principal the auth middleware already placed in the request context —
// closing the gap left by an IP-only limiter, which can't distinguish one
// noisy tenant from every other tenant sharing a NAT gateway.
func WithRateLimit(limiter ratelimit.Limiter, policy RateLimitPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			allowed, err := limiter.Allow(r.Context(), key, policy, 1)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "5")
				writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests",
					"rate limit exceeded for this tenant", "RATE_LIMITED", key)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if tenantID, ok := tenant.FromContext(r.Context()); ok {
		if p, ok := principalFromContext(r.Context()); ok {
			return tenantID.String() + ":" + p.String()
		}
		return tenantID.String()
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx >= 0 {
		ip = ip[:idx]
	}
	return "ip:" + ip
}
