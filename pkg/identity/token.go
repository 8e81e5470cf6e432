package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AuthClaims is the JWT shape every AsyncGate bearer token carries: a
// principal (kind + subject) bound to exactly one tenant.
type AuthClaims struct {
	jwt.RegisteredClaims
	Kind     principal.Kind `json:"kind"`
	TenantID string         `json:"tenant_id"`
}

// TokenManager issues and validates tokens against a KeySet.
type TokenManager struct {
	keySet KeySet
	issuer string
}

func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks, issuer: "asyncgate"}
}

// IssueToken signs a token binding p to tenantID for the given lifetime.
func (tm *TokenManager) IssueToken(ctx context.Context, p principal.Principal, tenantID uuid.UUID, ttl time.Duration) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tm.issuer,
		},
		Kind:     p.Kind,
		TenantID: tenantID.String(),
	}
	return tm.keySet.Sign(ctx, claims)
}

// ValidateToken parses and verifies tokenString, returning the bound
// principal and tenant id.
func (tm *TokenManager) ValidateToken(tokenString string) (principal.Principal, uuid.UUID, error) {
	claims := &AuthClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, tm.keySet.KeyFunc())
	if err != nil {
		return principal.Principal{}, uuid.UUID{}, fmt.Errorf("identity: %w", err)
	}
	if !token.Valid {
		return principal.Principal{}, uuid.UUID{}, jwt.ErrTokenSignatureInvalid
	}
	if claims.Subject == "" {
		return principal.Principal{}, uuid.UUID{}, fmt.Errorf("identity: token subject is required")
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return principal.Principal{}, uuid.UUID{}, fmt.Errorf("identity: token tenant binding is required: %w", err)
	}
	p := principal.Principal{Kind: claims.Kind, ID: claims.Subject}
	if err := p.Validate(); err != nil {
		return principal.Principal{}, uuid.UUID{}, fmt.Errorf("identity: %w", err)
	}
	return p, tenantID, nil
}
