package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/pkg/identity"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateTokenRoundTrips(t *testing.T) {
	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	tm := identity.NewTokenManager(ks)

	tenantID := uuid.New()
	p := principal.Worker("worker-1")

	tok, err := tm.IssueToken(context.Background(), p, tenantID, time.Minute)
	require.NoError(t, err)

	gotP, gotTenant, err := tm.ValidateToken(tok)
	require.NoError(t, err)
	require.True(t, p.Equal(gotP))
	require.Equal(t, tenantID, gotTenant)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	tm := identity.NewTokenManager(ks)

	tok, err := tm.IssueToken(context.Background(), principal.Agent("agent-1"), uuid.New(), -time.Minute)
	require.NoError(t, err)

	_, _, err = tm.ValidateToken(tok)
	require.Error(t, err)
}

func TestValidateTokenRejectsKeyAfterRotationEviction(t *testing.T) {
	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	tm := identity.NewTokenManager(ks)

	tok, err := tm.IssueToken(context.Background(), principal.Agent("agent-1"), uuid.New(), time.Minute)
	require.NoError(t, err)

	for i := 0; i < 11; i++ {
		require.NoError(t, ks.Rotate())
	}

	_, _, err = tm.ValidateToken(tok)
	require.Error(t, err)
}
