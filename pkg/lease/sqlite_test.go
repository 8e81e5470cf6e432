package lease

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFixture struct {
	tasks *task.SQLiteStore
	db    *sql.DB
	*SQLiteStore
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tasks, err := task.NewSQLiteStore(db)
	require.NoError(t, err)
	leases, err := NewSQLiteStore(db)
	require.NoError(t, err)

	return &testFixture{tasks: tasks, db: db, SQLiteStore: leases}
}

func TestSQLiteClaimNextHonorsCapabilities(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()

	_, err := f.tasks.Create(ctx, tenantID, task.Spec{
		Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1"),
		Requirements: task.Requirements{Capabilities: []string{"gpu"}},
	}, "")
	require.NoError(t, err)

	claimed, err := f.ClaimNext(ctx, tenantID, "w1", map[string]bool{"cpu": true}, "", 5, time.Minute, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = f.ClaimNext(ctx, tenantID, "w1", map[string]bool{"gpu": true}, "", 5, time.Minute, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestSQLiteClaimNextRespectsMaxTasksOrdering(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := f.tasks.Create(ctx, tenantID, task.Spec{
			Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1"),
		}, "")
		require.NoError(t, err)
	}

	claimed, err := f.ClaimNext(ctx, tenantID, "w1", map[string]bool{}, "", 3, time.Minute, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, claimed, 3)

	remaining, err := f.ClaimNext(ctx, tenantID, "w2", map[string]bool{}, "", 10, time.Minute, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestSQLiteClaimNextSingleActiveLeasePerTask(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()

	_, err := f.tasks.Create(ctx, tenantID, task.Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)

	first, err := f.ClaimNext(ctx, tenantID, "w1", map[string]bool{}, "", 5, time.Minute, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.ClaimNext(ctx, tenantID, "w2", map[string]bool{}, "", 5, time.Minute, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, second, "task already leased, must not be claimable again")
}

func TestSQLiteValidateAndRenew(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	now := time.Now().UTC()

	_, err := f.tasks.Create(ctx, tenantID, task.Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)
	claimed, err := f.ClaimNext(ctx, tenantID, "w1", map[string]bool{}, "", 5, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	l := claimed[0].Lease

	_, ok, err := f.Validate(ctx, tenantID, l.TaskID, l.LeaseID, "w1", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = f.Validate(ctx, tenantID, l.TaskID, l.LeaseID, "other-worker", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "validate must reject a non-owning worker")

	renewed, err := f.Renew(ctx, tenantID, l.TaskID, l.LeaseID, "w1", 2*time.Minute,
		Limits{MaxRenewals: 10, MaxLifetime: time.Hour}, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.RenewalCount)
}

func TestSQLiteRenewEnforcesRenewalLimit(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	now := time.Now().UTC()

	_, err := f.tasks.Create(ctx, tenantID, task.Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)
	claimed, err := f.ClaimNext(ctx, tenantID, "w1", map[string]bool{}, "", 5, time.Minute, now)
	require.NoError(t, err)
	l := claimed[0].Lease

	limits := Limits{MaxRenewals: 1, MaxLifetime: time.Hour}
	_, err = f.Renew(ctx, tenantID, l.TaskID, l.LeaseID, "w1", time.Minute, limits, now)
	require.NoError(t, err)

	_, err = f.Renew(ctx, tenantID, l.TaskID, l.LeaseID, "w1", time.Minute, limits, now)
	require.Error(t, err)
}

func TestSQLiteRenewEnforcesLifetimeCap(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	now := time.Now().UTC()

	_, err := f.tasks.Create(ctx, tenantID, task.Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)
	claimed, err := f.ClaimNext(ctx, tenantID, "w1", map[string]bool{}, "", 5, time.Minute, now)
	require.NoError(t, err)
	l := claimed[0].Lease

	limits := Limits{MaxRenewals: 10, MaxLifetime: 90 * time.Second}
	_, err = f.Renew(ctx, tenantID, l.TaskID, l.LeaseID, "w1", time.Hour, limits, now.Add(time.Second))
	require.Error(t, err)
}

func TestSQLiteReleaseRemovesLease(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	now := time.Now().UTC()

	_, err := f.tasks.Create(ctx, tenantID, task.Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)
	claimed, err := f.ClaimNext(ctx, tenantID, "w1", map[string]bool{}, "", 5, time.Minute, now)
	require.NoError(t, err)
	l := claimed[0].Lease

	require.NoError(t, f.Release(ctx, tenantID, l.TaskID))

	_, ok, err := f.Validate(ctx, tenantID, l.TaskID, l.LeaseID, "w1", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteGetExpired(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	now := time.Now().UTC()

	_, err := f.tasks.Create(ctx, tenantID, task.Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)
	claimed, err := f.ClaimNext(ctx, tenantID, "w1", map[string]bool{}, "", 5, time.Second, now)
	require.NoError(t, err)
	l := claimed[0].Lease

	expired, err := f.GetExpired(ctx, now.Add(10*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, l.LeaseID, expired[0].LeaseID)

	deleted, err := f.DeleteExpired(ctx, tenantID, l.LeaseID, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, deleted)
}
