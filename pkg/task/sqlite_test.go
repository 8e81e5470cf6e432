package task

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStoreCreateAndGet(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	created, err := store.Create(ctx, tenantID, Spec{
		Type:        "render",
		MaxAttempts: 3,
		CreatedBy:   principal.Agent("a1"),
	}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, created.Status)
	assert.Equal(t, 1, created.Attempt)

	fetched, ok, err := store.Get(ctx, tenantID, created.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.TaskID, fetched.TaskID)
	assert.Equal(t, "render", fetched.Type)
}

func TestSQLiteStoreCreateIsIdempotentOnKeyCollision(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	spec := Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}
	first, err := store.Create(ctx, tenantID, spec, "req-1")
	require.NoError(t, err)
	second, err := store.Create(ctx, tenantID, spec, "req-1")
	require.NoError(t, err)

	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestSQLiteStoreTenantIsolation(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()

	created, err := store.Create(ctx, tenantA, Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)

	_, ok, err := store.Get(ctx, tenantB, created.TaskID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreTransitionRejectsIllegalMove(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	created, err := store.Create(ctx, tenantID, Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)

	_, ok, err := store.Transition(ctx, tenantID, created.TaskID, StatusQueued, StatusRunning, nil)
	require.Error(t, err)
	assert.False(t, ok)
	code, _ := apierr.CodeOf(err)
	assert.Equal(t, apierr.CodeInvalidStateTransition, code)
}

func TestSQLiteStoreTransitionCAS(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	created, err := store.Create(ctx, tenantID, Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)

	leased, ok, err := store.Transition(ctx, tenantID, created.TaskID, StatusQueued, StatusLeased, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusLeased, leased.Status)

	// A second CAS from the same stale expectedFrom must no-op, not error.
	_, ok, err = store.Transition(ctx, tenantID, created.TaskID, StatusQueued, StatusLeased, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreStartRunningIsIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	created, err := store.Create(ctx, tenantID, Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)
	_, _, err = store.Transition(ctx, tenantID, created.TaskID, StatusQueued, StatusLeased, nil)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	first, already, err := store.StartRunning(ctx, tenantID, created.TaskID, now)
	require.NoError(t, err)
	assert.False(t, already)
	require.NotNil(t, first.StartedAt)

	second, already, err := store.StartRunning(ctx, tenantID, created.TaskID, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, first.StartedAt.Unix(), second.StartedAt.Unix())
}

func TestSQLiteStoreStartRunningRejectsFromQueued(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	created, err := store.Create(ctx, tenantID, Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)

	_, _, err = store.StartRunning(ctx, tenantID, created.TaskID, time.Now().UTC())
	require.Error(t, err)
}

func TestSQLiteStoreRequeueWithBackoffIncrementsAttempt(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	created, err := store.Create(ctx, tenantID, Spec{
		Type: "render", MaxAttempts: 3, RetryBackoff: time.Second, CreatedBy: principal.Agent("a1"),
	}, "")
	require.NoError(t, err)
	_, _, err = store.Transition(ctx, tenantID, created.TaskID, StatusQueued, StatusLeased, nil)
	require.NoError(t, err)

	requeued, applied, err := store.RequeueWithBackoff(ctx, tenantID, created.TaskID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusQueued, requeued.Status)
	assert.Equal(t, 2, requeued.Attempt)
	assert.True(t, requeued.NextEligibleAt.After(time.Now().UTC()))
}

func TestSQLiteStoreRequeueWithBackoffDoesNotApplyToTerminalTask(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	created, err := store.Create(ctx, tenantID, Spec{
		Type: "render", MaxAttempts: 3, RetryBackoff: time.Second, CreatedBy: principal.Agent("a1"),
	}, "")
	require.NoError(t, err)
	_, _, err = store.Transition(ctx, tenantID, created.TaskID, StatusQueued, StatusLeased, nil)
	require.NoError(t, err)
	_, ok, err := store.Transition(ctx, tenantID, created.TaskID, StatusLeased, StatusSucceeded, &Result{Succeeded: true})
	require.NoError(t, err)
	require.True(t, ok)

	current, applied, err := store.RequeueWithBackoff(ctx, tenantID, created.TaskID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied, "a task already resolved to succeeded must not be requeued")
	assert.Equal(t, StatusSucceeded, current.Status)
}

func TestSQLiteStoreRequeueWithBackoffFailsPastMaxAttempts(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	created, err := store.Create(ctx, tenantID, Spec{
		Type: "render", MaxAttempts: 1, RetryBackoff: time.Second, CreatedBy: principal.Agent("a1"),
	}, "")
	require.NoError(t, err)
	_, _, err = store.Transition(ctx, tenantID, created.TaskID, StatusQueued, StatusLeased, nil)
	require.NoError(t, err)

	failed, applied, err := store.RequeueWithBackoff(ctx, tenantID, created.TaskID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.Result)
	assert.False(t, failed.Result.Succeeded)
}

func TestSQLiteStoreRequeueOnExpiryDoesNotBumpAttempt(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	created, err := store.Create(ctx, tenantID, Spec{Type: "render", MaxAttempts: 3, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)
	_, _, err = store.Transition(ctx, tenantID, created.TaskID, StatusQueued, StatusLeased, nil)
	require.NoError(t, err)

	requeued, applied, err := store.RequeueOnExpiry(ctx, tenantID, created.TaskID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusQueued, requeued.Status)
	assert.Equal(t, created.Attempt, requeued.Attempt)
	assert.Nil(t, requeued.StartedAt)
}

func TestSQLiteStoreRequeueOnExpiryDoesNotApplyToTerminalTask(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	created, err := store.Create(ctx, tenantID, Spec{Type: "render", MaxAttempts: 3, CreatedBy: principal.Agent("a1")}, "")
	require.NoError(t, err)
	_, _, err = store.Transition(ctx, tenantID, created.TaskID, StatusQueued, StatusLeased, nil)
	require.NoError(t, err)
	_, ok, err := store.Transition(ctx, tenantID, created.TaskID, StatusLeased, StatusSucceeded, &Result{Succeeded: true})
	require.NoError(t, err)
	require.True(t, ok)

	// A lease can outlive the task it guarded finishing (sweep races
	// Complete); the expired-lease requeue must not resurrect it.
	current, applied, err := store.RequeueOnExpiry(ctx, tenantID, created.TaskID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StatusSucceeded, current.Status)
}

func TestSQLiteStoreListPaginates(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, tenantID, Spec{Type: "render", MaxAttempts: 1, CreatedBy: principal.Agent("a1")}, "")
		require.NoError(t, err)
	}

	page, err := store.List(ctx, tenantID, Filters{}, nil, 2)
	require.NoError(t, err)
	assert.Len(t, page.Tasks, 2)
	require.NotNil(t, page.NextCursor)

	page2, err := store.List(ctx, tenantID, Filters{}, page.NextCursor, 2)
	require.NoError(t, err)
	assert.Len(t, page2.Tasks, 2)
}
