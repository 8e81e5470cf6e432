package sweeper

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/pkg/database"
	"github.com/asyncgate/asyncgate/pkg/lease"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/receipt"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db       *sql.DB
	tasks    *task.SQLiteStore
	leases   *lease.SQLiteStore
	receipts *receipt.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tasks, err := task.NewSQLiteStore(db)
	require.NoError(t, err)
	leases, err := lease.NewSQLiteStore(db)
	require.NoError(t, err)
	receipts, err := receipt.NewSQLiteStore(db)
	require.NoError(t, err)
	return &fixture{db: db, tasks: tasks, leases: leases, receipts: receipts}
}

func (f *fixture) withSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.WithSavepoint(ctx, f.db, fn)
}

func TestSweepOnceRequeuesExpiredLeaseWithoutBumpingAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	owner := principal.Agent("agent-1")

	tk, err := f.tasks.Create(ctx, tenantID, task.Spec{Type: "render", MaxAttempts: 3, CreatedBy: owner}, "")
	require.NoError(t, err)

	now := time.Now().UTC()
	claimed, err := f.leases.ClaimNext(ctx, tenantID, "worker-1", map[string]bool{}, "", 1, time.Second, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	s := New(f.withSavepoint, f.tasks, f.leases, f.receipts, Config{InstanceID: "test-1"}, nil)
	swept := s.sweepAt(ctx, now.Add(10*time.Second))
	assert.Equal(t, 1, swept)

	requeued, ok, err := f.tasks.Get(ctx, tenantID, tk.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StatusQueued, requeued.Status)
	assert.Equal(t, 1, requeued.Attempt, "lease expiry must not consume a retry attempt")

	_, ok, err = f.leases.Validate(ctx, tenantID, tk.TaskID, claimed[0].Lease.LeaseID, "worker-1", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "swept lease must be gone")

	receipts, err := f.receipts.ListByTask(ctx, tenantID, tk.TaskID, 10)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, termination.LeaseExpired, receipts[0].ReceiptType)
}

// Reproduces the race between Complete and the sweeper: the task reaches
// succeeded (as Complete does, before it releases the lease) while the
// lease is still sitting around expired. The sweep must not overwrite
// the finished task, and must not emit a lease.expired receipt for it.
func TestSweepOnceDoesNotRequeueATaskThatFinishedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	owner := principal.Agent("agent-1")

	tk, err := f.tasks.Create(ctx, tenantID, task.Spec{Type: "render", MaxAttempts: 3, CreatedBy: owner}, "")
	require.NoError(t, err)

	now := time.Now().UTC()
	claimed, err := f.leases.ClaimNext(ctx, tenantID, "worker-1", map[string]bool{}, "", 1, time.Second, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, ok, err := f.tasks.Transition(ctx, tenantID, tk.TaskID, task.StatusLeased, task.StatusSucceeded, &task.Result{Succeeded: true})
	require.NoError(t, err)
	require.True(t, ok)

	s := New(f.withSavepoint, f.tasks, f.leases, f.receipts, Config{InstanceID: "test-1"}, nil)
	swept := s.sweepAt(ctx, now.Add(10*time.Second))
	assert.Equal(t, 1, swept, "the lease itself is still swept away")

	final, ok, err := f.tasks.Get(ctx, tenantID, tk.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StatusSucceeded, final.Status, "a completed task must stay completed")

	receipts, err := f.receipts.ListByTask(ctx, tenantID, tk.TaskID, 10)
	require.NoError(t, err)
	assert.Empty(t, receipts, "no lease.expired receipt should be written for a task that already finished")
}

func TestSweepOnceIgnoresNonExpiredLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	owner := principal.Agent("agent-1")

	_, err := f.tasks.Create(ctx, tenantID, task.Spec{Type: "render", MaxAttempts: 3, CreatedBy: owner}, "")
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = f.leases.ClaimNext(ctx, tenantID, "worker-1", map[string]bool{}, "", 1, time.Hour, now)
	require.NoError(t, err)

	s := New(f.withSavepoint, f.tasks, f.leases, f.receipts, Config{InstanceID: "test-1"}, nil)
	swept := s.sweepAt(ctx, now)
	assert.Equal(t, 0, swept)
}
