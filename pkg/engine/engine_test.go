package engine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/lease"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/receipt"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
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

	cfg := Config{
		LeaseLimits: lease.Limits{MaxRenewals: 10, MaxLifetime: time.Hour, DefaultTTL: time.Minute, MaxTTL: 10 * time.Minute},
	}
	return New(db, tasks, leases, receipts, cfg, nil)
}

func TestCreateTaskEmitsAssignedReceipt(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	owner := principal.Agent("agent-1")

	tk, err := e.CreateTask(ctx, tenantID, owner, task.Spec{Type: "render", MaxAttempts: 3}, "")
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, tk.Status)

	receipts, err := e.receipts.ListByTask(ctx, tenantID, tk.TaskID, 10)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, termination.TaskAssigned, receipts[0].ReceiptType)
	assert.True(t, receipts[0].To.Equal(owner))
}

func TestCreateTaskIdempotentDoesNotDoubleAssign(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	owner := principal.Agent("agent-1")

	first, err := e.CreateTask(ctx, tenantID, owner, task.Spec{Type: "render", MaxAttempts: 3}, "key-1")
	require.NoError(t, err)
	second, err := e.CreateTask(ctx, tenantID, owner, task.Spec{Type: "render", MaxAttempts: 3}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, second.TaskID)

	receipts, err := e.receipts.ListByTask(ctx, tenantID, first.TaskID, 10)
	require.NoError(t, err)
	assert.Len(t, receipts, 1, "re-creating an idempotent task must not emit a second task.assigned")
}

func TestFullLifecycleCompleteEmitsResultReady(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	owner := principal.Agent("agent-1")

	tk, err := e.CreateTask(ctx, tenantID, owner, task.Spec{Type: "render", MaxAttempts: 3}, "")
	require.NoError(t, err)

	claimed, err := e.ClaimNext(ctx, tenantID, "worker-1", map[string]bool{}, "", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	l := claimed[0].Lease

	started, err := e.StartTask(ctx, tenantID, tk.TaskID, l.LeaseID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, started.Status)
	assert.NotNil(t, started.StartedAt)

	// Idempotent: calling StartTask again must not emit a second task.started.
	_, err = e.StartTask(ctx, tenantID, tk.TaskID, l.LeaseID, "worker-1")
	require.NoError(t, err)

	err = e.ReportProgress(ctx, tenantID, tk.TaskID, l.LeaseID, "worker-1", map[string]any{"pct": 50})
	require.NoError(t, err)

	err = e.Complete(ctx, tenantID, tk.TaskID, l.LeaseID, "worker-1", CompleteResult{
		Output:    map[string]any{"ok": true},
		Artifacts: []any{"s3://bucket/key"},
	})
	require.NoError(t, err)

	final, err := e.GetTask(ctx, tenantID, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, final.Status)
	require.NotNil(t, final.Result)
	assert.True(t, final.Result.Succeeded)

	_, ok, err := e.leases.Validate(ctx, tenantID, tk.TaskID, l.LeaseID, "worker-1", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok, "lease must be released on completion")

	receipts, err := e.receipts.ListByTask(ctx, tenantID, tk.TaskID, 20)
	require.NoError(t, err)
	types := make(map[termination.Type]int)
	for _, r := range receipts {
		types[r.ReceiptType]++
	}
	assert.Equal(t, 1, types[termination.TaskAssigned])
	assert.Equal(t, 1, types[termination.TaskStarted])
	assert.Equal(t, 1, types[termination.TaskProgress])
	assert.Equal(t, 1, types[termination.TaskCompleted])
	assert.Equal(t, 1, types[termination.TaskResultReady])

	page, err := e.ListOpenObligations(ctx, tenantID, owner, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, page.OpenObligations, "task.assigned is discharged by task.completed, obligation must be closed")
}

func TestFailRetryableRequeuesWithoutResultReady(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	owner := principal.Agent("agent-1")

	tk, err := e.CreateTask(ctx, tenantID, owner, task.Spec{Type: "render", MaxAttempts: 3}, "")
	require.NoError(t, err)

	claimed, err := e.ClaimNext(ctx, tenantID, "worker-1", map[string]bool{}, "", 1, time.Minute)
	require.NoError(t, err)
	l := claimed[0].Lease

	err = e.Fail(ctx, tenantID, tk.TaskID, l.LeaseID, "worker-1", "transient timeout", true)
	require.NoError(t, err)

	requeued, err := e.GetTask(ctx, tenantID, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, requeued.Status)
	assert.Equal(t, 2, requeued.Attempt)

	receipts, err := e.receipts.ListByTask(ctx, tenantID, tk.TaskID, 20)
	require.NoError(t, err)
	for _, r := range receipts {
		assert.NotEqual(t, termination.TaskResultReady, r.ReceiptType, "a requeue must not notify the owner that a result is ready")
	}

	page, err := e.ListOpenObligations(ctx, tenantID, owner, nil, 10)
	require.NoError(t, err)
	assert.Len(t, page.OpenObligations, 1, "task.assigned remains open while the task is still retrying")
}

func TestFailExhaustedAttemptsTerminatesAndNotifies(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	owner := principal.Agent("agent-1")

	tk, err := e.CreateTask(ctx, tenantID, owner, task.Spec{Type: "render", MaxAttempts: 1}, "")
	require.NoError(t, err)

	claimed, err := e.ClaimNext(ctx, tenantID, "worker-1", map[string]bool{}, "", 1, time.Minute)
	require.NoError(t, err)
	l := claimed[0].Lease

	err = e.Fail(ctx, tenantID, tk.TaskID, l.LeaseID, "worker-1", "permanent error", true)
	require.NoError(t, err)

	final, err := e.GetTask(ctx, tenantID, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, final.Status)

	page, err := e.ListOpenObligations(ctx, tenantID, owner, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, page.OpenObligations)
}

func TestCancelTaskRejectsNonOwner(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	owner := principal.Agent("agent-1")
	intruder := principal.Agent("agent-2")

	tk, err := e.CreateTask(ctx, tenantID, owner, task.Spec{Type: "render", MaxAttempts: 3}, "")
	require.NoError(t, err)

	err = e.CancelTask(ctx, tenantID, intruder, tk.TaskID, "not yours")
	require.Error(t, err)
	code, ok := apierr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeUnauthorized, code)
}

func TestCancelTaskReleasesLeaseAndNotifies(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	owner := principal.Agent("agent-1")

	tk, err := e.CreateTask(ctx, tenantID, owner, task.Spec{Type: "render", MaxAttempts: 3}, "")
	require.NoError(t, err)
	claimed, err := e.ClaimNext(ctx, tenantID, "worker-1", map[string]bool{}, "", 1, time.Minute)
	require.NoError(t, err)
	l := claimed[0].Lease

	require.NoError(t, e.CancelTask(ctx, tenantID, owner, tk.TaskID, "no longer needed"))

	final, err := e.GetTask(ctx, tenantID, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, final.Status)

	_, ok, err := e.leases.Validate(ctx, tenantID, tk.TaskID, l.LeaseID, "worker-1", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	err = e.CancelTask(ctx, tenantID, owner, tk.TaskID, "again")
	require.Error(t, err, "canceling a terminal task must fail")
}

func TestAckReceiptLinksViaParents(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tenantID := uuid.New()
	owner := principal.Agent("agent-1")

	tk, err := e.CreateTask(ctx, tenantID, owner, task.Spec{Type: "render", MaxAttempts: 3}, "")
	require.NoError(t, err)
	receipts, err := e.receipts.ListByTask(ctx, tenantID, tk.TaskID, 10)
	require.NoError(t, err)
	assigned := receipts[0]

	require.NoError(t, e.AckReceipt(ctx, tenantID, owner, assigned.ReceiptID))

	byParent, err := e.receipts.ListByParent(ctx, tenantID, assigned.ReceiptID, 10)
	require.NoError(t, err)
	require.Len(t, byParent, 1)
	assert.Equal(t, termination.ReceiptAcknowledged, byParent[0].ReceiptType)
}
