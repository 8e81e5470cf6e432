package toolfacade_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/lease"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/receipt"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/asyncgate/asyncgate/pkg/toolfacade"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestFacade(t *testing.T) (*toolfacade.Facade, toolfacade.Caller) {
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

	cfg := engine.Config{
		LeaseLimits: lease.Limits{MaxRenewals: 10, MaxLifetime: time.Hour, DefaultTTL: time.Minute, MaxTTL: 10 * time.Minute},
	}
	e := engine.New(db, tasks, leases, receipts, cfg, nil)

	caller := toolfacade.Caller{TenantID: uuid.New(), Principal: principal.Agent("agent-1")}
	return toolfacade.NewFacade(e), caller
}

func TestCreateAndGetTaskRoundTrips(t *testing.T) {
	f, caller := newTestFacade(t)
	ctx := context.Background()

	created := f.Call(ctx, caller, toolfacade.ToolCreateTask, map[string]any{
		"type":         "render",
		"max_attempts": 3,
	})
	require.True(t, created.Success, "%+v", created.Error)
	out := created.Output.(map[string]any)
	taskID := out["task_id"]
	require.NotEmpty(t, taskID)

	got := f.Call(ctx, caller, toolfacade.ToolGetTask, map[string]any{
		"task_id": taskID,
	})
	require.True(t, got.Success, "%+v", got.Error)
	gotOut := got.Output.(map[string]any)
	require.Equal(t, "render", gotOut["type"])
}

func TestGetTaskUnknownIDReturnsNotFoundError(t *testing.T) {
	f, caller := newTestFacade(t)
	ctx := context.Background()

	res := f.Call(ctx, caller, toolfacade.ToolGetTask, map[string]any{
		"task_id": uuid.New().String(),
	})
	require.False(t, res.Success)
	require.Equal(t, "TASK_NOT_FOUND", string(res.Error.Code))
	require.False(t, res.Error.Retryable)
}

func TestUnknownToolNameIsValidationError(t *testing.T) {
	f, caller := newTestFacade(t)
	res := f.Call(context.Background(), caller, toolfacade.Name("not_a_real_tool"), nil)
	require.False(t, res.Success)
	require.Equal(t, "VALIDATION_ERROR", string(res.Error.Code))
}

func TestClaimStartCompleteLifecycle(t *testing.T) {
	f, caller := newTestFacade(t)
	ctx := context.Background()

	created := f.Call(ctx, caller, toolfacade.ToolCreateTask, map[string]any{"type": "echo"})
	require.True(t, created.Success)
	taskID := created.Output.(map[string]any)["task_id"]

	claimed := f.Call(ctx, caller, toolfacade.ToolClaimNext, map[string]any{
		"worker_id":    "worker-1",
		"max_tasks":    1,
		"ttl_seconds":  60,
	})
	require.True(t, claimed.Success, "%+v", claimed.Error)
	list := claimed.Output.([]map[string]any)
	require.Len(t, list, 1)
	leaseInfo := list[0]["lease"].(map[string]any)
	leaseID := leaseInfo["lease_id"]
	require.Equal(t, taskID, list[0]["task_id"])

	started := f.Call(ctx, caller, toolfacade.ToolStartTask, map[string]any{
		"task_id":   taskID,
		"lease_id":  leaseID,
		"worker_id": "worker-1",
	})
	require.True(t, started.Success, "%+v", started.Error)

	completed := f.Call(ctx, caller, toolfacade.ToolComplete, map[string]any{
		"task_id":   taskID,
		"lease_id":  leaseID,
		"worker_id": "worker-1",
		"output":    map[string]any{"ok": true},
	})
	require.True(t, completed.Success, "%+v", completed.Error)

	obligations := f.Call(ctx, caller, toolfacade.ToolListObligations, map[string]any{})
	require.True(t, obligations.Success, "%+v", obligations.Error)
	page := obligations.Output.(map[string]any)
	open := page["open_obligations"].([]map[string]any)
	require.Len(t, open, 1)

	ack := f.Call(ctx, caller, toolfacade.ToolAckReceipt, map[string]any{
		"receipt_id": open[0]["receipt_id"],
	})
	require.True(t, ack.Success, "%+v", ack.Error)
}

func TestRenewLeaseWrongWorkerIsInvalidOrExpired(t *testing.T) {
	f, caller := newTestFacade(t)
	ctx := context.Background()

	created := f.Call(ctx, caller, toolfacade.ToolCreateTask, map[string]any{"type": "echo"})
	require.True(t, created.Success)
	taskID := created.Output.(map[string]any)["task_id"]

	claimed := f.Call(ctx, caller, toolfacade.ToolClaimNext, map[string]any{
		"worker_id":   "worker-1",
		"max_tasks":   1,
		"ttl_seconds": 60,
	})
	require.True(t, claimed.Success)
	list := claimed.Output.([]map[string]any)
	leaseInfo := list[0]["lease"].(map[string]any)

	res := f.Call(ctx, caller, toolfacade.ToolRenewLease, map[string]any{
		"task_id":           taskID,
		"lease_id":          leaseInfo["lease_id"],
		"worker_id":         "someone-else",
		"extend_by_seconds": 30,
	})
	require.False(t, res.Success)
	require.Equal(t, "LEASE_INVALID_OR_EXPIRED", string(res.Error.Code))
}
