package httpapi_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/httpapi"
	"github.com/asyncgate/asyncgate/pkg/identity"
	"github.com/asyncgate/asyncgate/pkg/lease"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/receipt"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type testServer struct {
	handler http.Handler
	tm      *identity.TokenManager
}

func newTestServer(t *testing.T) testServer {
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

	e := engine.New(db, tasks, leases, receipts, engine.Config{
		LeaseLimits: lease.Limits{MaxRenewals: 10, MaxLifetime: time.Hour, DefaultTTL: time.Minute, MaxTTL: 10 * time.Minute},
	}, nil)

	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	tm := identity.NewTokenManager(ks)

	h := httpapi.NewRouter(httpapi.NewServer(e), httpapi.Options{TokenManager: tm})
	return testServer{handler: h, tm: tm}
}

func (ts testServer) tokenFor(t *testing.T, p principal.Principal, tenantID uuid.UUID) string {
	t.Helper()
	tok, err := ts.tm.IssueToken(context.Background(), p, tenantID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetTaskRoundTrips(t *testing.T) {
	ts := newTestServer(t)
	tenantID := uuid.New()
	tok := ts.tokenFor(t, principal.Agent("agent-1"), tenantID)

	rec := ts.do(t, http.MethodPost, "/tasks", tok, map[string]any{
		"type":         "render",
		"max_attempts": 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	taskID := created["task_id"].(string)
	require.Equal(t, "queued", created["status"])

	rec = ts.do(t, http.MethodGet, "/tasks/"+taskID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTaskWithoutTokenIsUnauthorized(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/tasks", "", map[string]any{"type": "render"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateTaskMissingTypeIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.tokenFor(t, principal.Agent("agent-1"), uuid.New())

	rec := ts.do(t, http.MethodPost, "/tasks", tok, map[string]any{"max_attempts": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskFromAnotherTenantIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	tenantA := uuid.New()
	tenantB := uuid.New()
	tokA := ts.tokenFor(t, principal.Agent("agent-1"), tenantA)
	tokB := ts.tokenFor(t, principal.Agent("agent-1"), tenantB)

	rec := ts.do(t, http.MethodPost, "/tasks", tokA, map[string]any{"type": "render", "max_attempts": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	taskID := created["task_id"].(string)

	rec = ts.do(t, http.MethodGet, "/tasks/"+taskID, tokB, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimStartCompleteLifecycle(t *testing.T) {
	ts := newTestServer(t)
	tenantID := uuid.New()
	ownerTok := ts.tokenFor(t, principal.Agent("agent-1"), tenantID)
	workerTok := ts.tokenFor(t, principal.Worker("worker-1"), tenantID)

	rec := ts.do(t, http.MethodPost, "/tasks", ownerTok, map[string]any{"type": "render", "max_attempts": 1})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/leases/claim", workerTok, map[string]any{
		"worker_id": "worker-1",
		"max_tasks": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var claimed []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
	require.Len(t, claimed, 1)
	taskID := claimed[0]["task_id"].(string)
	leaseID := claimed[0]["lease"].(map[string]any)["lease_id"].(string)

	rec = ts.do(t, http.MethodPost, "/tasks/"+taskID+"/leases/"+leaseID+"/start", workerTok,
		map[string]any{"worker_id": "worker-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/tasks/"+taskID+"/leases/"+leaseID+"/complete", workerTok,
		map[string]any{"worker_id": "worker-1", "output": map[string]any{"ok": true}})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/obligations", ownerTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelRequiresOwner(t *testing.T) {
	ts := newTestServer(t)
	tenantID := uuid.New()
	ownerTok := ts.tokenFor(t, principal.Agent("agent-1"), tenantID)
	otherTok := ts.tokenFor(t, principal.Agent("agent-2"), tenantID)

	rec := ts.do(t, http.MethodPost, "/tasks", ownerTok, map[string]any{"type": "render", "max_attempts": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	taskID := created["task_id"].(string)

	rec = ts.do(t, http.MethodPost, "/tasks/"+taskID+"/cancel", otherTok, map[string]any{"reason": "nope"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/tasks/"+taskID+"/cancel", ownerTok, map[string]any{"reason": "done"})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthzBypassesAuth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
