package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/lease"
	"github.com/asyncgate/asyncgate/pkg/obligation"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/receipt"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/asyncgate/asyncgate/pkg/tenant"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
)

// Server wraps an engine.Engine with the HTTP handlers that expose it.
type Server struct {
	engine *engine.Engine
}

func NewServer(e *engine.Engine) *Server {
	return &Server{engine: e}
}

func requestPrincipal(r *http.Request) (principal.Principal, bool) {
	return principalFromContext(r.Context())
}

func requestTenant(r *http.Request) (uuid.UUID, bool) {
	return tenant.FromContext(r.Context())
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// createTaskRequest is the wire shape for POST /tasks.
type createTaskRequest struct {
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	Capabilities     []string        `json:"capabilities,omitempty"`
	MinWorkerVersion string          `json:"min_worker_version,omitempty"`
	Priority         int             `json:"priority"`
	MaxAttempts      int             `json:"max_attempts"`
	RetryBackoffMS   int64           `json:"retry_backoff_ms"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	owner, ok := requestPrincipal(r)
	if !ok {
		writeUnauthorized(w, r, "no principal bound to this token")
		return
	}

	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "malformed request body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, r, apierr.Validation("", "type is required"))
		return
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 1
	}

	spec := task.Spec{
		Type:    req.Type,
		Payload: []byte(req.Payload),
		Requirements: task.Requirements{
			Capabilities:     req.Capabilities,
			MinWorkerVersion: req.MinWorkerVersion,
		},
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
		RetryBackoff: time.Duration(req.RetryBackoffMS) * time.Millisecond,
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	t, err := s.engine.CreateTask(r.Context(), tenantID, owner, spec, idempotencyKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskResponse(t))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	taskID, err := uuid.Parse(r.PathValue("taskID"))
	if err != nil {
		writeBadRequest(w, r, "invalid task id")
		return
	}
	t, err := s.engine.GetTask(r.Context(), tenantID, taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(t))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	q := r.URL.Query()

	var filters task.Filters
	if st := q.Get("status"); st != "" {
		status := task.Status(st)
		filters.Status = &status
	}
	filters.Type = q.Get("type")

	limit := queryInt(q, "limit", 50)
	after, err := parseTaskCursor(q.Get("cursor"))
	if err != nil {
		writeBadRequest(w, r, "invalid cursor")
		return
	}

	page, err := s.engine.ListTasks(r.Context(), tenantID, filters, after, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:      taskResponses(page.Tasks),
		NextCursor: encodeTaskCursor(page.NextCursor),
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	caller, ok := requestPrincipal(r)
	if !ok {
		writeUnauthorized(w, r, "no principal bound to this token")
		return
	}
	taskID, err := uuid.Parse(r.PathValue("taskID"))
	if err != nil {
		writeBadRequest(w, r, "invalid task id")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, r, "malformed request body: "+err.Error())
			return
		}
	}

	if err := s.engine.CancelTask(r.Context(), tenantID, caller, taskID, req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type claimRequest struct {
	WorkerID      string          `json:"worker_id"`
	Capabilities  map[string]bool `json:"capabilities,omitempty"`
	WorkerVersion string          `json:"worker_version,omitempty"`
	MaxTasks      int             `json:"max_tasks"`
	TTLSeconds    int             `json:"ttl_seconds"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "malformed request body: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		writeError(w, r, apierr.Validation("", "worker_id is required"))
		return
	}

	claimed, err := s.engine.ClaimNext(r.Context(), tenantID, req.WorkerID, req.Capabilities,
		req.WorkerVersion, req.MaxTasks, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimedResponses(claimed))
}

type renewRequest struct {
	WorkerID        string `json:"worker_id"`
	ExtendBySeconds int    `json:"extend_by_seconds"`
}

func (s *Server) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	taskID, leaseID, err := pathTaskLease(r)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	var req renewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "malformed request body: "+err.Error())
		return
	}

	l, err := s.engine.RenewLease(r.Context(), tenantID, taskID, leaseID, req.WorkerID,
		time.Duration(req.ExtendBySeconds)*time.Second)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, leaseResponse(l))
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	taskID, leaseID, err := pathTaskLease(r)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "malformed request body: "+err.Error())
		return
	}

	t, err := s.engine.StartTask(r.Context(), tenantID, taskID, leaseID, req.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(t))
}

func (s *Server) handleReportProgress(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	taskID, leaseID, err := pathTaskLease(r)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	var req struct {
		WorkerID string         `json:"worker_id"`
		Progress map[string]any `json:"progress"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "malformed request body: "+err.Error())
		return
	}

	if err := s.engine.ReportProgress(r.Context(), tenantID, taskID, leaseID, req.WorkerID, req.Progress); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	taskID, leaseID, err := pathTaskLease(r)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	var req struct {
		WorkerID      string         `json:"worker_id"`
		Output        map[string]any `json:"output,omitempty"`
		Artifacts     []any          `json:"artifacts,omitempty"`
		DeliveryProof map[string]any `json:"delivery_proof,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "malformed request body: "+err.Error())
		return
	}

	err = s.engine.Complete(r.Context(), tenantID, taskID, leaseID, req.WorkerID, engine.CompleteResult{
		Output:        req.Output,
		Artifacts:     req.Artifacts,
		DeliveryProof: req.DeliveryProof,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	taskID, leaseID, err := pathTaskLease(r)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	var req struct {
		WorkerID  string `json:"worker_id"`
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, "malformed request body: "+err.Error())
		return
	}

	if err := s.engine.Fail(r.Context(), tenantID, taskID, leaseID, req.WorkerID, req.Error, req.Retryable); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAckReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	caller, ok := requestPrincipal(r)
	if !ok {
		writeUnauthorized(w, r, "no principal bound to this token")
		return
	}
	receiptID, err := uuid.Parse(r.PathValue("receiptID"))
	if err != nil {
		writeBadRequest(w, r, "invalid receipt id")
		return
	}

	if err := s.engine.AckReceipt(r.Context(), tenantID, caller, receiptID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListObligations(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	caller, ok := requestPrincipal(r)
	if !ok {
		writeUnauthorized(w, r, "no principal bound to this token")
		return
	}
	q := r.URL.Query()
	limit := queryInt(q, "limit", 50)
	after, err := parseReceiptCursor(q.Get("cursor"))
	if err != nil {
		writeBadRequest(w, r, "invalid cursor")
		return
	}

	page, err := s.engine.ListOpenObligations(r.Context(), tenantID, caller, after, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obligationsResponse(page))
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requestTenant(r)
	if !ok {
		writeUnauthorized(w, r, "no tenant bound to this token")
		return
	}
	caller, ok := requestPrincipal(r)
	if !ok {
		writeUnauthorized(w, r, "no principal bound to this token")
		return
	}
	q := r.URL.Query()
	limit := queryInt(q, "limit", 50)
	after, err := parseReceiptCursor(q.Get("cursor"))
	if err != nil {
		writeBadRequest(w, r, "invalid cursor")
		return
	}

	types := termination.AllTypes()
	if raw := q["type"]; len(raw) > 0 {
		types = make([]termination.Type, 0, len(raw))
		for _, t := range raw {
			types = append(types, termination.Type(t))
		}
	}

	receipts, err := s.engine.ListReceipts(r.Context(), tenantID, caller, types, after, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponses(receipts))
}

func pathTaskLease(r *http.Request) (taskID, leaseID uuid.UUID, err error) {
	taskID, err = uuid.Parse(r.PathValue("taskID"))
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, apierr.Validation("", "invalid task id")
	}
	leaseID, err = uuid.Parse(r.PathValue("leaseID"))
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, apierr.Validation("", "invalid lease id")
	}
	return taskID, leaseID, nil
}

func queryInt(q map[string][]string, key string, def int) int {
	v, ok := q[key]
	if !ok || len(v) == 0 {
		return def
	}
	n, err := strconv.Atoi(v[0])
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseTaskCursor(raw string) (*task.Cursor, error) {
	if raw == "" {
		return nil, nil
	}
	ts, id, err := splitCursor(raw)
	if err != nil {
		return nil, err
	}
	return &task.Cursor{CreatedAtUnixNano: ts, TaskID: id}, nil
}

func parseReceiptCursor(raw string) (*receipt.Cursor, error) {
	if raw == "" {
		return nil, nil
	}
	ts, id, err := splitCursor(raw)
	if err != nil {
		return nil, err
	}
	return &receipt.Cursor{CreatedAtUnixNano: ts, ReceiptID: id}, nil
}

func splitCursor(raw string) (int64, uuid.UUID, error) {
	idx := lastDot(raw)
	if idx < 0 {
		return 0, uuid.UUID{}, apierr.Validation("", "malformed cursor")
	}
	ts, err := strconv.ParseInt(raw[:idx], 10, 64)
	if err != nil {
		return 0, uuid.UUID{}, apierr.Validation("", "malformed cursor")
	}
	id, err := uuid.Parse(raw[idx+1:])
	if err != nil {
		return 0, uuid.UUID{}, apierr.Validation("", "malformed cursor")
	}
	return ts, id, nil
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

func encodeTaskCursor(c *task.Cursor) string {
	if c == nil {
		return ""
	}
	return strconv.FormatInt(c.CreatedAtUnixNano, 10) + "." + c.TaskID.String()
}

func encodeReceiptCursor(c *receipt.Cursor) string {
	if c == nil {
		return ""
	}
	return strconv.FormatInt(c.CreatedAtUnixNano, 10) + "." + c.ReceiptID.String()
}

// --- response shapes ---

type taskDTO struct {
	TenantID       uuid.UUID      `json:"tenant_id"`
	TaskID         uuid.UUID      `json:"task_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Type           string         `json:"type"`
	Requirements   task.Requirements `json:"requirements"`
	Priority       int            `json:"priority"`
	MaxAttempts    int            `json:"max_attempts"`
	Status         task.Status    `json:"status"`
	Attempt        int            `json:"attempt"`
	NextEligibleAt time.Time      `json:"next_eligible_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	Result         *task.Result   `json:"result,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func taskResponse(t task.Task) taskDTO {
	return taskDTO{
		TenantID:       t.TenantID,
		TaskID:         t.TaskID,
		IdempotencyKey: t.IdempotencyKey,
		Type:           t.Type,
		Requirements:   t.Requirements,
		Priority:       t.Priority,
		MaxAttempts:    t.MaxAttempts,
		Status:         t.Status,
		Attempt:        t.Attempt,
		NextEligibleAt: t.NextEligibleAt,
		StartedAt:      t.StartedAt,
		Result:         t.Result,
		CreatedAt:      t.CreatedAt,
	}
}

func taskResponses(ts []task.Task) []taskDTO {
	out := make([]taskDTO, len(ts))
	for i, t := range ts {
		out[i] = taskResponse(t)
	}
	return out
}

type listTasksResponse struct {
	Tasks      []taskDTO `json:"tasks"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type leaseDTO struct {
	LeaseID      uuid.UUID `json:"lease_id"`
	TaskID       uuid.UUID `json:"task_id"`
	WorkerID     string    `json:"worker_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RenewalCount int       `json:"renewal_count"`
}

func leaseResponse(l lease.Lease) leaseDTO {
	return leaseDTO{
		LeaseID:      l.LeaseID,
		TaskID:       l.TaskID,
		WorkerID:     l.WorkerID,
		AcquiredAt:   l.AcquiredAt,
		ExpiresAt:    l.ExpiresAt,
		RenewalCount: l.RenewalCount,
	}
}

type claimedDTO struct {
	TaskID uuid.UUID `json:"task_id"`
	Lease  leaseDTO  `json:"lease"`
}

func claimedResponses(claimed []lease.Claimed) []claimedDTO {
	out := make([]claimedDTO, len(claimed))
	for i, c := range claimed {
		out[i] = claimedDTO{TaskID: c.TaskID, Lease: leaseResponse(c.Lease)}
	}
	return out
}

type receiptDTO struct {
	ReceiptID   uuid.UUID         `json:"receipt_id"`
	ReceiptType termination.Type  `json:"receipt_type"`
	From        principal.Principal `json:"from"`
	To          principal.Principal `json:"to"`
	TaskID      *uuid.UUID        `json:"task_id,omitempty"`
	LeaseID     *uuid.UUID        `json:"lease_id,omitempty"`
	Parents     []uuid.UUID       `json:"parents,omitempty"`
	Body        receipt.Body      `json:"body,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Hash        string            `json:"hash"`
}

func receiptResponse(r receipt.Receipt) receiptDTO {
	return receiptDTO{
		ReceiptID:   r.ReceiptID,
		ReceiptType: r.ReceiptType,
		From:        r.From,
		To:          r.To,
		TaskID:      r.TaskID,
		LeaseID:     r.LeaseID,
		Parents:     r.Parents,
		Body:        r.Body,
		CreatedAt:   r.CreatedAt,
		Hash:        r.Hash,
	}
}

func receiptResponses(rs []receipt.Receipt) []receiptDTO {
	out := make([]receiptDTO, len(rs))
	for i, r := range rs {
		out[i] = receiptResponse(r)
	}
	return out
}

type obligationsResponseBody struct {
	OpenObligations []receiptDTO `json:"open_obligations"`
	NextCursor      string       `json:"next_cursor,omitempty"`
}

func obligationsResponse(p obligation.Page) obligationsResponseBody {
	return obligationsResponseBody{
		OpenObligations: receiptResponses(p.OpenObligations),
		NextCursor:      encodeReceiptCursor(p.NextCursor),
	}
}
