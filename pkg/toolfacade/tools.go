package toolfacade

import (
	"context"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/lease"
	"github.com/asyncgate/asyncgate/pkg/obligation"
	"github.com/asyncgate/asyncgate/pkg/receipt"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
)

type createTaskParams struct {
	Type             string         `json:"type"`
	Payload          map[string]any `json:"payload,omitempty"`
	Capabilities     []string       `json:"capabilities,omitempty"`
	MinWorkerVersion string         `json:"min_worker_version,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	MaxAttempts      int            `json:"max_attempts,omitempty"`
	RetryBackoffMS   int64          `json:"retry_backoff_ms,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
}

func (f *Facade) createTask(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p createTaskParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Type == "" {
		return nil, apierr.Validation("", "type is required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var payload []byte
	if p.Payload != nil {
		encoded, err := jsonMarshal(p.Payload)
		if err != nil {
			return nil, apierr.Validation("", "malformed payload: "+err.Error())
		}
		payload = encoded
	}

	spec := task.Spec{
		Type:    p.Type,
		Payload: payload,
		Requirements: task.Requirements{
			Capabilities:     p.Capabilities,
			MinWorkerVersion: p.MinWorkerVersion,
		},
		Priority:     p.Priority,
		MaxAttempts:  p.MaxAttempts,
		RetryBackoff: time.Duration(p.RetryBackoffMS) * time.Millisecond,
	}
	t, err := f.engine.CreateTask(ctx, caller.TenantID, caller.Principal, spec, p.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return taskOutput(t), nil
}

type taskIDParams struct {
	TaskID string `json:"task_id"`
}

func (f *Facade) getTask(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p taskIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	taskID, err := uuid.Parse(p.TaskID)
	if err != nil {
		return nil, apierr.Validation(p.TaskID, "invalid task id")
	}
	t, err := f.engine.GetTask(ctx, caller.TenantID, taskID)
	if err != nil {
		return nil, err
	}
	return taskOutput(t), nil
}

type listTasksParams struct {
	Status string `json:"status,omitempty"`
	Type   string `json:"type,omitempty"`
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (f *Facade) listTasks(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p listTasksParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	var filters task.Filters
	if p.Status != "" {
		status := task.Status(p.Status)
		filters.Status = &status
	}
	filters.Type = p.Type
	after, err := parseTaskCursor(p.Cursor)
	if err != nil {
		return nil, err
	}
	page, err := f.engine.ListTasks(ctx, caller.TenantID, filters, after, withDefault(p.Limit, 50))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tasks":       taskOutputs(page.Tasks),
		"next_cursor": encodeTaskCursor(page.NextCursor),
	}, nil
}

type cancelTaskParams struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

func (f *Facade) cancelTask(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p cancelTaskParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	taskID, err := uuid.Parse(p.TaskID)
	if err != nil {
		return nil, apierr.Validation(p.TaskID, "invalid task id")
	}
	if err := f.engine.CancelTask(ctx, caller.TenantID, caller.Principal, taskID, p.Reason); err != nil {
		return nil, err
	}
	return map[string]any{"canceled": true}, nil
}

type claimNextParams struct {
	WorkerID      string          `json:"worker_id"`
	Capabilities  map[string]bool `json:"capabilities,omitempty"`
	WorkerVersion string          `json:"worker_version,omitempty"`
	MaxTasks      int             `json:"max_tasks,omitempty"`
	TTLSeconds    int             `json:"ttl_seconds,omitempty"`
}

func (f *Facade) claimNext(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p claimNextParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.WorkerID == "" {
		return nil, apierr.Validation("", "worker_id is required")
	}
	claimed, err := f.engine.ClaimNext(ctx, caller.TenantID, p.WorkerID, p.Capabilities,
		p.WorkerVersion, p.MaxTasks, time.Duration(p.TTLSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	return claimedOutputs(claimed), nil
}

type leaseOpParams struct {
	TaskID          string `json:"task_id"`
	LeaseID         string `json:"lease_id"`
	WorkerID        string `json:"worker_id"`
	ExtendBySeconds int    `json:"extend_by_seconds,omitempty"`
}

func (p leaseOpParams) ids() (taskID, leaseID uuid.UUID, err error) {
	taskID, err = uuid.Parse(p.TaskID)
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, apierr.Validation(p.TaskID, "invalid task id")
	}
	leaseID, err = uuid.Parse(p.LeaseID)
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, apierr.Validation(p.LeaseID, "invalid lease id")
	}
	return taskID, leaseID, nil
}

func (f *Facade) renewLease(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p leaseOpParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	taskID, leaseID, err := p.ids()
	if err != nil {
		return nil, err
	}
	l, err := f.engine.RenewLease(ctx, caller.TenantID, taskID, leaseID, p.WorkerID,
		time.Duration(p.ExtendBySeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	return leaseOutput(l), nil
}

func (f *Facade) startTask(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p leaseOpParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	taskID, leaseID, err := p.ids()
	if err != nil {
		return nil, err
	}
	t, err := f.engine.StartTask(ctx, caller.TenantID, taskID, leaseID, p.WorkerID)
	if err != nil {
		return nil, err
	}
	return taskOutput(t), nil
}

type reportProgressParams struct {
	TaskID   string         `json:"task_id"`
	LeaseID  string         `json:"lease_id"`
	WorkerID string         `json:"worker_id"`
	Progress map[string]any `json:"progress,omitempty"`
}

func (f *Facade) reportProgress(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p reportProgressParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	op := leaseOpParams{TaskID: p.TaskID, LeaseID: p.LeaseID, WorkerID: p.WorkerID}
	taskID, leaseID, err := op.ids()
	if err != nil {
		return nil, err
	}
	if err := f.engine.ReportProgress(ctx, caller.TenantID, taskID, leaseID, p.WorkerID, p.Progress); err != nil {
		return nil, err
	}
	return map[string]any{"acknowledged": true}, nil
}

type completeParams struct {
	TaskID        string         `json:"task_id"`
	LeaseID       string         `json:"lease_id"`
	WorkerID      string         `json:"worker_id"`
	Output        map[string]any `json:"output,omitempty"`
	Artifacts     []any          `json:"artifacts,omitempty"`
	DeliveryProof map[string]any `json:"delivery_proof,omitempty"`
}

func (f *Facade) complete(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p completeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	op := leaseOpParams{TaskID: p.TaskID, LeaseID: p.LeaseID, WorkerID: p.WorkerID}
	taskID, leaseID, err := op.ids()
	if err != nil {
		return nil, err
	}
	err = f.engine.Complete(ctx, caller.TenantID, taskID, leaseID, p.WorkerID, engine.CompleteResult{
		Output:        p.Output,
		Artifacts:     p.Artifacts,
		DeliveryProof: p.DeliveryProof,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"completed": true}, nil
}

type failParams struct {
	TaskID    string `json:"task_id"`
	LeaseID   string `json:"lease_id"`
	WorkerID  string `json:"worker_id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (f *Facade) fail(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p failParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	op := leaseOpParams{TaskID: p.TaskID, LeaseID: p.LeaseID, WorkerID: p.WorkerID}
	taskID, leaseID, err := op.ids()
	if err != nil {
		return nil, err
	}
	if err := f.engine.Fail(ctx, caller.TenantID, taskID, leaseID, p.WorkerID, p.Error, p.Retryable); err != nil {
		return nil, err
	}
	return map[string]any{"failed": true}, nil
}

type receiptIDParams struct {
	ReceiptID string `json:"receipt_id"`
}

func (f *Facade) ackReceipt(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p receiptIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	receiptID, err := uuid.Parse(p.ReceiptID)
	if err != nil {
		return nil, apierr.Validation(p.ReceiptID, "invalid receipt id")
	}
	if err := f.engine.AckReceipt(ctx, caller.TenantID, caller.Principal, receiptID); err != nil {
		return nil, err
	}
	return map[string]any{"acknowledged": true}, nil
}

type listObligationsParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (f *Facade) listObligations(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p listObligationsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	after, err := parseReceiptCursor(p.Cursor)
	if err != nil {
		return nil, err
	}
	page, err := f.engine.ListOpenObligations(ctx, caller.TenantID, caller.Principal, after, withDefault(p.Limit, 50))
	if err != nil {
		return nil, err
	}
	return obligationsOutput(page), nil
}

type listReceiptsParams struct {
	Types  []string `json:"types,omitempty"`
	Cursor string   `json:"cursor,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

func (f *Facade) listReceipts(ctx context.Context, caller Caller, params map[string]any) (any, error) {
	var p listReceiptsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	after, err := parseReceiptCursor(p.Cursor)
	if err != nil {
		return nil, err
	}
	types := termination.AllTypes()
	if len(p.Types) > 0 {
		types = make([]termination.Type, 0, len(p.Types))
		for _, t := range p.Types {
			types = append(types, termination.Type(t))
		}
	}
	receipts, err := f.engine.ListReceipts(ctx, caller.TenantID, caller.Principal, types, after, withDefault(p.Limit, 50))
	if err != nil {
		return nil, err
	}
	return receiptOutputs(receipts), nil
}

func withDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// --- output shapes: plain maps, not typed DTOs, since a tool result feeds
// straight back into an LLM's context rather than a strongly-typed client.

func taskOutput(t task.Task) map[string]any {
	out := map[string]any{
		"task_id":          t.TaskID,
		"type":             t.Type,
		"status":           t.Status,
		"attempt":          t.Attempt,
		"max_attempts":     t.MaxAttempts,
		"priority":         t.Priority,
		"next_eligible_at": t.NextEligibleAt,
		"created_at":       t.CreatedAt,
	}
	if t.IdempotencyKey != "" {
		out["idempotency_key"] = t.IdempotencyKey
	}
	if t.StartedAt != nil {
		out["started_at"] = *t.StartedAt
	}
	if t.Result != nil {
		out["result"] = map[string]any{
			"succeeded": t.Result.Succeeded,
			"output":    t.Result.Output,
			"error":     t.Result.Error,
		}
	}
	return out
}

func taskOutputs(ts []task.Task) []map[string]any {
	out := make([]map[string]any, len(ts))
	for i, t := range ts {
		out[i] = taskOutput(t)
	}
	return out
}

func leaseOutput(l lease.Lease) map[string]any {
	return map[string]any{
		"lease_id":      l.LeaseID,
		"task_id":       l.TaskID,
		"worker_id":     l.WorkerID,
		"acquired_at":   l.AcquiredAt,
		"expires_at":    l.ExpiresAt,
		"renewal_count": l.RenewalCount,
	}
}

func claimedOutputs(claimed []lease.Claimed) []map[string]any {
	out := make([]map[string]any, len(claimed))
	for i, c := range claimed {
		out[i] = map[string]any{
			"task_id": c.TaskID,
			"lease":   leaseOutput(c.Lease),
		}
	}
	return out
}

func receiptOutput(r receipt.Receipt) map[string]any {
	out := map[string]any{
		"receipt_id":   r.ReceiptID,
		"receipt_type": r.ReceiptType,
		"from":         r.From.String(),
		"to":           r.To.String(),
		"created_at":   r.CreatedAt,
		"hash":         r.Hash,
	}
	if r.TaskID != nil {
		out["task_id"] = *r.TaskID
	}
	if r.LeaseID != nil {
		out["lease_id"] = *r.LeaseID
	}
	if len(r.Parents) > 0 {
		out["parents"] = r.Parents
	}
	if len(r.Body) > 0 {
		out["body"] = r.Body
	}
	return out
}

func receiptOutputs(rs []receipt.Receipt) []map[string]any {
	out := make([]map[string]any, len(rs))
	for i, r := range rs {
		out[i] = receiptOutput(r)
	}
	return out
}

func obligationsOutput(p obligation.Page) map[string]any {
	return map[string]any{
		"open_obligations": receiptOutputs(p.OpenObligations),
		"next_cursor":      encodeReceiptCursor(p.NextCursor),
	}
}
