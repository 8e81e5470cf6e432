// Package toolfacade exposes TaskEngine as a set of named tools that an
// in-process caller — an agent runtime that holds function-calling tools
// rather than HTTP clients — can invoke directly. It is the in-process
// counterpart to pkg/httpapi: same engine operations, same error taxonomy,
// a different calling convention (typed Go values in, not wire JSON).
package toolfacade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/google/uuid"
)

// Name identifies a tool in the facade's registry. Callers that expose
// these to an LLM use Name as the function-calling tool name.
type Name string

const (
	ToolCreateTask       Name = "create_task"
	ToolGetTask          Name = "get_task"
	ToolListTasks        Name = "list_tasks"
	ToolCancelTask       Name = "cancel_task"
	ToolClaimNext        Name = "claim_next"
	ToolRenewLease       Name = "renew_lease"
	ToolStartTask        Name = "start_task"
	ToolReportProgress   Name = "report_progress"
	ToolComplete         Name = "complete_task"
	ToolFail             Name = "fail_task"
	ToolAckReceipt       Name = "ack_receipt"
	ToolListObligations  Name = "list_obligations"
	ToolListReceipts     Name = "list_receipts"
)

// Facade binds a TaskEngine to the named-tool calling convention.
type Facade struct {
	engine *engine.Engine
	clock  func() time.Time
}

// NewFacade wraps e. Every Call is scoped to the tenant and caller passed
// explicitly by the caller — unlike the HTTP facade, there is no bearer
// token to decode, so identity must come from wherever the embedding
// process already trusts it (its own auth boundary, not this package's).
func NewFacade(e *engine.Engine) *Facade {
	return &Facade{engine: e, clock: time.Now}
}

// Caller bundles the tenant and principal identity a tool call runs as.
type Caller struct {
	TenantID  uuid.UUID
	Principal principal.Principal
}

// Result is the structured envelope every Call returns, whether the
// underlying operation succeeded or failed. Output is nil on failure;
// Error is nil on success.
type Result struct {
	Tool     Name          `json:"tool"`
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Error    *ToolError    `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ToolError is the facade's error taxonomy: apierr's stable Code plus a
// Retryable bit derived from it, so a calling agent can decide whether to
// immediately re-plan or to back off and retry the same call.
type ToolError struct {
	Code      apierr.Code `json:"code"`
	EntityID  string      `json:"entity_id,omitempty"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// retryableCodes are failures where calling again, possibly after a short
// wait, can succeed without the caller changing its request: the
// underlying condition (rate limit, a concurrent idempotency race) is
// transient by nature.
// Everything else reflects the request itself being wrong and retrying it
// unchanged would fail the same way.
var retryableCodes = map[apierr.Code]bool{
	apierr.CodeRateLimited:         true,
	apierr.CodeIdempotencyConflict: true,
}

func classify(tool Name, err error) *ToolError {
	code, ok := apierr.CodeOf(err)
	if !ok {
		return &ToolError{Code: "INTERNAL", Message: err.Error()}
	}
	var apiErr *apierr.Error
	if e, ok := err.(*apierr.Error); ok {
		apiErr = e
	}
	te := &ToolError{Code: code, Message: err.Error(), Retryable: retryableCodes[code]}
	if apiErr != nil {
		te.EntityID = apiErr.EntityID
		te.Message = apiErr.Message
	}
	return te
}

// Call dispatches name with params decoded into the tool's own parameter
// type, runs the matching engine operation as caller, and returns a
// Result that never requires the caller to unwrap a Go error to learn what
// happened — Output and Error are mutually exclusive and both JSON-ready.
func (f *Facade) Call(ctx context.Context, caller Caller, name Name, params map[string]any) *Result {
	start := f.clock()
	output, err := f.dispatch(ctx, caller, name, params)
	res := &Result{Tool: name, Duration: f.clock().Sub(start)}
	if err != nil {
		res.Success = false
		res.Error = classify(name, err)
		return res
	}
	res.Success = true
	res.Output = output
	return res
}

func (f *Facade) dispatch(ctx context.Context, caller Caller, name Name, params map[string]any) (any, error) {
	switch name {
	case ToolCreateTask:
		return f.createTask(ctx, caller, params)
	case ToolGetTask:
		return f.getTask(ctx, caller, params)
	case ToolListTasks:
		return f.listTasks(ctx, caller, params)
	case ToolCancelTask:
		return f.cancelTask(ctx, caller, params)
	case ToolClaimNext:
		return f.claimNext(ctx, caller, params)
	case ToolRenewLease:
		return f.renewLease(ctx, caller, params)
	case ToolStartTask:
		return f.startTask(ctx, caller, params)
	case ToolReportProgress:
		return f.reportProgress(ctx, caller, params)
	case ToolComplete:
		return f.complete(ctx, caller, params)
	case ToolFail:
		return f.fail(ctx, caller, params)
	case ToolAckReceipt:
		return f.ackReceipt(ctx, caller, params)
	case ToolListObligations:
		return f.listObligations(ctx, caller, params)
	case ToolListReceipts:
		return f.listReceipts(ctx, caller, params)
	default:
		return nil, apierr.Validation(string(name), "unknown tool")
	}
}

// decodeParams round-trips params through JSON into dst, which gives
// every tool the same "whatever shape the caller handed us" leniency a
// wire facade would have, while still letting each handler work against a
// concrete, tagged struct instead of repeated map type assertions.
func decodeParams(params map[string]any, dst any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return apierr.Validation("", "malformed tool params: "+err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierr.Validation("", "malformed tool params: "+err.Error())
	}
	return nil
}
