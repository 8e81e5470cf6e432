// Package engine implements TaskEngine, the orchestration layer that
// composes TaskStore, LeaseStore, and ReceiptLedger and preserves the
// invariants that span them. Every operation that mutates state and emits
// a receipt runs inside a single savepoint-scoped atomic block so callers
// never observe a task transitioned without its receipt, or vice versa.
package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/database"
	"github.com/asyncgate/asyncgate/pkg/lease"
	"github.com/asyncgate/asyncgate/pkg/obligation"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/receipt"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
)

// Config carries the engine's tunables: lease caps and the locatability
// enforcement mode, per SPEC_FULL.md's open-question decision to default
// to the lenient policy with a strict opt-in.
type Config struct {
	LeaseLimits        lease.Limits
	StrictLocatability bool
	MaxClaimTasks      int
}

// Engine is the orchestration layer. It holds the shared *sql.DB so its
// atomic blocks can open one savepoint spanning calls into all three
// stores, each of which reads its executor from the context via
// pkg/database.
type Engine struct {
	db          *sql.DB
	tasks       task.Store
	leases      lease.Store
	receipts    receipt.Store
	obligations *obligation.Query
	cfg         Config
	log         *slog.Logger
}

func New(db *sql.DB, tasks task.Store, leases lease.Store, receipts receipt.Store, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxClaimTasks <= 0 {
		cfg.MaxClaimTasks = 100
	}
	if locatable, ok := receipts.(interface{ SetStrictLocatability(bool) }); ok {
		locatable.SetStrictLocatability(cfg.StrictLocatability)
	}
	return &Engine{
		db: db, tasks: tasks, leases: leases, receipts: receipts,
		obligations: obligation.New(receipts),
		cfg:         cfg, log: log,
	}
}

// atomic runs fn inside a savepoint-scoped block. Errors are logged with
// the entity id and error code before being returned, per the ambient
// logging posture: no engine error path fails silently.
func (e *Engine) atomic(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := database.WithSavepoint(ctx, e.db, fn)
	if err != nil {
		code, _ := apierr.CodeOf(err)
		e.log.ErrorContext(ctx, "engine operation failed", "op", op, "code", code, "err", err)
	}
	return err
}

// assignedReceiptID finds the task's originating task.assigned receipt, if
// any, for use as the parent of a later discharge. Absence is not an
// error — a task created before the ledger existed, or inserted directly
// by a migration, has no assigned receipt and its discharges simply carry
// no parents.
func (e *Engine) assignedReceiptID(ctx context.Context, tenantID, taskID uuid.UUID) *uuid.UUID {
	receipts, err := e.receipts.ListByTask(ctx, tenantID, taskID, 20)
	if err != nil {
		return nil
	}
	for _, r := range receipts {
		if r.ReceiptType == termination.TaskAssigned {
			id := r.ReceiptID
			return &id
		}
	}
	return nil
}

func parentsOf(id *uuid.UUID) []uuid.UUID {
	if id == nil {
		return nil
	}
	return []uuid.UUID{*id}
}

// CreateTask inserts a new task and emits task.assigned to the owner,
// atomically. Per spec §4.5.
func (e *Engine) CreateTask(ctx context.Context, tenantID uuid.UUID, owner principal.Principal, spec task.Spec, idempotencyKey string) (task.Task, error) {
	spec.CreatedBy = owner
	var t task.Task
	err := e.atomic(ctx, "create_task", func(ctx context.Context) error {
		var err error
		t, err = e.tasks.Create(ctx, tenantID, spec, idempotencyKey)
		if err != nil {
			return err
		}
		_, err = e.receipts.Create(ctx, tenantID, receipt.Spec{
			ReceiptType: termination.TaskAssigned,
			From:        principal.System,
			To:          owner,
			TaskID:      &t.TaskID,
			Body:        receipt.Body{"task_type": t.Type, "priority": t.Priority},
		})
		return err
	})
	if err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func (e *Engine) GetTask(ctx context.Context, tenantID, taskID uuid.UUID) (task.Task, error) {
	t, ok, err := e.tasks.Get(ctx, tenantID, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if !ok {
		return task.Task{}, apierr.TaskNotFound(taskID.String())
	}
	return t, nil
}

func (e *Engine) ListTasks(ctx context.Context, tenantID uuid.UUID, filters task.Filters, after *task.Cursor, limit int) (task.Page, error) {
	return e.tasks.List(ctx, tenantID, filters, after, limit)
}

// CancelTask requires the caller to be the task's owner. Atomically:
// release any active lease, transition to canceled, emit task.canceled
// (parented on task.assigned) and task.result_ready.
func (e *Engine) CancelTask(ctx context.Context, tenantID uuid.UUID, caller principal.Principal, taskID uuid.UUID, reason string) error {
	t, ok, err := e.tasks.Get(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.TaskNotFound(taskID.String())
	}
	if !t.CreatedBy.Equal(caller) {
		return apierr.Unauthorized(taskID.String(), "only the task owner may cancel")
	}
	if t.Status.IsTerminal() {
		return apierr.InvalidStateTransition(taskID.String(), string(t.Status), string(task.StatusCanceled))
	}

	return e.atomic(ctx, "cancel_task", func(ctx context.Context) error {
		if err := e.leases.Release(ctx, tenantID, taskID); err != nil {
			return err
		}
		_, transitioned, err := e.tasks.Transition(ctx, tenantID, taskID, t.Status, task.StatusCanceled,
			&task.Result{Succeeded: false, Error: reason})
		if err != nil {
			return err
		}
		if !transitioned {
			return apierr.InvalidStateTransition(taskID.String(), string(t.Status), string(task.StatusCanceled))
		}

		parent := e.assignedReceiptID(ctx, tenantID, taskID)
		canceled, err := e.receipts.Create(ctx, tenantID, receipt.Spec{
			ReceiptType: termination.TaskCanceled,
			From:        principal.System,
			To:          t.CreatedBy,
			TaskID:      &taskID,
			Parents:     parentsOf(parent),
			Body:        receipt.Body{"reason": reason},
		})
		if err != nil {
			return err
		}
		_, err = e.receipts.Create(ctx, tenantID, receipt.Spec{
			ReceiptType: termination.TaskResultReady,
			From:        principal.System,
			To:          t.CreatedBy,
			TaskID:      &taskID,
			Parents:     []uuid.UUID{canceled.ReceiptID},
			Body:        receipt.Body{"status": "canceled"},
		})
		return err
	})
}

// ClaimNext is a thin wrapper over LeaseStore.ClaimNext. It does not emit
// per-task receipts — the owner's view of the still-open task.assigned is
// the authoritative record until a discharge appears, per spec §4.5.
func (e *Engine) ClaimNext(ctx context.Context, tenantID uuid.UUID, workerID string, capabilities map[string]bool, workerVersion string, maxTasks int, ttl time.Duration) ([]lease.Claimed, error) {
	if maxTasks <= 0 {
		maxTasks = 1
	}
	if maxTasks > e.cfg.MaxClaimTasks {
		maxTasks = e.cfg.MaxClaimTasks
	}
	if ttl <= 0 {
		ttl = e.cfg.LeaseLimits.DefaultTTL
	}
	if ttl > e.cfg.LeaseLimits.MaxTTL {
		ttl = e.cfg.LeaseLimits.MaxTTL
	}
	return e.leases.ClaimNext(ctx, tenantID, workerID, capabilities, workerVersion, maxTasks, ttl, time.Now().UTC())
}

// RenewLease extends a held lease. It touches only the lease store, whose
// Renew already compare-and-sets against expires_at, so no cross-store
// savepoint is needed here.
func (e *Engine) RenewLease(ctx context.Context, tenantID, taskID, leaseID uuid.UUID, workerID string, extendBy time.Duration) (lease.Lease, error) {
	if extendBy <= 0 {
		extendBy = e.cfg.LeaseLimits.DefaultTTL
	}
	return e.leases.Renew(ctx, tenantID, taskID, leaseID, workerID, extendBy, e.cfg.LeaseLimits, time.Now().UTC())
}

// StartTask is the supplemented explicit start_task call (SPEC_FULL.md
// §A.1): idempotently moves leased -> running, emitting task.started the
// first time only.
func (e *Engine) StartTask(ctx context.Context, tenantID, taskID, leaseID uuid.UUID, workerID string) (task.Task, error) {
	if _, ok, err := e.leases.Validate(ctx, tenantID, taskID, leaseID, workerID, time.Now().UTC()); err != nil {
		return task.Task{}, err
	} else if !ok {
		return task.Task{}, apierr.LeaseInvalidOrExpired(leaseID.String())
	}

	var result task.Task
	err := e.atomic(ctx, "start_task", func(ctx context.Context) error {
		t, alreadyRunning, err := e.tasks.StartRunning(ctx, tenantID, taskID, time.Now().UTC())
		if err != nil {
			return err
		}
		result = t
		if alreadyRunning {
			return nil
		}
		parent := e.assignedReceiptID(ctx, tenantID, taskID)
		_, err = e.receipts.Create(ctx, tenantID, receipt.Spec{
			ReceiptType: termination.TaskStarted,
			From:        principal.Worker(workerID),
			To:          t.CreatedBy,
			TaskID:      &taskID,
			LeaseID:     &leaseID,
			Parents:     parentsOf(parent),
			Body:        receipt.Body{"started_at": t.StartedAt},
		})
		return err
	})
	return result, err
}

// ReportProgress validates the lease, transitions leased -> running as a
// side effect if needed (idempotently, per StartTask's semantics), and
// records a non-terminal task.progress receipt.
func (e *Engine) ReportProgress(ctx context.Context, tenantID, taskID, leaseID uuid.UUID, workerID string, progress map[string]any) error {
	if _, ok, err := e.leases.Validate(ctx, tenantID, taskID, leaseID, workerID, time.Now().UTC()); err != nil {
		return err
	} else if !ok {
		return apierr.LeaseInvalidOrExpired(leaseID.String())
	}

	return e.atomic(ctx, "report_progress", func(ctx context.Context) error {
		t, _, err := e.tasks.StartRunning(ctx, tenantID, taskID, time.Now().UTC())
		if err != nil {
			return err
		}
		parent := e.assignedReceiptID(ctx, tenantID, taskID)
		_, err = e.receipts.Create(ctx, tenantID, receipt.Spec{
			ReceiptType: termination.TaskProgress,
			From:        principal.Worker(workerID),
			To:          t.CreatedBy,
			TaskID:      &taskID,
			LeaseID:     &leaseID,
			Parents:     parentsOf(parent),
			Body:        receipt.Body(progress),
		})
		return err
	})
}

// CompleteResult is the input to Complete: the task's terminal outcome
// plus the locatability evidence required for task.completed (spec §3).
type CompleteResult struct {
	Output        map[string]any
	Artifacts     []any
	DeliveryProof map[string]any
}

// Complete validates the lease then, in one savepoint: transitions the
// task to succeeded, releases the lease, emits task.completed (parented
// on task.assigned) and task.result_ready. If the atomic block fails the
// task remains leased/running so the worker or the expiry sweep can retry.
func (e *Engine) Complete(ctx context.Context, tenantID, taskID, leaseID uuid.UUID, workerID string, result CompleteResult) error {
	_, ok, err := e.leases.Validate(ctx, tenantID, taskID, leaseID, workerID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return apierr.LeaseInvalidOrExpired(leaseID.String())
	}
	t, ok, err := e.tasks.Get(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.TaskNotFound(taskID.String())
	}

	body := receipt.Body{}
	if result.Artifacts != nil {
		body["artifacts"] = result.Artifacts
	}
	if result.DeliveryProof != nil {
		body["delivery_proof"] = result.DeliveryProof
	}
	if result.Output != nil {
		body["output"] = result.Output
	}

	return e.atomic(ctx, "complete", func(ctx context.Context) error {
		_, transitioned, err := e.tasks.Transition(ctx, tenantID, taskID, t.Status, task.StatusSucceeded,
			&task.Result{Succeeded: true, Output: result.Output})
		if err != nil {
			return err
		}
		if !transitioned {
			return apierr.InvalidStateTransition(taskID.String(), string(t.Status), string(task.StatusSucceeded))
		}
		if err := e.leases.Release(ctx, tenantID, taskID); err != nil {
			return err
		}

		parent := e.assignedReceiptID(ctx, tenantID, taskID)
		completed, err := e.receipts.Create(ctx, tenantID, receipt.Spec{
			ReceiptType: termination.TaskCompleted,
			From:        principal.Worker(workerID),
			To:          t.CreatedBy,
			TaskID:      &taskID,
			LeaseID:     &leaseID,
			Parents:     parentsOf(parent),
			Body:        body,
		})
		if err != nil {
			return err
		}
		_, err = e.receipts.Create(ctx, tenantID, receipt.Spec{
			ReceiptType: termination.TaskResultReady,
			From:        principal.System,
			To:          t.CreatedBy,
			TaskID:      &taskID,
			Parents:     []uuid.UUID{completed.ReceiptID},
			Body:        receipt.Body{"status": "succeeded"},
		})
		return err
	})
}

// Fail validates the lease then, in one savepoint: releases the lease,
// and either requeues with backoff (retryable and attempts remain) or
// transitions the task to failed and emits task.result_ready.
func (e *Engine) Fail(ctx context.Context, tenantID, taskID, leaseID uuid.UUID, workerID, errMsg string, retryable bool) error {
	_, ok, err := e.leases.Validate(ctx, tenantID, taskID, leaseID, workerID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return apierr.LeaseInvalidOrExpired(leaseID.String())
	}
	t, ok, err := e.tasks.Get(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.TaskNotFound(taskID.String())
	}

	return e.atomic(ctx, "fail", func(ctx context.Context) error {
		if err := e.leases.Release(ctx, tenantID, taskID); err != nil {
			return err
		}

		parent := e.assignedReceiptID(ctx, tenantID, taskID)

		if retryable && t.Attempt < t.MaxAttempts {
			requeued, applied, err := e.tasks.RequeueWithBackoff(ctx, tenantID, taskID, time.Now().UTC())
			if err != nil {
				return err
			}
			if !applied {
				// Lost the race with a concurrent terminal transition
				// (e.g. Complete committed first): the task already has
				// an authoritative outcome, so there is nothing to fail.
				return nil
			}
			if requeued.Status == task.StatusQueued {
				_, err = e.receipts.Create(ctx, tenantID, receipt.Spec{
					ReceiptType: termination.TaskFailed,
					From:        principal.Worker(workerID),
					To:          t.CreatedBy,
					TaskID:      &taskID,
					LeaseID:     &leaseID,
					Parents:     parentsOf(parent),
					Body:        receipt.Body{"error": errMsg, "retryable": true, "requeued": true, "attempt": requeued.Attempt},
				})
				return err
			}
			// RequeueWithBackoff exhausted max_attempts and moved the task
			// to failed on its own; fall through to the terminal path.
			t = requeued
		}

		if !t.Status.IsTerminal() {
			_, transitioned, err := e.tasks.Transition(ctx, tenantID, taskID, t.Status, task.StatusFailed,
				&task.Result{Succeeded: false, Error: errMsg})
			if err != nil {
				return err
			}
			if !transitioned {
				return apierr.InvalidStateTransition(taskID.String(), string(t.Status), string(task.StatusFailed))
			}
		}

		failed, err := e.receipts.Create(ctx, tenantID, receipt.Spec{
			ReceiptType: termination.TaskFailed,
			From:        principal.Worker(workerID),
			To:          t.CreatedBy,
			TaskID:      &taskID,
			LeaseID:     &leaseID,
			Parents:     parentsOf(parent),
			Body:        receipt.Body{"error": errMsg, "retryable": retryable, "requeued": false},
		})
		if err != nil {
			return err
		}
		_, err = e.receipts.Create(ctx, tenantID, receipt.Spec{
			ReceiptType: termination.TaskResultReady,
			From:        principal.System,
			To:          t.CreatedBy,
			TaskID:      &taskID,
			Parents:     []uuid.UUID{failed.ReceiptID},
			Body:        receipt.Body{"status": "failed"},
		})
		return err
	})
}

// AckReceipt records non-terminal telemetry: the acknowledging principal
// saw a receipt. Per SPEC_FULL.md's open-question decision, the
// acknowledged receipt's id goes in Parents (not only Body) so it remains
// reachable via ListByParent like every other ledger relationship.
func (e *Engine) AckReceipt(ctx context.Context, tenantID uuid.UUID, caller principal.Principal, receiptID uuid.UUID) error {
	original, ok, err := e.receipts.Get(ctx, tenantID, receiptID)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.ReceiptNotFound(receiptID.String())
	}
	_, err = e.receipts.Create(ctx, tenantID, receipt.Spec{
		ReceiptType: termination.ReceiptAcknowledged,
		From:        caller,
		To:          original.From,
		TaskID:      original.TaskID,
		LeaseID:     original.LeaseID,
		Parents:     []uuid.UUID{receiptID},
		Body:        receipt.Body{"acknowledged_type": string(original.ReceiptType)},
	})
	return err
}

// ListOpenObligations derives the caller's open obligations, per spec
// §4.7. It is read-only and delegates entirely to pkg/obligation.
func (e *Engine) ListOpenObligations(ctx context.Context, tenantID uuid.UUID, caller principal.Principal, after *receipt.Cursor, limit int) (obligation.Page, error) {
	return e.obligations.ListOpen(ctx, tenantID, caller.ID, after, limit)
}

// ListReceipts returns receipts addressed to caller of any of the given
// types, cursor-paginated. An empty types slice is not accepted by the
// store layer's ANY/IN clause in a useful way, so callers should pass the
// full vocabulary when they want "any type".
func (e *Engine) ListReceipts(ctx context.Context, tenantID uuid.UUID, caller principal.Principal, types []termination.Type, after *receipt.Cursor, limit int) ([]receipt.Receipt, error) {
	return e.receipts.ListByAddressee(ctx, tenantID, caller.ID, types, after, limit)
}
