package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistent task repository. It enforces the state machine
// and idempotent creation; every method is tenant-scoped.
type Store interface {
	// Create inserts a new queued task. If idempotencyKey is non-empty and
	// a task with that (tenant, key) already exists, the existing task is
	// returned and no new task is created.
	Create(ctx context.Context, tenantID uuid.UUID, spec Spec, idempotencyKey string) (Task, error)

	Get(ctx context.Context, tenantID, taskID uuid.UUID) (Task, bool, error)

	List(ctx context.Context, tenantID uuid.UUID, filters Filters, after *Cursor, limit int) (Page, error)

	// Transition performs a conditional state update; ok reports whether
	// the transition occurred (expectedFrom matched the stored status and
	// the move is legal per the state machine).
	Transition(ctx context.Context, tenantID, taskID uuid.UUID, expectedFrom, to Status, result *Result) (Task, bool, error)

	// StartRunning idempotently moves a leased task to running, recording
	// startedAt the first time it's called. Supplemented feature, spec
	// §A.1: calling it twice returns the same startedAt and reports
	// alreadyRunning=true the second time.
	StartRunning(ctx context.Context, tenantID, taskID uuid.UUID, now time.Time) (t Task, alreadyRunning bool, err error)

	// RequeueWithBackoff is used on retryable worker failure: increments
	// attempt and sets next_eligible_at using exponential backoff. If the
	// incremented attempt exceeds max_attempts, the task transitions to
	// failed instead of queued. Both outcomes are CAS'd on the task still
	// being leased or running; applied reports whether one of them
	// actually happened, as opposed to the task having already reached a
	// terminal status through a concurrent caller.
	RequeueWithBackoff(ctx context.Context, tenantID, taskID uuid.UUID, now time.Time) (t Task, applied bool, err error)

	// RequeueOnExpiry is used on lease sweep: requeues without bumping
	// attempt, per spec §4.2's "lost authority, not failure" rule. CAS'd
	// like RequeueWithBackoff, for the same reason.
	RequeueOnExpiry(ctx context.Context, tenantID, taskID uuid.UUID, now time.Time) (t Task, applied bool, err error)
}
