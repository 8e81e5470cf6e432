// Package task implements the task model, its state machine, and the
// persistent store that enforces idempotent creation and table-driven
// transitions.
package task

import (
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/google/uuid"
)

// Status is a task's lifecycle state, per spec §3.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusLeased    Status = "leased"
	StatusRunning   Status = "running" // supplemented: see spec §A.1
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether s is a sink state: once reached, a task never
// transitions again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Requirements constrains which workers may claim a task.
type Requirements struct {
	Capabilities []string `json:"capabilities"`
	// MinWorkerVersion, if set, is a semver constraint (e.g. ">=1.2.0")
	// the claiming worker's reported version must satisfy. Supplemented
	// capability-matching feature, see SPEC_FULL.md §C.12.
	MinWorkerVersion string `json:"min_worker_version,omitempty"`
}

// Satisfies reports whether a worker with the given capability set and
// version satisfies r. An empty MinWorkerVersion constraint always
// passes. An unparseable workerVersion fails a non-empty constraint
// closed: a worker that can't prove its version doesn't get tasks that
// require one.
func (r Requirements) Satisfies(workerCapabilities map[string]bool, workerVersion string) bool {
	for _, cap := range r.Capabilities {
		if !workerCapabilities[cap] {
			return false
		}
	}
	if r.MinWorkerVersion == "" {
		return true
	}
	constraint, err := semver.NewConstraint(r.MinWorkerVersion)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(workerVersion)
	if err != nil {
		return false
	}
	return constraint.Check(v)
}

// Result is the outcome recorded on a task once it reaches a terminal
// state. Present iff the task is terminal.
type Result struct {
	Succeeded bool           `json:"succeeded"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Task is a unit of delegated work.
type Task struct {
	TenantID       uuid.UUID
	TaskID         uuid.UUID
	IdempotencyKey string // empty if not supplied

	Type         string
	Payload      []byte
	Requirements Requirements
	Priority     int
	MaxAttempts  int
	RetryBackoff time.Duration
	CreatedBy    principal.Principal

	Status         Status
	Attempt        int
	NextEligibleAt time.Time
	StartedAt      *time.Time // set on leased -> running, see spec §A.1
	Result         *Result

	CreatedAt time.Time
}

// Spec is the input to Store.Create.
type Spec struct {
	Type         string
	Payload      []byte
	Requirements Requirements
	Priority     int
	MaxAttempts  int
	RetryBackoff time.Duration
	CreatedBy    principal.Principal
}

// Filters narrows Store.List.
type Filters struct {
	Status *Status
	Type   string
}

// Cursor identifies a position in the (created_at, task_id) ordering used
// for stable pagination under concurrent inserts.
type Cursor struct {
	CreatedAtUnixNano int64
	TaskID            uuid.UUID
}

// Page is a single page of a List result.
type Page struct {
	Tasks      []Task
	NextCursor *Cursor
}
