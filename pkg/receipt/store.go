package receipt

import (
	"context"

	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
)

// Store is the append-only receipt ledger: creation validates parent
// linkage and locatability; reads never mutate. Every method is scoped by
// tenant — cross-tenant access is rejected at this layer, not left to
// callers to remember.
type Store interface {
	// Create validates and appends spec, returning the new receipt. On a
	// content-hash collision with an existing receipt, the existing
	// receipt is returned unchanged (idempotent emission).
	Create(ctx context.Context, tenantID uuid.UUID, spec Spec) (Receipt, error)

	// Get returns the receipt with the given id, or ok=false if none
	// exists in this tenant.
	Get(ctx context.Context, tenantID, receiptID uuid.UUID) (Receipt, bool, error)

	// ListByParent returns up to limit receipts whose parents list
	// contains parentID, most recent first.
	ListByParent(ctx context.Context, tenantID, parentID uuid.UUID, limit int) ([]Receipt, error)

	// HasTerminator reports whether a receipt exists whose parents list
	// contains parentID AND whose receipt type can legally terminate a
	// receipt of parentType (termination.CanTerminate) — a receipt merely
	// referencing parentID for provenance (task.started, task.progress,
	// receipt.acknowledged) does not count. This is the hot path of
	// obligation queries and must be backed by an inverted index on the
	// parents column — see BatchHasTerminator for the N+1-avoiding bulk
	// form.
	HasTerminator(ctx context.Context, tenantID, parentID uuid.UUID, parentType termination.Type) (bool, error)

	// BatchHasTerminator returns, for the given set of candidate parents,
	// the subset that have at least one terminating child — same
	// type-filtered semantics as HasTerminator. It is a single query
	// regardless of len(parents), which is what makes ObligationQuery
	// viable at scale (spec §4.7).
	BatchHasTerminator(ctx context.Context, tenantID uuid.UUID, parents []ParentCandidate) (map[uuid.UUID]bool, error)

	// GetLatestTerminator returns the most recent terminating child
	// receipt of parentID, or ok=false if none exists.
	GetLatestTerminator(ctx context.Context, tenantID, parentID uuid.UUID, parentType termination.Type) (Receipt, bool, error)

	// ListByAddressee returns up to limit receipts of any of the given
	// types addressed to "to", ordered by (created_at, receipt_id),
	// starting strictly after afterCursor. Used by ObligationQuery's
	// candidate fetch.
	ListByAddressee(ctx context.Context, tenantID uuid.UUID, to string, types []termination.Type, afterCursor *Cursor, limit int) ([]Receipt, error)

	// ListByTask returns up to limit receipts carrying the given task_id,
	// most recent first. The engine uses it to locate a task's originating
	// task.assigned receipt when it needs to parent a discharge.
	ListByTask(ctx context.Context, tenantID, taskID uuid.UUID, limit int) ([]Receipt, error)
}

// Cursor identifies a position in the (created_at, receipt_id) ordering
// used for stable pagination under concurrent inserts.
type Cursor struct {
	CreatedAtUnixNano int64
	ReceiptID         uuid.UUID
}

// ParentCandidate names an obligation-creating receipt BatchHasTerminator
// should probe, together with its own receipt type — the type is required
// to know which child types legally terminate it.
type ParentCandidate struct {
	ID   uuid.UUID
	Type termination.Type
}
