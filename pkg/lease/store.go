package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistent lease repository. Every method is tenant-scoped
// and enforces invariant I1: at most one non-expired lease per task.
type Store interface {
	// ClaimNext atomically claims up to maxTasks queued tasks whose
	// requirements are a capability subset of capabilities, whose
	// min_worker_version constraint (if any) is satisfied by
	// workerVersion, and whose next_eligible_at <= now. Ordering:
	// priority desc, created_at asc, task_id asc for determinism.
	ClaimNext(ctx context.Context, tenantID uuid.UUID, workerID string, capabilities map[string]bool, workerVersion string, maxTasks int, ttl time.Duration, now time.Time) ([]Claimed, error)

	// Validate returns the lease iff it matches taskID and workerID and
	// is unexpired. Pure read, no lock held past the query.
	Validate(ctx context.Context, tenantID, taskID, leaseID uuid.UUID, workerID string, now time.Time) (Lease, bool, error)

	// Renew extends expires_at by extendBy, enforcing MaxRenewals and
	// MaxLifetime, using a compare-and-set on expires_at > now so a
	// lease that expired between Validate and Renew does not resurrect.
	Renew(ctx context.Context, tenantID, taskID, leaseID uuid.UUID, workerID string, extendBy time.Duration, limits Limits, now time.Time) (Lease, error)

	// Release removes the active lease on taskID, if any. Not an error
	// if there is none.
	Release(ctx context.Context, tenantID, taskID uuid.UUID) error

	// GetExpired iterates leases with expires_at <= now, bounded by
	// limit. Used only by the sweeper.
	GetExpired(ctx context.Context, now time.Time, limit int) ([]Lease, error)

	// DeleteExpired removes a single lease by id, used by the sweeper
	// just before it requeues the lease's task in the same atomic block.
	// ok is false if the lease
	// was already gone (e.g. released or renewed by its owner first).
	DeleteExpired(ctx context.Context, tenantID, leaseID uuid.UUID, now time.Time) (bool, error)
}
