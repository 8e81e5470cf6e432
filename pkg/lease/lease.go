// Package lease implements the time-bounded exclusive claim a worker holds
// on a task: claim (skip-locked batch assignment), renew (compare-and-set
// extension), release, and expiry discovery for the sweeper.
package lease

import (
	"time"

	"github.com/google/uuid"
)

// Lease is a time-bounded exclusive right to work on a task.
type Lease struct {
	TenantID uuid.UUID
	LeaseID  uuid.UUID
	TaskID   uuid.UUID
	WorkerID string

	AcquiredAt   time.Time
	ExpiresAt    time.Time
	RenewalCount int
}

// IsValid reports whether the lease is still live for the given worker at
// instant now — expires_at > now AND worker_id matches, per spec §4.3.
func (l Lease) IsValid(workerID string, now time.Time) bool {
	return l.ExpiresAt.After(now) && l.WorkerID == workerID
}

// Claimed pairs a freshly claimed task with the lease acquired on it.
type Claimed struct {
	TaskID uuid.UUID
	Lease  Lease
}

// Limits bounds renewal and lifetime, per spec §4.3/§5.
type Limits struct {
	MaxRenewals int
	MaxLifetime time.Duration
	DefaultTTL  time.Duration
	MaxTTL      time.Duration
}
