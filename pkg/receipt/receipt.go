// Package receipt implements the append-only receipt ledger: the
// immutable contract records that make up AsyncGate's audit trail, and the
// store that validates parent linkage, enforces locatability, and answers
// the "has terminator" probe that drives obligation bootstrap.
package receipt

import (
	"time"

	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
)

const (
	// MaxBodyBytes bounds the canonical-encoded body size, per spec §6.
	MaxBodyBytes = 65536
	// MaxParents bounds the parents list length, per spec §3.
	MaxParents = 10
	// MaxArtifacts bounds the artifacts list length in a task.completed body.
	MaxArtifacts = 100
)

// Body is the opaque JSON-like payload carried by a receipt. Values must be
// JSON-marshalable; maps and slices nest freely.
type Body map[string]any

// Receipt is an immutable record of a lifecycle event: a contract being
// created, discharged, or merely narrated (progress, acknowledgement).
type Receipt struct {
	TenantID    uuid.UUID
	ReceiptID   uuid.UUID
	ReceiptType termination.Type
	From        principal.Principal
	To          principal.Principal
	TaskID      *uuid.UUID
	LeaseID     *uuid.UUID
	Parents     []uuid.UUID
	Body        Body
	CreatedAt   time.Time
	Hash        string
}

// Spec is the input to Store.Create: everything about a receipt except its
// identity and hash, which the store assigns.
type Spec struct {
	ReceiptType termination.Type
	From        principal.Principal
	To          principal.Principal
	TaskID      *uuid.UUID
	LeaseID     *uuid.UUID
	Parents     []uuid.UUID
	Body        Body
}

// HasArtifactsOrDeliveryProof reports whether body carries either an
// "artifacts" list or a "delivery_proof" record, the locatability condition
// spec §3/§4.4 impose on task.completed receipts.
func (b Body) HasArtifactsOrDeliveryProof() bool {
	if b == nil {
		return false
	}
	if artifacts, ok := b["artifacts"]; ok {
		if list, ok := artifacts.([]any); ok {
			if len(list) > 0 {
				return true
			}
		} else if artifacts != nil {
			return true
		}
	}
	if proof, ok := b["delivery_proof"]; ok {
		return proof != nil
	}
	return false
}

// ArtifactCount returns len(body["artifacts"]) or 0 if absent/not a list.
func (b Body) ArtifactCount() int {
	if b == nil {
		return 0
	}
	list, ok := b["artifacts"].([]any)
	if !ok {
		return 0
	}
	return len(list)
}
