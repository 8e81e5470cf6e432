package receipt

import (
	"context"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
)

// ParentLookup resolves a receipt by id within a tenant, for parent-linkage
// validation. Backends supply this against their own transaction/snapshot.
type ParentLookup func(ctx context.Context, tenantID, id uuid.UUID) (Receipt, bool, error)

// Prepared is the outcome of validating a Spec: the receipt ready to
// persist, plus any anomaly receipt that must be written alongside it in
// the same atomic block.
type Prepared struct {
	Receipt Receipt
	Anomaly *Receipt
}

// Prepare runs the validation pipeline described in spec §4.4 step (1)-(4)
// and returns the receipt (and, if locatability failed under the lenient
// policy, a companion system.anomaly.locatability_missing receipt) ready
// for a backend to insert. It does not check for hash collisions — that is
// a store-level concern because it requires a lookup-by-hash against the
// same backend.
func Prepare(ctx context.Context, tenantID uuid.UUID, spec Spec, strictLocatability bool, lookupParent ParentLookup, now time.Time) (Prepared, error) {
	// (1) cap body size, parents length, artifact count.
	if len(spec.Parents) > MaxParents {
		return Prepared{}, apierr.Validation("", fmt.Sprintf("parents list exceeds %d entries", MaxParents))
	}
	if spec.Body.ArtifactCount() > MaxArtifacts {
		return Prepared{}, apierr.Validation("", fmt.Sprintf("artifacts list exceeds %d entries", MaxArtifacts))
	}
	canonicalBody, err := CanonicalBody(spec.Body)
	if err != nil {
		return Prepared{}, apierr.Validation("", "body is not canonicalizable: "+err.Error())
	}
	if len(canonicalBody) > MaxBodyBytes {
		return Prepared{}, apierr.Validation("", fmt.Sprintf("body exceeds %d bytes canonical-encoded", MaxBodyBytes))
	}

	parents := append([]uuid.UUID(nil), spec.Parents...)

	// (3) terminal types must carry valid, existing, terminating parents.
	if termination.IsTerminalType(spec.ReceiptType) {
		if len(parents) == 0 {
			return Prepared{}, apierr.Validation("", fmt.Sprintf("%s is a terminal type and requires non-empty parents", spec.ReceiptType))
		}
		for _, pid := range parents {
			parent, ok, err := lookupParent(ctx, tenantID, pid)
			if err != nil {
				return Prepared{}, err
			}
			if !ok {
				return Prepared{}, apierr.Validation(pid.String(), "parent receipt does not exist in this tenant")
			}
			if !termination.CanTerminate(spec.ReceiptType, parent.ReceiptType) {
				return Prepared{}, apierr.Validation(pid.String(), fmt.Sprintf("%s cannot terminate %s", spec.ReceiptType, parent.ReceiptType))
			}
		}
	}

	// (4) locatability on task.completed.
	var anomaly *Receipt
	if spec.ReceiptType == termination.TaskCompleted && !spec.Body.HasArtifactsOrDeliveryProof() {
		if strictLocatability {
			return Prepared{}, apierr.Validation("", "task.completed body must contain artifacts or delivery_proof")
		}
		parents = nil
		anomalyReceipt := buildAnomaly(spec, now)
		anomaly = &anomalyReceipt
	}

	bodyHash, err := CanonicalBodyHash(spec.Body)
	if err != nil {
		return Prepared{}, apierr.Validation("", "body is not hashable: "+err.Error())
	}

	receipt := Receipt{
		TenantID:    tenantID,
		ReceiptID:   uuid.New(),
		ReceiptType: spec.ReceiptType,
		From:        spec.From,
		To:          spec.To,
		TaskID:      spec.TaskID,
		LeaseID:     spec.LeaseID,
		Parents:     parents,
		Body:        spec.Body,
		CreatedAt:   now,
	}
	receipt.Hash = ContentHash(receipt.ReceiptType, receipt.TaskID, receipt.LeaseID, receipt.From, receipt.To, receipt.Parents, bodyHash)

	if anomaly != nil {
		anomaly.TenantID = tenantID
		anomaly.ReceiptID = uuid.New()
		anomalyBodyHash, err := CanonicalBodyHash(anomaly.Body)
		if err != nil {
			return Prepared{}, apierr.Validation("", "anomaly body is not hashable: "+err.Error())
		}
		anomaly.Hash = ContentHash(anomaly.ReceiptType, anomaly.TaskID, anomaly.LeaseID, anomaly.From, anomaly.To, anomaly.Parents, anomalyBodyHash)
	}

	return Prepared{Receipt: receipt, Anomaly: anomaly}, nil
}

func buildAnomaly(spec Spec, now time.Time) Receipt {
	owner := spec.To
	return Receipt{
		ReceiptType: termination.SystemAnomalyLocatabilityMissing,
		From:        principal.System,
		To:          owner,
		TaskID:      spec.TaskID,
		LeaseID:     spec.LeaseID,
		Parents:     nil,
		Body: Body{
			"reason":       "task.completed recorded without artifacts or delivery_proof",
			"receipt_type": string(spec.ReceiptType),
		},
		CreatedAt: now,
	}
}
