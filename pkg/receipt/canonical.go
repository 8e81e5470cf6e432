package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// CanonicalBody returns the RFC 8785 canonical JSON encoding of body, after
// NFC-normalizing every string leaf so that visually identical but
// byte-distinct Unicode inputs (combining sequences vs precomposed forms)
// hash identically, per spec §4.4's "stable Unicode handling" requirement.
func CanonicalBody(body Body) ([]byte, error) {
	normalized := normalizeStrings(map[string]any(body))

	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("receipt: marshal body: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("receipt: canonicalize body: %w", err)
	}
	return canonical, nil
}

// normalizeStrings walks v, replacing every string with its NFC form.
func normalizeStrings(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	case Body:
		return normalizeStrings(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeStrings(val)
		}
		return out
	default:
		return v
	}
}

// CanonicalBodyHash returns the SHA-256 hex digest of body's canonical
// encoding. Used both as the "canonical_hash(body)" term in the receipt
// content hash and, independently, as a dedup/integrity aid in tests.
func CanonicalBodyHash(body Body) (string, error) {
	canonical, err := CanonicalBody(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ContentHash computes the receipt's deduplication hash from
// (receipt_type, task_id, from, to, lease_id, sorted(parents),
// canonical_hash(body)), per spec §4.4 step (2). Including the sorted
// parents list is essential: two discharges with identical bodies against
// different obligations must not hash-collide (invariant I9).
func ContentHash(receiptType termination.Type, taskID, leaseID *uuid.UUID, from, to principal.Principal, parents []uuid.UUID, bodyHash string) string {
	sortedParents := make([]string, len(parents))
	for i, p := range parents {
		sortedParents[i] = p.String()
	}
	sort.Strings(sortedParents)

	h := sha256.New()
	fmt.Fprintf(h, "type=%s\n", receiptType)
	fmt.Fprintf(h, "task_id=%s\n", uuidOrEmpty(taskID))
	fmt.Fprintf(h, "lease_id=%s\n", uuidOrEmpty(leaseID))
	fmt.Fprintf(h, "from=%s\n", from.String())
	fmt.Fprintf(h, "to=%s\n", to.String())
	fmt.Fprintf(h, "parents=%s\n", sortedParents)
	fmt.Fprintf(h, "body_hash=%s\n", bodyHash)
	return hex.EncodeToString(h.Sum(nil))
}

func uuidOrEmpty(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
