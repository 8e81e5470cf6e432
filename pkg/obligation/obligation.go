// Package obligation implements ObligationQuery: deriving, for a given
// principal, the set of open obligations by intersecting obligation-
// creating receipts addressed to that principal with the absence of a
// terminating child, per spec §4.7. The output is intentionally an
// unbucketed flat list plus a cursor — never a categorized or prioritized
// shape, per spec §9's invariant I8.
package obligation

import (
	"context"

	"github.com/asyncgate/asyncgate/pkg/receipt"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
)

// candidateFetchMultiplier and hardCap bound the candidate fetch per spec
// §4.7's "min(limit*k, hard_cap)" rule: fetching more candidates than the
// page needs absorbs the churn from already-terminated candidates without
// letting a single request's cost scale with a tenant's entire backlog.
const (
	candidateFetchMultiplier = 4
	hardCap                  = 2000
)

// Query answers list_open_obligations against a receipt.Store.
type Query struct {
	receipts receipt.Store
}

func New(receipts receipt.Store) *Query {
	return &Query{receipts: receipts}
}

// Page is the result of ListOpen: a flat list of still-open
// obligation-creating receipts, plus a cursor for the next page.
type Page struct {
	OpenObligations []receipt.Receipt
	NextCursor      *receipt.Cursor
}

// ListOpen implements spec §4.7's algorithm: fetch a bounded batch of
// candidate receipts of obligation-creating types addressed to
// principalID, batch-probe which of them already have a terminator, and
// return the survivors.
func (q *Query) ListOpen(ctx context.Context, tenantID uuid.UUID, principalID string, after *receipt.Cursor, limit int) (Page, error) {
	if limit <= 0 {
		limit = 50
	}

	fetchLimit := limit * candidateFetchMultiplier
	if fetchLimit > hardCap {
		fetchLimit = hardCap
	}

	candidates, err := q.receipts.ListByAddressee(ctx, tenantID, principalID, termination.ObligationTypes(), after, fetchLimit)
	if err != nil {
		return Page{}, err
	}
	if len(candidates) == 0 {
		return Page{}, nil
	}

	parentCandidates := make([]receipt.ParentCandidate, len(candidates))
	for i, c := range candidates {
		parentCandidates[i] = receipt.ParentCandidate{ID: c.ReceiptID, Type: c.ReceiptType}
	}

	terminated, err := q.receipts.BatchHasTerminator(ctx, tenantID, parentCandidates)
	if err != nil {
		return Page{}, err
	}

	open := make([]receipt.Receipt, 0, len(candidates))
	for _, c := range candidates {
		if !terminated[c.ReceiptID] {
			open = append(open, c)
		}
		if len(open) == limit {
			break
		}
	}

	page := Page{OpenObligations: open}
	if len(open) > 0 {
		last := open[len(open)-1]
		page.NextCursor = &receipt.Cursor{
			CreatedAtUnixNano: last.CreatedAt.UnixNano(),
			ReceiptID:         last.ReceiptID,
		}
	}
	return page, nil
}
