package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/database"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore is the durable receipt ledger. It leans on a native array
// column with a GIN index for the parents inverted index — `parents &&
// ARRAY[...]` / `$1 = ANY(parents)` are both index-backed, which is what
// makes HasTerminator and BatchHasTerminator viable at scale (spec §6).
type PostgresStore struct {
	db                 *sql.DB
	strictLocatability bool
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SetStrictLocatability toggles the locatability check Prepare applies to
// task.completed receipts: strict rejects a body with neither artifacts nor
// delivery_proof; lenient stores it with empty parents plus a
// system.anomaly.locatability_missing receipt. Defaults to the lenient
// policy.
func (s *PostgresStore) SetStrictLocatability(strict bool) {
	s.strictLocatability = strict
}

const pgReceiptSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	tenant_id    UUID NOT NULL,
	receipt_id   UUID NOT NULL,
	receipt_type TEXT NOT NULL,
	from_kind    TEXT NOT NULL,
	from_id      TEXT NOT NULL,
	to_kind      TEXT NOT NULL,
	to_id        TEXT NOT NULL,
	task_id      UUID,
	lease_id     UUID,
	parents      UUID[] NOT NULL DEFAULT '{}',
	body         JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	hash         TEXT NOT NULL,
	PRIMARY KEY (tenant_id, receipt_id)
);
CREATE INDEX IF NOT EXISTS idx_receipts_addressee ON receipts (tenant_id, to_id, receipt_type, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_hash ON receipts (tenant_id, hash);
CREATE INDEX IF NOT EXISTS idx_receipts_parents_gin ON receipts USING GIN (parents);

ALTER TABLE receipts ENABLE ROW LEVEL SECURITY;
DO $$
BEGIN
    IF NOT EXISTS (SELECT 1 FROM pg_policies WHERE tablename = 'receipts' AND policyname = 'tenant_isolation') THEN
        CREATE POLICY tenant_isolation ON receipts
        USING (tenant_id = current_setting('app.current_tenant', true)::uuid);
    END IF;
END
$$;
`

// Migrate creates the receipts schema if absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgReceiptSchema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, tenantID uuid.UUID, spec Spec) (Receipt, error) {
	bodyHash, err := CanonicalBodyHash(spec.Body)
	if err != nil {
		return Receipt{}, apierr.Validation("", "body is not hashable: "+err.Error())
	}
	precomputedHash := ContentHash(spec.ReceiptType, spec.TaskID, spec.LeaseID, spec.From, spec.To, spec.Parents, bodyHash)
	if existing, ok, err := s.getByHash(ctx, tenantID, precomputedHash); err != nil {
		return Receipt{}, err
	} else if ok {
		return existing, nil
	}

	prepared, err := Prepare(ctx, tenantID, spec, s.strictLocatability, s.lookupParent, time.Now().UTC())
	if err != nil {
		return Receipt{}, err
	}

	var creationErr error
	err = database.WithSavepoint(ctx, s.db, func(ctx context.Context) error {
		if err := insertReceiptPG(ctx, s.db, prepared.Receipt); err != nil {
			creationErr = err
			return err
		}
		if prepared.Anomaly != nil {
			if err := insertReceiptPG(ctx, s.db, *prepared.Anomaly); err != nil {
				creationErr = apierr.Internal(err)
				return creationErr
			}
		}
		return nil
	})
	if err != nil {
		if existing, ok, lookupErr := s.getByHash(ctx, tenantID, prepared.Receipt.Hash); lookupErr == nil && ok {
			return existing, nil
		}
		return Receipt{}, creationErr
	}
	return prepared.Receipt, nil
}

func insertReceiptPG(ctx context.Context, db *sql.DB, r Receipt) error {
	bodyJSON, err := json.Marshal(r.Body)
	if err != nil {
		return apierr.Internal(err)
	}

	exec := database.Exec(ctx, db)
	_, err = exec.ExecContext(ctx, `
		INSERT INTO receipts (tenant_id, receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents, body, created_at, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.TenantID, r.ReceiptID, string(r.ReceiptType),
		string(r.From.Kind), r.From.ID, string(r.To.Kind), r.To.ID,
		nullableUUID(r.TaskID), nullableUUID(r.LeaseID),
		pq.Array(uuidsToStrings(r.Parents)), string(bodyJSON), r.CreatedAt, r.Hash,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apierr.IdempotencyConflict(r.Hash, err)
		}
		return apierr.Internal(err)
	}
	return nil
}

func (s *PostgresStore) lookupParent(ctx context.Context, tenantID, id uuid.UUID) (Receipt, bool, error) {
	return s.Get(ctx, tenantID, id)
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, receiptID uuid.UUID) (Receipt, bool, error) {
	row := database.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents, body, created_at, hash
		FROM receipts WHERE tenant_id = $1 AND receipt_id = $2`, tenantID, receiptID)
	r, err := scanReceiptPG(row, tenantID)
	if err == sql.ErrNoRows {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, apierr.Internal(err)
	}
	return r, true, nil
}

func (s *PostgresStore) getByHash(ctx context.Context, tenantID uuid.UUID, hash string) (Receipt, bool, error) {
	row := database.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents, body, created_at, hash
		FROM receipts WHERE tenant_id = $1 AND hash = $2`, tenantID, hash)
	r, err := scanReceiptPG(row, tenantID)
	if err == sql.ErrNoRows {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, apierr.Internal(err)
	}
	return r, true, nil
}

func (s *PostgresStore) ListByParent(ctx context.Context, tenantID, parentID uuid.UUID, limit int) ([]Receipt, error) {
	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents, body, created_at, hash
		FROM receipts
		WHERE tenant_id = $1 AND $2 = ANY(parents)
		ORDER BY created_at DESC
		LIMIT $3`, tenantID, parentID, limit)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()
	return scanReceiptRowsPG(rows, tenantID)
}

func (s *PostgresStore) HasTerminator(ctx context.Context, tenantID, parentID uuid.UUID, parentType termination.Type) (bool, error) {
	terminalTypes := termination.TerminalTypesFor(parentType)
	if len(terminalTypes) == 0 {
		return false, nil
	}

	var exists bool
	err := database.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM receipts
			WHERE tenant_id = $1 AND $2 = ANY(parents) AND receipt_type = ANY($3)
		)`, tenantID, parentID, pq.Array(typesToStrings(terminalTypes))).Scan(&exists)
	if err != nil {
		return false, apierr.Internal(err)
	}
	return exists, nil
}

// BatchHasTerminator answers the "which of these candidate parents have a
// terminator" question in a single query using the `&&` array-overlap
// operator, which the GIN index on parents backs directly. The SQL filter
// narrows to the global set of types that can terminate anything; the
// exact per-parent check (does this specific child type terminate this
// specific parent's type, per termination.CanTerminate) happens in Go
// against each returned (parent_id, receipt_type) pair, since a batch of
// parents need not all share the same obligation type.
func (s *PostgresStore) BatchHasTerminator(ctx context.Context, tenantID uuid.UUID, parents []ParentCandidate) (map[uuid.UUID]bool, error) {
	result := make(map[uuid.UUID]bool, len(parents))
	if len(parents) == 0 {
		return result, nil
	}

	parentTypes := make(map[uuid.UUID]termination.Type, len(parents))
	parentIDs := make([]uuid.UUID, len(parents))
	for i, p := range parents {
		parentTypes[p.ID] = p.Type
		parentIDs[i] = p.ID
	}

	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT DISTINCT unnest(parents) AS parent_id, receipt_type
		FROM receipts
		WHERE tenant_id = $1 AND parents && $2::uuid[] AND receipt_type = ANY($3)`,
		tenantID, pq.Array(uuidsToStrings(parentIDs)), pq.Array(typesToStrings(termination.TerminalTypes())))
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id uuid.UUID
		var childType string
		if err := rows.Scan(&id, &childType); err != nil {
			return nil, apierr.Internal(err)
		}
		parentType, known := parentTypes[id]
		if !known {
			continue
		}
		if termination.CanTerminate(termination.Type(childType), parentType) {
			result[id] = true
		}
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetLatestTerminator(ctx context.Context, tenantID, parentID uuid.UUID, parentType termination.Type) (Receipt, bool, error) {
	terminalTypes := termination.TerminalTypesFor(parentType)
	if len(terminalTypes) == 0 {
		return Receipt{}, false, nil
	}

	row := database.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents, body, created_at, hash
		FROM receipts
		WHERE tenant_id = $1 AND $2 = ANY(parents) AND receipt_type = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1`, tenantID, parentID, pq.Array(typesToStrings(terminalTypes)))
	r, err := scanReceiptPG(row, tenantID)
	if err == sql.ErrNoRows {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, apierr.Internal(err)
	}
	return r, true, nil
}

func (s *PostgresStore) ListByTask(ctx context.Context, tenantID, taskID uuid.UUID, limit int) ([]Receipt, error) {
	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents, body, created_at, hash
		FROM receipts
		WHERE tenant_id = $1 AND task_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, tenantID, taskID, limit)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()
	return scanReceiptRowsPG(rows, tenantID)
}

func (s *PostgresStore) ListByAddressee(ctx context.Context, tenantID uuid.UUID, to string, types []termination.Type, afterCursor *Cursor, limit int) ([]Receipt, error) {
	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}

	query := `
		SELECT receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents, body, created_at, hash
		FROM receipts
		WHERE tenant_id = $1 AND to_id = $2 AND receipt_type = ANY($3)`
	args := []any{tenantID, to, pq.Array(typeStrs)}

	if afterCursor != nil {
		query += fmt.Sprintf(` AND (created_at, receipt_id) > ($%d, $%d)`, len(args)+1, len(args)+2)
		args = append(args, time.Unix(0, afterCursor.CreatedAtUnixNano).UTC(), afterCursor.ReceiptID)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, receipt_id ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()
	return scanReceiptRowsPG(rows, tenantID)
}

func scanReceiptPG(row scanner, tenantID uuid.UUID) (Receipt, error) {
	var (
		receiptID              uuid.UUID
		receiptTypeStr         string
		fromKind, fromID       string
		toKind, toID           string
		taskID, leaseID        *uuid.UUID
		parents                pq.StringArray
		bodyJSON               []byte
		createdAt              time.Time
		hash                   string
	)
	if err := row.Scan(&receiptID, &receiptTypeStr, &fromKind, &fromID, &toKind, &toID, &taskID, &leaseID, &parents, &bodyJSON, &createdAt, &hash); err != nil {
		return Receipt{}, err
	}
	parentIDs, err := stringsToUUIDs([]string(parents))
	if err != nil {
		return Receipt{}, err
	}
	var body Body
	if err := json.Unmarshal(bodyJSON, &body); err != nil {
		return Receipt{}, err
	}
	return Receipt{
		TenantID:    tenantID,
		ReceiptID:   receiptID,
		ReceiptType: termination.Type(receiptTypeStr),
		From:        principal.Principal{Kind: principal.Kind(fromKind), ID: fromID},
		To:          principal.Principal{Kind: principal.Kind(toKind), ID: toID},
		TaskID:      taskID,
		LeaseID:     leaseID,
		Parents:     parentIDs,
		Body:        body,
		CreatedAt:   createdAt,
		Hash:        hash,
	}, nil
}

func scanReceiptRowsPG(rows *sql.Rows, tenantID uuid.UUID) ([]Receipt, error) {
	var out []Receipt
	for rows.Next() {
		r, err := scanReceiptPG(rows, tenantID)
		if err != nil {
			return nil, apierr.Internal(err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}
