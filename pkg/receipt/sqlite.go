package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/database"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the pure-Go "lite mode" receipt ledger, suitable for
// single-process deployments and fast tests. It maintains an explicit
// receipt_parents join table as its inverted index on parents, since
// SQLite has no array column type — the join table is the portable form
// of the GIN-indexed array column the Postgres backend uses.
type SQLiteStore struct {
	db                 *sql.DB
	strictLocatability bool
}

// NewSQLiteStore wraps db, creating the receipts schema if absent.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// SetStrictLocatability toggles the locatability check Prepare applies to
// every new receipt. Defaults to the lenient policy.
func (s *SQLiteStore) SetStrictLocatability(strict bool) {
	s.strictLocatability = strict
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS receipts (
	tenant_id    TEXT NOT NULL,
	receipt_id   TEXT NOT NULL,
	receipt_type TEXT NOT NULL,
	from_kind    TEXT NOT NULL,
	from_id      TEXT NOT NULL,
	to_kind      TEXT NOT NULL,
	to_id        TEXT NOT NULL,
	task_id      TEXT,
	lease_id     TEXT,
	parents_json TEXT NOT NULL,
	body_json    TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	hash         TEXT NOT NULL,
	PRIMARY KEY (tenant_id, receipt_id)
);
CREATE INDEX IF NOT EXISTS idx_receipts_addressee ON receipts (tenant_id, to_id, receipt_type, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_hash ON receipts (tenant_id, hash);

CREATE TABLE IF NOT EXISTS receipt_parents (
	tenant_id  TEXT NOT NULL,
	parent_id  TEXT NOT NULL,
	receipt_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipt_parents_parent ON receipt_parents (tenant_id, parent_id);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, tenantID uuid.UUID, spec Spec) (Receipt, error) {
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
		if err := insertReceiptSQLite(ctx, s.db, prepared.Receipt); err != nil {
			creationErr = err
			return err
		}
		if prepared.Anomaly != nil {
			if err := insertReceiptSQLite(ctx, s.db, *prepared.Anomaly); err != nil {
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

func insertReceiptSQLite(ctx context.Context, db *sql.DB, r Receipt) error {
	parentsJSON, err := json.Marshal(uuidsToStrings(r.Parents))
	if err != nil {
		return apierr.Internal(err)
	}
	bodyJSON, err := json.Marshal(r.Body)
	if err != nil {
		return apierr.Internal(err)
	}

	exec := database.Exec(ctx, db)
	_, err = exec.ExecContext(ctx, `
		INSERT INTO receipts (tenant_id, receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents_json, body_json, created_at, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TenantID.String(), r.ReceiptID.String(), string(r.ReceiptType),
		string(r.From.Kind), r.From.ID, string(r.To.Kind), r.To.ID,
		nullableUUIDString(r.TaskID), nullableUUIDString(r.LeaseID),
		string(parentsJSON), string(bodyJSON), r.CreatedAt.Format(time.RFC3339Nano), r.Hash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return apierr.IdempotencyConflict(r.Hash, err)
		}
		return apierr.Internal(err)
	}

	for _, parentID := range r.Parents {
		if _, err := exec.ExecContext(ctx, `INSERT INTO receipt_parents (tenant_id, parent_id, receipt_id) VALUES (?, ?, ?)`,
			r.TenantID.String(), parentID.String(), r.ReceiptID.String()); err != nil {
			return apierr.Internal(err)
		}
	}
	return nil
}

func (s *SQLiteStore) lookupParent(ctx context.Context, tenantID, id uuid.UUID) (Receipt, bool, error) {
	return s.Get(ctx, tenantID, id)
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID, receiptID uuid.UUID) (Receipt, bool, error) {
	row := database.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents_json, body_json, created_at, hash
		FROM receipts WHERE tenant_id = ? AND receipt_id = ?`, tenantID.String(), receiptID.String())
	r, err := scanReceiptSQLite(row, tenantID)
	if err == sql.ErrNoRows {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, apierr.Internal(err)
	}
	return r, true, nil
}

func (s *SQLiteStore) getByHash(ctx context.Context, tenantID uuid.UUID, hash string) (Receipt, bool, error) {
	row := database.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents_json, body_json, created_at, hash
		FROM receipts WHERE tenant_id = ? AND hash = ?`, tenantID.String(), hash)
	r, err := scanReceiptSQLite(row, tenantID)
	if err == sql.ErrNoRows {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, apierr.Internal(err)
	}
	return r, true, nil
}

func (s *SQLiteStore) ListByParent(ctx context.Context, tenantID, parentID uuid.UUID, limit int) ([]Receipt, error) {
	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT r.receipt_id, r.receipt_type, r.from_kind, r.from_id, r.to_kind, r.to_id, r.task_id, r.lease_id, r.parents_json, r.body_json, r.created_at, r.hash
		FROM receipts r
		JOIN receipt_parents rp ON rp.tenant_id = r.tenant_id AND rp.receipt_id = r.receipt_id
		WHERE r.tenant_id = ? AND rp.parent_id = ?
		ORDER BY r.created_at DESC
		LIMIT ?`, tenantID.String(), parentID.String(), limit)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()
	return scanReceiptRowsSQLite(rows, tenantID)
}

func (s *SQLiteStore) HasTerminator(ctx context.Context, tenantID, parentID uuid.UUID, parentType termination.Type) (bool, error) {
	terminalTypes := termination.TerminalTypesFor(parentType)
	if len(terminalTypes) == 0 {
		return false, nil
	}

	placeholders := make([]string, len(terminalTypes))
	args := make([]any, 0, len(terminalTypes)+2)
	args = append(args, tenantID.String(), parentID.String())
	for i, t := range terminalTypes {
		placeholders[i] = "?"
		args = append(args, string(t))
	}

	query := fmt.Sprintf(`
		SELECT 1 FROM receipt_parents rp
		JOIN receipts r ON r.tenant_id = rp.tenant_id AND r.receipt_id = rp.receipt_id
		WHERE rp.tenant_id = ? AND rp.parent_id = ? AND r.receipt_type IN (%s)
		LIMIT 1`, strings.Join(placeholders, ","))

	var exists int
	err := database.Exec(ctx, s.db).QueryRowContext(ctx, query, args...).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apierr.Internal(err)
	}
	return true, nil
}

// BatchHasTerminator joins the candidates' referencing receipts to their
// receipt_type in a single query, narrowed to the types that can terminate
// anything at all, then applies the exact per-parent termination.CanTerminate
// check in Go — the candidates in a batch need not all share one obligation
// type, so the SQL filter alone can't distinguish "terminates this parent"
// from "terminates some other obligation type".
func (s *SQLiteStore) BatchHasTerminator(ctx context.Context, tenantID uuid.UUID, parents []ParentCandidate) (map[uuid.UUID]bool, error) {
	result := make(map[uuid.UUID]bool, len(parents))
	if len(parents) == 0 {
		return result, nil
	}

	parentTypes := make(map[uuid.UUID]termination.Type, len(parents))
	idPlaceholders := make([]string, len(parents))
	args := make([]any, 0, len(parents)+2)
	args = append(args, tenantID.String())
	for i, p := range parents {
		parentTypes[p.ID] = p.Type
		idPlaceholders[i] = "?"
		args = append(args, p.ID.String())
	}

	terminalTypes := termination.TerminalTypes()
	typePlaceholders := make([]string, len(terminalTypes))
	for i, t := range terminalTypes {
		typePlaceholders[i] = "?"
		args = append(args, string(t))
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT rp.parent_id, r.receipt_type
		FROM receipt_parents rp
		JOIN receipts r ON r.tenant_id = rp.tenant_id AND r.receipt_id = rp.receipt_id
		WHERE rp.tenant_id = ? AND rp.parent_id IN (%s) AND r.receipt_type IN (%s)`,
		strings.Join(idPlaceholders, ","), strings.Join(typePlaceholders, ","))

	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var idStr, childType string
		if err := rows.Scan(&idStr, &childType); err != nil {
			return nil, apierr.Internal(err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
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

func (s *SQLiteStore) GetLatestTerminator(ctx context.Context, tenantID, parentID uuid.UUID, parentType termination.Type) (Receipt, bool, error) {
	terminalTypes := termination.TerminalTypesFor(parentType)
	if len(terminalTypes) == 0 {
		return Receipt{}, false, nil
	}

	placeholders := make([]string, len(terminalTypes))
	args := make([]any, 0, len(terminalTypes)+2)
	args = append(args, tenantID.String(), parentID.String())
	for i, t := range terminalTypes {
		placeholders[i] = "?"
		args = append(args, string(t))
	}

	query := fmt.Sprintf(`
		SELECT r.receipt_id, r.receipt_type, r.from_kind, r.from_id, r.to_kind, r.to_id, r.task_id, r.lease_id, r.parents_json, r.body_json, r.created_at, r.hash
		FROM receipts r
		JOIN receipt_parents rp ON rp.tenant_id = r.tenant_id AND rp.receipt_id = r.receipt_id
		WHERE r.tenant_id = ? AND rp.parent_id = ? AND r.receipt_type IN (%s)
		ORDER BY r.created_at DESC
		LIMIT 1`, strings.Join(placeholders, ","))

	row := database.Exec(ctx, s.db).QueryRowContext(ctx, query, args...)
	r, err := scanReceiptSQLite(row, tenantID)
	if err == sql.ErrNoRows {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, apierr.Internal(err)
	}
	return r, true, nil
}

func (s *SQLiteStore) ListByTask(ctx context.Context, tenantID, taskID uuid.UUID, limit int) ([]Receipt, error) {
	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents_json, body_json, created_at, hash
		FROM receipts
		WHERE tenant_id = ? AND task_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, tenantID.String(), taskID.String(), limit)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()
	return scanReceiptRowsSQLite(rows, tenantID)
}

func (s *SQLiteStore) ListByAddressee(ctx context.Context, tenantID uuid.UUID, to string, types []termination.Type, afterCursor *Cursor, limit int) ([]Receipt, error) {
	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}
	placeholders := make([]string, len(typeStrs))
	args := []any{tenantID.String(), to}
	for i, t := range typeStrs {
		placeholders[i] = "?"
		args = append(args, t)
	}

	query := fmt.Sprintf(`
		SELECT receipt_id, receipt_type, from_kind, from_id, to_kind, to_id, task_id, lease_id, parents_json, body_json, created_at, hash
		FROM receipts
		WHERE tenant_id = ? AND to_id = ? AND receipt_type IN (%s)`, strings.Join(placeholders, ","))

	if afterCursor != nil {
		query += ` AND (created_at > ? OR (created_at = ? AND receipt_id > ?))`
		afterTime := time.Unix(0, afterCursor.CreatedAtUnixNano).UTC().Format(time.RFC3339Nano)
		args = append(args, afterTime, afterTime, afterCursor.ReceiptID.String())
	}
	query += ` ORDER BY created_at ASC, receipt_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()
	return scanReceiptRowsSQLite(rows, tenantID)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceiptSQLite(row scanner, tenantID uuid.UUID) (Receipt, error) {
	var (
		receiptID, receiptType                     string
		fromKind, fromID, toKind, toID              string
		taskID, leaseID                             sql.NullString
		parentsJSON, bodyJSON, createdAt, hash      string
	)
	if err := row.Scan(&receiptID, &receiptType, &fromKind, &fromID, &toKind, &toID, &taskID, &leaseID, &parentsJSON, &bodyJSON, &createdAt, &hash); err != nil {
		return Receipt{}, err
	}
	return buildReceiptFromRow(tenantID, receiptID, receiptType, fromKind, fromID, toKind, toID, taskID, leaseID, parentsJSON, bodyJSON, createdAt, hash)
}

func scanReceiptRowsSQLite(rows *sql.Rows, tenantID uuid.UUID) ([]Receipt, error) {
	var out []Receipt
	for rows.Next() {
		r, err := scanReceiptSQLite(rows, tenantID)
		if err != nil {
			return nil, apierr.Internal(err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func buildReceiptFromRow(tenantID uuid.UUID, receiptID, receiptType, fromKind, fromID, toKind, toID string, taskID, leaseID sql.NullString, parentsJSON, bodyJSON, createdAt, hash string) (Receipt, error) {
	id, err := uuid.Parse(receiptID)
	if err != nil {
		return Receipt{}, err
	}
	var parentStrs []string
	if err := json.Unmarshal([]byte(parentsJSON), &parentStrs); err != nil {
		return Receipt{}, err
	}
	parents, err := stringsToUUIDs(parentStrs)
	if err != nil {
		return Receipt{}, err
	}
	var body Body
	if err := json.Unmarshal([]byte(bodyJSON), &body); err != nil {
		return Receipt{}, err
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Receipt{}, err
	}

	return Receipt{
		TenantID:    tenantID,
		ReceiptID:   id,
		ReceiptType: termination.Type(receiptType),
		From:        principal.Principal{Kind: principal.Kind(fromKind), ID: fromID},
		To:          principal.Principal{Kind: principal.Kind(toKind), ID: toID},
		TaskID:      nullableUUIDPtr(taskID),
		LeaseID:     nullableUUIDPtr(leaseID),
		Parents:     parents,
		Body:        body,
		CreatedAt:   created,
		Hash:        hash,
	}, nil
}

func nullableUUIDString(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullableUUIDPtr(ns sql.NullString) *uuid.UUID {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil
	}
	return &id
}

func uuidsToStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func typesToStrings(types []termination.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func stringsToUUIDs(strs []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, len(strs))
	for i, s := range strs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}
