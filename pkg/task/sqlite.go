package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/database"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the pure-Go "lite mode" task store.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	tenant_id        TEXT NOT NULL,
	task_id          TEXT NOT NULL,
	idempotency_key  TEXT,
	type             TEXT NOT NULL,
	payload          BLOB,
	requirements_json TEXT NOT NULL,
	priority         INTEGER NOT NULL,
	max_attempts     INTEGER NOT NULL,
	retry_backoff_ns INTEGER NOT NULL,
	created_by_kind  TEXT NOT NULL,
	created_by_id    TEXT NOT NULL,
	status           TEXT NOT NULL,
	attempt          INTEGER NOT NULL,
	next_eligible_at TEXT NOT NULL,
	started_at       TEXT,
	result_json      TEXT,
	created_at       TEXT NOT NULL,
	PRIMARY KEY (tenant_id, task_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key != '';
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (tenant_id, status, priority, created_at);
`
	_, err := database.Exec(ctx, s.db).ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, tenantID uuid.UUID, spec Spec, idempotencyKey string) (Task, error) {
	if idempotencyKey != "" {
		if existing, ok, err := s.getByIdempotencyKey(ctx, tenantID, idempotencyKey); err != nil {
			return Task{}, err
		} else if ok {
			return existing, nil
		}
	}

	now := time.Now().UTC()
	maxAttempts := spec.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	t := Task{
		TenantID:       tenantID,
		TaskID:         uuid.New(),
		IdempotencyKey: idempotencyKey,
		Type:           spec.Type,
		Payload:        spec.Payload,
		Requirements:   spec.Requirements,
		Priority:       spec.Priority,
		MaxAttempts:    maxAttempts,
		RetryBackoff:   spec.RetryBackoff,
		CreatedBy:      spec.CreatedBy,
		Status:         StatusQueued,
		Attempt:        1,
		NextEligibleAt: now,
		CreatedAt:      now,
	}

	if err := insertTaskSQLite(ctx, s.db, t); err != nil {
		code, _ := apierr.CodeOf(err)
		if code == apierr.CodeIdempotencyConflict && idempotencyKey != "" {
			// Concurrent creator won the race. Per spec §4.2, re-read
			// from a fresh snapshot rather than returning "not found"
			// from this aborted attempt.
			if existing, ok, lookupErr := s.getByIdempotencyKey(ctx, tenantID, idempotencyKey); lookupErr == nil && ok {
				return existing, nil
			}
		}
		return Task{}, err
	}
	return t, nil
}

func insertTaskSQLite(ctx context.Context, db *sql.DB, t Task) error {
	reqJSON, err := json.Marshal(t.Requirements)
	if err != nil {
		return apierr.Internal(err)
	}
	var idemKey any
	if t.IdempotencyKey != "" {
		idemKey = t.IdempotencyKey
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO tasks (tenant_id, task_id, idempotency_key, type, payload, requirements_json, priority, max_attempts,
			retry_backoff_ns, created_by_kind, created_by_id, status, attempt, next_eligible_at, started_at, result_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TenantID.String(), t.TaskID.String(), idemKey, t.Type, t.Payload, string(reqJSON), t.Priority, t.MaxAttempts,
		int64(t.RetryBackoff), string(t.CreatedBy.Kind), t.CreatedBy.ID, string(t.Status), t.Attempt,
		t.NextEligibleAt.Format(time.RFC3339Nano), nullableTimeString(t.StartedAt), nullableResultJSON(t.Result),
		t.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return apierr.IdempotencyConflict(t.IdempotencyKey, err)
		}
		return apierr.Internal(err)
	}
	return nil
}

func (s *SQLiteStore) getByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (Task, bool, error) {
	row := database.Exec(ctx, s.db).QueryRowContext(ctx, taskSelectCols+` FROM tasks WHERE tenant_id = ? AND idempotency_key = ?`, tenantID.String(), key)
	t, err := scanTaskSQLite(row, tenantID)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	return t, true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID, taskID uuid.UUID) (Task, bool, error) {
	row := database.Exec(ctx, s.db).QueryRowContext(ctx, taskSelectCols+` FROM tasks WHERE tenant_id = ? AND task_id = ?`, tenantID.String(), taskID.String())
	t, err := scanTaskSQLite(row, tenantID)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	return t, true, nil
}

func (s *SQLiteStore) List(ctx context.Context, tenantID uuid.UUID, filters Filters, after *Cursor, limit int) (Page, error) {
	query := taskSelectCols + ` FROM tasks WHERE tenant_id = ?`
	args := []any{tenantID.String()}

	if filters.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filters.Status))
	}
	if filters.Type != "" {
		query += ` AND type = ?`
		args = append(args, filters.Type)
	}
	if after != nil {
		query += ` AND (created_at > ? OR (created_at = ? AND task_id > ?))`
		afterTime := time.Unix(0, after.CreatedAtUnixNano).UTC().Format(time.RFC3339Nano)
		args = append(args, afterTime, afterTime, after.TaskID.String())
	}
	query += ` ORDER BY created_at ASC, task_id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTaskSQLite(rows, tenantID)
		if err != nil {
			return Page{}, apierr.Internal(err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return Page{}, apierr.Internal(err)
	}

	var next *Cursor
	if len(tasks) > limit {
		tasks = tasks[:limit]
		last := tasks[len(tasks)-1]
		next = &Cursor{CreatedAtUnixNano: last.CreatedAt.UnixNano(), TaskID: last.TaskID}
	}
	return Page{Tasks: tasks, NextCursor: next}, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, tenantID, taskID uuid.UUID, expectedFrom, to Status, result *Result) (Task, bool, error) {
	if !CanTransition(expectedFrom, to) {
		return Task{}, false, apierr.InvalidStateTransition(taskID.String(), string(expectedFrom), string(to))
	}

	resultJSON := nullableResultJSON(result)
	res, err := database.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE tasks SET status = ?, result_json = ? WHERE tenant_id = ? AND task_id = ? AND status = ?`,
		string(to), resultJSON, tenantID.String(), taskID.String(), string(expectedFrom))
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	if rows == 0 {
		return Task{}, false, nil
	}

	t, ok, err := s.Get(ctx, tenantID, taskID)
	if err != nil {
		return Task{}, false, err
	}
	if !ok {
		return Task{}, false, apierr.TaskNotFound(taskID.String())
	}
	return t, true, nil
}

func (s *SQLiteStore) StartRunning(ctx context.Context, tenantID, taskID uuid.UUID, now time.Time) (Task, bool, error) {
	existing, ok, err := s.Get(ctx, tenantID, taskID)
	if err != nil {
		return Task{}, false, err
	}
	if !ok {
		return Task{}, false, apierr.TaskNotFound(taskID.String())
	}
	if existing.Status == StatusRunning {
		return existing, true, nil
	}
	if existing.Status != StatusLeased {
		return Task{}, false, apierr.InvalidStateTransition(taskID.String(), string(existing.Status), string(StatusRunning))
	}

	res, err := database.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ? WHERE tenant_id = ? AND task_id = ? AND status = ?`,
		string(StatusRunning), now.Format(time.RFC3339Nano), tenantID.String(), taskID.String(), string(StatusLeased))
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	if rows == 0 {
		// Lost the race to a concurrent StartRunning call; re-read.
		refreshed, ok, err := s.Get(ctx, tenantID, taskID)
		if err != nil {
			return Task{}, false, err
		}
		if ok && refreshed.Status == StatusRunning {
			return refreshed, true, nil
		}
		return Task{}, false, apierr.InvalidStateTransition(taskID.String(), string(existing.Status), string(StatusRunning))
	}

	t, ok, err := s.Get(ctx, tenantID, taskID)
	if err != nil {
		return Task{}, false, err
	}
	if !ok {
		return Task{}, false, apierr.TaskNotFound(taskID.String())
	}
	return t, false, nil
}

// RequeueWithBackoff is CAS'd on the task still being leased or running:
// without that guard, a requeue that lands after a concurrent
// Complete/Fail has already moved the task to a terminal status would
// silently overwrite that terminal status back to queued.
func (s *SQLiteStore) RequeueWithBackoff(ctx context.Context, tenantID, taskID uuid.UUID, now time.Time) (Task, bool, error) {
	existing, ok, err := s.Get(ctx, tenantID, taskID)
	if err != nil {
		return Task{}, false, err
	}
	if !ok {
		return Task{}, false, apierr.TaskNotFound(taskID.String())
	}

	nextAttempt := existing.Attempt + 1
	if nextAttempt > existing.MaxAttempts {
		res := &Result{Succeeded: false, Error: "max_attempts exceeded after retryable failure"}
		t, transitioned, err := s.Transition(ctx, tenantID, taskID, existing.Status, StatusFailed, res)
		if err != nil {
			return Task{}, false, err
		}
		if !transitioned {
			current, ok, err := s.Get(ctx, tenantID, taskID)
			if err != nil {
				return Task{}, false, err
			}
			if !ok {
				return Task{}, false, apierr.TaskNotFound(taskID.String())
			}
			return current, false, nil
		}
		return t, true, nil
	}

	nextEligible := NextEligibleAfterBackoff(now, existing.RetryBackoff, nextAttempt, 1*time.Hour)
	res, err := database.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE tasks SET status = ?, attempt = ?, next_eligible_at = ?, started_at = NULL
		WHERE tenant_id = ? AND task_id = ? AND status IN (?, ?)`,
		string(StatusQueued), nextAttempt, nextEligible.Format(time.RFC3339Nano), tenantID.String(), taskID.String(),
		string(StatusLeased), string(StatusRunning))
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	if rows == 0 {
		current, ok, err := s.Get(ctx, tenantID, taskID)
		if err != nil {
			return Task{}, false, err
		}
		if !ok {
			return Task{}, false, apierr.TaskNotFound(taskID.String())
		}
		return current, false, nil
	}

	t, ok, err := s.Get(ctx, tenantID, taskID)
	if err != nil {
		return Task{}, false, err
	}
	if !ok {
		return Task{}, false, apierr.TaskNotFound(taskID.String())
	}
	return t, true, nil
}

// RequeueOnExpiry is CAS'd the same way as RequeueWithBackoff, for the
// same reason: the sweeper reads an expired lease and requeues its task
// in separate steps, and the task may have reached a terminal status in
// between.
func (s *SQLiteStore) RequeueOnExpiry(ctx context.Context, tenantID, taskID uuid.UUID, now time.Time) (Task, bool, error) {
	nextEligible := NextEligibleAfterExpiry(now)
	res, err := database.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE tasks SET status = ?, next_eligible_at = ?, started_at = NULL
		WHERE tenant_id = ? AND task_id = ? AND status IN (?, ?)`,
		string(StatusQueued), nextEligible.Format(time.RFC3339Nano), tenantID.String(), taskID.String(),
		string(StatusLeased), string(StatusRunning))
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	if rows == 0 {
		current, ok, err := s.Get(ctx, tenantID, taskID)
		if err != nil {
			return Task{}, false, err
		}
		if !ok {
			return Task{}, false, apierr.TaskNotFound(taskID.String())
		}
		return current, false, nil
	}
	t, ok, err := s.Get(ctx, tenantID, taskID)
	if err != nil {
		return Task{}, false, err
	}
	if !ok {
		return Task{}, false, apierr.TaskNotFound(taskID.String())
	}
	return t, true, nil
}

const taskSelectCols = `SELECT task_id, idempotency_key, type, payload, requirements_json, priority, max_attempts,
	retry_backoff_ns, created_by_kind, created_by_id, status, attempt, next_eligible_at, started_at, result_json, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTaskSQLite(row scanner, tenantID uuid.UUID) (Task, error) {
	var (
		taskID, idemKey, typ                         string
		payload                                      []byte
		reqJSON                                      string
		priority, maxAttempts                        int
		retryBackoffNS                               int64
		createdByKind, createdByID                    string
		status                                        string
		attempt                                       int
		nextEligibleAt                               string
		startedAt, resultJSON                         sql.NullString
		createdAt                                     string
	)
	idem := sql.NullString{}
	if err := row.Scan(&taskID, &idem, &typ, &payload, &reqJSON, &priority, &maxAttempts,
		&retryBackoffNS, &createdByKind, &createdByID, &status, &attempt, &nextEligibleAt, &startedAt, &resultJSON, &createdAt); err != nil {
		return Task{}, err
	}
	idemKey = idem.String

	id, err := uuid.Parse(taskID)
	if err != nil {
		return Task{}, err
	}
	var requirements Requirements
	if err := json.Unmarshal([]byte(reqJSON), &requirements); err != nil {
		return Task{}, err
	}
	createdAtT, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Task{}, err
	}
	nextEligibleAtT, err := time.Parse(time.RFC3339Nano, nextEligibleAt)
	if err != nil {
		return Task{}, err
	}

	var startedAtPtr *time.Time
	if startedAt.Valid && startedAt.String != "" {
		st, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return Task{}, err
		}
		startedAtPtr = &st
	}

	var result *Result
	if resultJSON.Valid && resultJSON.String != "" {
		var r Result
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err != nil {
			return Task{}, err
		}
		result = &r
	}

	return Task{
		TenantID:       tenantID,
		TaskID:         id,
		IdempotencyKey: idemKey,
		Type:           typ,
		Payload:        payload,
		Requirements:   requirements,
		Priority:       priority,
		MaxAttempts:    maxAttempts,
		RetryBackoff:   time.Duration(retryBackoffNS),
		CreatedBy:      principal.Principal{Kind: principal.Kind(createdByKind), ID: createdByID},
		Status:         Status(status),
		Attempt:        attempt,
		NextEligibleAt: nextEligibleAtT,
		StartedAt:      startedAtPtr,
		Result:         result,
		CreatedAt:      createdAtT,
	}, nil
}

func nullableTimeString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullableResultJSON(r *Result) any {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return string(b)
}
