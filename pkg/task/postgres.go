package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/database"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore is the durable task store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgTaskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	tenant_id         UUID NOT NULL,
	task_id           UUID NOT NULL,
	idempotency_key   TEXT,
	type              TEXT NOT NULL,
	payload           BYTEA,
	requirements      JSONB NOT NULL,
	priority          INTEGER NOT NULL,
	max_attempts      INTEGER NOT NULL,
	retry_backoff_ns  BIGINT NOT NULL,
	created_by_kind   TEXT NOT NULL,
	created_by_id     TEXT NOT NULL,
	status            TEXT NOT NULL,
	attempt           INTEGER NOT NULL,
	next_eligible_at  TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ,
	result            JSONB,
	created_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, task_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (tenant_id, status, priority DESC, created_at);

ALTER TABLE tasks ENABLE ROW LEVEL SECURITY;
DO $$
BEGIN
    IF NOT EXISTS (SELECT 1 FROM pg_policies WHERE tablename = 'tasks' AND policyname = 'tenant_isolation') THEN
        CREATE POLICY tenant_isolation ON tasks
        USING (tenant_id = current_setting('app.current_tenant', true)::uuid);
    END IF;
END
$$;
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := database.Exec(ctx, s.db).ExecContext(ctx, pgTaskSchema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, tenantID uuid.UUID, spec Spec, idempotencyKey string) (Task, error) {
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

	reqJSON, err := json.Marshal(t.Requirements)
	if err != nil {
		return Task{}, apierr.Internal(err)
	}
	var idemKey any
	if t.IdempotencyKey != "" {
		idemKey = t.IdempotencyKey
	}

	_, err = database.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO tasks (tenant_id, task_id, idempotency_key, type, payload, requirements, priority, max_attempts,
			retry_backoff_ns, created_by_kind, created_by_id, status, attempt, next_eligible_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.TenantID, t.TaskID, idemKey, t.Type, t.Payload, string(reqJSON), t.Priority, t.MaxAttempts,
		int64(t.RetryBackoff), string(t.CreatedBy.Kind), t.CreatedBy.ID, string(t.Status), t.Attempt,
		t.NextEligibleAt, t.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Concurrent creator won the race; re-read from a fresh
			// snapshot rather than returning not-found from this
			// aborted statement (spec §4.2).
			if idempotencyKey != "" {
				if existing, ok, lookupErr := s.getByIdempotencyKey(ctx, tenantID, idempotencyKey); lookupErr == nil && ok {
					return existing, nil
				}
			}
			return Task{}, apierr.IdempotencyConflict(idempotencyKey, err)
		}
		return Task{}, apierr.Internal(err)
	}
	return t, nil
}

func (s *PostgresStore) getByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (Task, bool, error) {
	row := database.Exec(ctx, s.db).QueryRowContext(ctx, pgTaskSelectCols+` FROM tasks WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
	t, err := scanTaskPG(row, tenantID)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	return t, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, taskID uuid.UUID) (Task, bool, error) {
	row := database.Exec(ctx, s.db).QueryRowContext(ctx, pgTaskSelectCols+` FROM tasks WHERE tenant_id = $1 AND task_id = $2`, tenantID, taskID)
	t, err := scanTaskPG(row, tenantID)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	return t, true, nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID uuid.UUID, filters Filters, after *Cursor, limit int) (Page, error) {
	query := pgTaskSelectCols + ` FROM tasks WHERE tenant_id = $1`
	args := []any{tenantID}

	if filters.Status != nil {
		args = append(args, string(*filters.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filters.Type != "" {
		args = append(args, filters.Type)
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if after != nil {
		args = append(args, time.Unix(0, after.CreatedAtUnixNano).UTC(), after.TaskID)
		query += fmt.Sprintf(` AND (created_at, task_id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY created_at ASC, task_id ASC LIMIT $%d`, len(args))

	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTaskPG(rows, tenantID)
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

func (s *PostgresStore) Transition(ctx context.Context, tenantID, taskID uuid.UUID, expectedFrom, to Status, result *Result) (Task, bool, error) {
	if !CanTransition(expectedFrom, to) {
		return Task{}, false, apierr.InvalidStateTransition(taskID.String(), string(expectedFrom), string(to))
	}

	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return Task{}, false, apierr.Internal(err)
		}
	}

	res, err := database.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE tasks SET status = $1, result = $2 WHERE tenant_id = $3 AND task_id = $4 AND status = $5`,
		string(to), nullableJSON(resultJSON), tenantID, taskID, string(expectedFrom))
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

func (s *PostgresStore) StartRunning(ctx context.Context, tenantID, taskID uuid.UUID, now time.Time) (Task, bool, error) {
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
		UPDATE tasks SET status = $1, started_at = $2 WHERE tenant_id = $3 AND task_id = $4 AND status = $5`,
		string(StatusRunning), now, tenantID, taskID, string(StatusLeased))
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, apierr.Internal(err)
	}
	if rows == 0 {
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
// without that guard, a requeue that acquires the row lock after a
// concurrent Complete/Fail has already moved the task to a terminal
// status would silently overwrite that terminal status back to queued.
func (s *PostgresStore) RequeueWithBackoff(ctx context.Context, tenantID, taskID uuid.UUID, now time.Time) (Task, bool, error) {
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
		UPDATE tasks SET status = $1, attempt = $2, next_eligible_at = $3, started_at = NULL
		WHERE tenant_id = $4 AND task_id = $5 AND status IN ($6, $7)`,
		string(StatusQueued), nextAttempt, nextEligible, tenantID, taskID, string(StatusLeased), string(StatusRunning))
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
func (s *PostgresStore) RequeueOnExpiry(ctx context.Context, tenantID, taskID uuid.UUID, now time.Time) (Task, bool, error) {
	nextEligible := NextEligibleAfterExpiry(now)
	res, err := database.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE tasks SET status = $1, next_eligible_at = $2, started_at = NULL
		WHERE tenant_id = $3 AND task_id = $4 AND status IN ($5, $6)`,
		string(StatusQueued), nextEligible, tenantID, taskID, string(StatusLeased), string(StatusRunning))
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

const pgTaskSelectCols = `SELECT task_id, idempotency_key, type, payload, requirements, priority, max_attempts,
	retry_backoff_ns, created_by_kind, created_by_id, status, attempt, next_eligible_at, started_at, result, created_at`

func scanTaskPG(row scanner, tenantID uuid.UUID) (Task, error) {
	var (
		taskID         uuid.UUID
		idemKey        sql.NullString
		typ            string
		payload        []byte
		reqJSON        []byte
		priority       int
		maxAttempts    int
		retryBackoffNS int64
		createdByKind  string
		createdByID    string
		status         string
		attempt        int
		nextEligibleAt time.Time
		startedAt      sql.NullTime
		resultJSON     []byte
		createdAt      time.Time
	)
	if err := row.Scan(&taskID, &idemKey, &typ, &payload, &reqJSON, &priority, &maxAttempts,
		&retryBackoffNS, &createdByKind, &createdByID, &status, &attempt, &nextEligibleAt, &startedAt, &resultJSON, &createdAt); err != nil {
		return Task{}, err
	}

	var requirements Requirements
	if err := json.Unmarshal(reqJSON, &requirements); err != nil {
		return Task{}, err
	}

	var startedAtPtr *time.Time
	if startedAt.Valid {
		startedAtPtr = &startedAt.Time
	}

	var result *Result
	if len(resultJSON) > 0 {
		var r Result
		if err := json.Unmarshal(resultJSON, &r); err != nil {
			return Task{}, err
		}
		result = &r
	}

	return Task{
		TenantID:       tenantID,
		TaskID:         taskID,
		IdempotencyKey: idemKey.String,
		Type:           typ,
		Payload:        payload,
		Requirements:   requirements,
		Priority:       priority,
		MaxAttempts:    maxAttempts,
		RetryBackoff:   time.Duration(retryBackoffNS),
		CreatedBy:      principal.Principal{Kind: principal.Kind(createdByKind), ID: createdByID},
		Status:         Status(status),
		Attempt:        attempt,
		NextEligibleAt: nextEligibleAt,
		StartedAt:      startedAtPtr,
		Result:         result,
		CreatedAt:      createdAt,
	}, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
