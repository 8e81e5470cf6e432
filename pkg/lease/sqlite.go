package lease

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/database"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the pure-Go "lite mode" lease store. It shares the tasks
// table with pkg/task — claiming moves a task row to leased in the same
// local transaction that inserts the lease row, which is SQLite's only
// form of the row-locking discipline the Postgres backend gets from
// FOR UPDATE SKIP LOCKED: SQLite serializes writers at the connection
// level, so a plain SELECT-then-UPDATE inside one transaction is already
// exclusive.
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
CREATE TABLE IF NOT EXISTS leases (
	tenant_id     TEXT NOT NULL,
	lease_id      TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	worker_id     TEXT NOT NULL,
	acquired_at   TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	renewal_count INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, lease_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_leases_task ON leases (tenant_id, task_id);
CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases (expires_at);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, tenantID uuid.UUID, workerID string, capabilities map[string]bool, workerVersion string, maxTasks int, ttl time.Duration, now time.Time) ([]Claimed, error) {
	var claimed []Claimed
	err := database.WithSavepoint(ctx, s.db, func(ctx context.Context) error {
		exec := database.Exec(ctx, s.db)

		rows, err := exec.QueryContext(ctx, `
			SELECT task_id, requirements_json FROM tasks
			WHERE tenant_id = ? AND status = 'queued' AND next_eligible_at <= ?
			ORDER BY priority DESC, created_at ASC, task_id ASC
			LIMIT ?`, tenantID.String(), now.Format(time.RFC3339Nano), maxTasks*8+20)
		if err != nil {
			return apierr.Internal(err)
		}

		type candidate struct {
			taskID  string
			reqJSON string
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.taskID, &c.reqJSON); err != nil {
				_ = rows.Close()
				return apierr.Internal(err)
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return apierr.Internal(err)
		}
		_ = rows.Close()

		for _, c := range candidates {
			if len(claimed) >= maxTasks {
				break
			}
			var req task.Requirements
			if err := json.Unmarshal([]byte(c.reqJSON), &req); err != nil {
				return apierr.Internal(err)
			}
			if !req.Satisfies(capabilities, workerVersion) {
				continue
			}

			taskID, err := uuid.Parse(c.taskID)
			if err != nil {
				return apierr.Internal(err)
			}

			res, err := exec.ExecContext(ctx, `UPDATE tasks SET status = 'leased' WHERE tenant_id = ? AND task_id = ? AND status = 'queued'`,
				tenantID.String(), c.taskID)
			if err != nil {
				return apierr.Internal(err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return apierr.Internal(err)
			}
			if affected == 0 {
				continue
			}

			l := Lease{
				TenantID:   tenantID,
				LeaseID:    uuid.New(),
				TaskID:     taskID,
				WorkerID:   workerID,
				AcquiredAt: now,
				ExpiresAt:  now.Add(ttl),
			}
			if _, err := exec.ExecContext(ctx, `
				INSERT INTO leases (tenant_id, lease_id, task_id, worker_id, acquired_at, expires_at, renewal_count)
				VALUES (?, ?, ?, ?, ?, ?, 0)`,
				l.TenantID.String(), l.LeaseID.String(), l.TaskID.String(), l.WorkerID,
				l.AcquiredAt.Format(time.RFC3339Nano), l.ExpiresAt.Format(time.RFC3339Nano)); err != nil {
				return apierr.Internal(err)
			}
			claimed = append(claimed, Claimed{TaskID: taskID, Lease: l})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) Validate(ctx context.Context, tenantID, taskID, leaseID uuid.UUID, workerID string, now time.Time) (Lease, bool, error) {
	row := database.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT lease_id, task_id, worker_id, acquired_at, expires_at, renewal_count
		FROM leases WHERE tenant_id = ? AND task_id = ? AND lease_id = ?`,
		tenantID.String(), taskID.String(), leaseID.String())
	l, err := scanLeaseSQLite(row, tenantID)
	if err == sql.ErrNoRows {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, apierr.Internal(err)
	}
	if !l.IsValid(workerID, now) {
		return Lease{}, false, nil
	}
	return l, true, nil
}

func (s *SQLiteStore) Renew(ctx context.Context, tenantID, taskID, leaseID uuid.UUID, workerID string, extendBy time.Duration, limits Limits, now time.Time) (Lease, error) {
	existing, ok, err := s.Validate(ctx, tenantID, taskID, leaseID, workerID, now)
	if err != nil {
		return Lease{}, err
	}
	if !ok {
		return Lease{}, apierr.LeaseInvalidOrExpired(leaseID.String())
	}
	if existing.RenewalCount+1 > limits.MaxRenewals {
		return Lease{}, apierr.RenewalLimitExceeded(leaseID.String())
	}
	if now.Sub(existing.AcquiredAt)+extendBy > limits.MaxLifetime {
		return Lease{}, apierr.LifetimeExceeded(leaseID.String())
	}

	newExpiry := now.Add(extendBy)
	res, err := database.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE leases SET expires_at = ?, renewal_count = renewal_count + 1
		WHERE tenant_id = ? AND lease_id = ? AND expires_at > ?`,
		newExpiry.Format(time.RFC3339Nano), tenantID.String(), leaseID.String(), now.Format(time.RFC3339Nano))
	if err != nil {
		return Lease{}, apierr.Internal(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Lease{}, apierr.Internal(err)
	}
	if affected == 0 {
		return Lease{}, apierr.LeaseInvalidOrExpired(leaseID.String())
	}

	existing.ExpiresAt = newExpiry
	existing.RenewalCount++
	return existing, nil
}

func (s *SQLiteStore) Release(ctx context.Context, tenantID, taskID uuid.UUID) error {
	_, err := database.Exec(ctx, s.db).ExecContext(ctx, `DELETE FROM leases WHERE tenant_id = ? AND task_id = ?`,
		tenantID.String(), taskID.String())
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

func (s *SQLiteStore) GetExpired(ctx context.Context, now time.Time, limit int) ([]Lease, error) {
	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT lease_id, task_id, worker_id, acquired_at, expires_at, renewal_count, tenant_id
		FROM leases WHERE expires_at <= ? ORDER BY expires_at ASC LIMIT ?`,
		now.Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Lease
	for rows.Next() {
		var (
			leaseID, taskID, workerID, acquiredAt, expiresAt, tenantIDStr string
			renewalCount                                                 int
		)
		if err := rows.Scan(&leaseID, &taskID, &workerID, &acquiredAt, &expiresAt, &renewalCount, &tenantIDStr); err != nil {
			return nil, apierr.Internal(err)
		}
		l, err := buildLease(tenantIDStr, leaseID, taskID, workerID, acquiredAt, expiresAt, renewalCount)
		if err != nil {
			return nil, apierr.Internal(err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, tenantID, leaseID uuid.UUID, now time.Time) (bool, error) {
	res, err := database.Exec(ctx, s.db).ExecContext(ctx, `
		DELETE FROM leases WHERE tenant_id = ? AND lease_id = ? AND expires_at <= ?`,
		tenantID.String(), leaseID.String(), now.Format(time.RFC3339Nano))
	if err != nil {
		return false, apierr.Internal(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apierr.Internal(err)
	}
	return affected > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLeaseSQLite(row scanner, tenantID uuid.UUID) (Lease, error) {
	var (
		leaseID, taskID, workerID, acquiredAt, expiresAt string
		renewalCount                                     int
	)
	if err := row.Scan(&leaseID, &taskID, &workerID, &acquiredAt, &expiresAt, &renewalCount); err != nil {
		return Lease{}, err
	}
	return buildLease(tenantID.String(), leaseID, taskID, workerID, acquiredAt, expiresAt, renewalCount)
}

func buildLease(tenantIDStr, leaseIDStr, taskIDStr, workerID, acquiredAtStr, expiresAtStr string, renewalCount int) (Lease, error) {
	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		return Lease{}, err
	}
	leaseID, err := uuid.Parse(leaseIDStr)
	if err != nil {
		return Lease{}, err
	}
	taskID, err := uuid.Parse(taskIDStr)
	if err != nil {
		return Lease{}, err
	}
	acquiredAt, err := time.Parse(time.RFC3339Nano, acquiredAtStr)
	if err != nil {
		return Lease{}, err
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, expiresAtStr)
	if err != nil {
		return Lease{}, err
	}
	return Lease{
		TenantID:     tenantID,
		LeaseID:      leaseID,
		TaskID:       taskID,
		WorkerID:     workerID,
		AcquiredAt:   acquiredAt,
		ExpiresAt:    expiresAt,
		RenewalCount: renewalCount,
	}, nil
}
