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
	"github.com/lib/pq"
)

// PostgresStore is the durable lease store. ClaimNext uses FOR UPDATE
// SKIP LOCKED over the shared tasks table so concurrent claimers don't
// serialize on each other, per spec §4.3.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgLeaseSchema = `
CREATE TABLE IF NOT EXISTS leases (
	tenant_id     UUID NOT NULL,
	lease_id      UUID NOT NULL,
	task_id       UUID NOT NULL,
	worker_id     TEXT NOT NULL,
	acquired_at   TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	renewal_count INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, lease_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_leases_task ON leases (tenant_id, task_id);
CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases (expires_at);

ALTER TABLE leases ENABLE ROW LEVEL SECURITY;
DO $$
BEGIN
    IF NOT EXISTS (SELECT 1 FROM pg_policies WHERE tablename = 'leases' AND policyname = 'tenant_isolation') THEN
        CREATE POLICY tenant_isolation ON leases
        USING (tenant_id = current_setting('app.current_tenant', true)::uuid);
    END IF;
END
$$;
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgLeaseSchema)
	return err
}

func (s *PostgresStore) ClaimNext(ctx context.Context, tenantID uuid.UUID, workerID string, capabilities map[string]bool, workerVersion string, maxTasks int, ttl time.Duration, now time.Time) ([]Claimed, error) {
	var claimed []Claimed
	err := database.WithSavepoint(ctx, s.db, func(ctx context.Context) error {
		exec := database.Exec(ctx, s.db)

		fetchLimit := maxTasks*8 + 20
		rows, err := exec.QueryContext(ctx, `
			SELECT task_id, requirements FROM tasks
			WHERE tenant_id = $1 AND status = 'queued' AND next_eligible_at <= $2
			ORDER BY priority DESC, created_at ASC, task_id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED`, tenantID, now, fetchLimit)
		if err != nil {
			return apierr.Internal(err)
		}

		type candidate struct {
			taskID  uuid.UUID
			reqJSON []byte
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

		var matchedIDs, unmatchedIDs []uuid.UUID
		var matchedLeases []Lease
		for _, c := range candidates {
			var req task.Requirements
			if err := json.Unmarshal(c.reqJSON, &req); err != nil {
				return apierr.Internal(err)
			}
			if len(matchedIDs) < maxTasks && req.Satisfies(capabilities, workerVersion) {
				matchedIDs = append(matchedIDs, c.taskID)
				matchedLeases = append(matchedLeases, Lease{
					TenantID:   tenantID,
					LeaseID:    uuid.New(),
					TaskID:     c.taskID,
					WorkerID:   workerID,
					AcquiredAt: now,
					ExpiresAt:  now.Add(ttl),
				})
			} else {
				unmatchedIDs = append(unmatchedIDs, c.taskID)
			}
		}

		// Drop the row locks on candidates that didn't match so other
		// workers can claim them without waiting for this transaction
		// to commit — an in-transaction no-op update releases the lock
		// early, per spec §4.3.
		if len(unmatchedIDs) > 0 {
			if _, err := exec.ExecContext(ctx, `
				UPDATE tasks SET priority = priority WHERE tenant_id = $1 AND task_id = ANY($2)`,
				tenantID, pq.Array(uuidsToStringsPG(unmatchedIDs))); err != nil {
				return apierr.Internal(err)
			}
		}

		for i, taskID := range matchedIDs {
			res, err := exec.ExecContext(ctx, `
				UPDATE tasks SET status = 'leased' WHERE tenant_id = $1 AND task_id = $2 AND status = 'queued'`,
				tenantID, taskID)
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

			l := matchedLeases[i]
			if _, err := exec.ExecContext(ctx, `
				INSERT INTO leases (tenant_id, lease_id, task_id, worker_id, acquired_at, expires_at, renewal_count)
				VALUES ($1, $2, $3, $4, $5, $6, 0)`,
				l.TenantID, l.LeaseID, l.TaskID, l.WorkerID, l.AcquiredAt, l.ExpiresAt); err != nil {
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

func (s *PostgresStore) Validate(ctx context.Context, tenantID, taskID, leaseID uuid.UUID, workerID string, now time.Time) (Lease, bool, error) {
	row := database.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT lease_id, task_id, worker_id, acquired_at, expires_at, renewal_count
		FROM leases WHERE tenant_id = $1 AND task_id = $2 AND lease_id = $3`,
		tenantID, taskID, leaseID)
	l, err := scanLeasePG(row, tenantID)
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

func (s *PostgresStore) Renew(ctx context.Context, tenantID, taskID, leaseID uuid.UUID, workerID string, extendBy time.Duration, limits Limits, now time.Time) (Lease, error) {
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
		UPDATE leases SET expires_at = $1, renewal_count = renewal_count + 1
		WHERE tenant_id = $2 AND lease_id = $3 AND expires_at > $4`,
		newExpiry, tenantID, leaseID, now)
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

func (s *PostgresStore) Release(ctx context.Context, tenantID, taskID uuid.UUID) error {
	_, err := database.Exec(ctx, s.db).ExecContext(ctx, `DELETE FROM leases WHERE tenant_id = $1 AND task_id = $2`,
		tenantID, taskID)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

func (s *PostgresStore) GetExpired(ctx context.Context, now time.Time, limit int) ([]Lease, error) {
	rows, err := database.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT lease_id, task_id, worker_id, acquired_at, expires_at, renewal_count, tenant_id
		FROM leases WHERE expires_at <= $1 ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Lease
	for rows.Next() {
		var (
			leaseID, taskID, tenantID uuid.UUID
			workerID                  string
			acquiredAt, expiresAt     time.Time
			renewalCount              int
		)
		if err := rows.Scan(&leaseID, &taskID, &workerID, &acquiredAt, &expiresAt, &renewalCount, &tenantID); err != nil {
			return nil, apierr.Internal(err)
		}
		out = append(out, Lease{
			TenantID: tenantID, LeaseID: leaseID, TaskID: taskID, WorkerID: workerID,
			AcquiredAt: acquiredAt, ExpiresAt: expiresAt, RenewalCount: renewalCount,
		})
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, tenantID, leaseID uuid.UUID, now time.Time) (bool, error) {
	res, err := database.Exec(ctx, s.db).ExecContext(ctx, `
		DELETE FROM leases WHERE tenant_id = $1 AND lease_id = $2 AND expires_at <= $3`,
		tenantID, leaseID, now)
	if err != nil {
		return false, apierr.Internal(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apierr.Internal(err)
	}
	return affected > 0, nil
}

func scanLeasePG(row scanner, tenantID uuid.UUID) (Lease, error) {
	var (
		leaseID, taskID       uuid.UUID
		workerID              string
		acquiredAt, expiresAt time.Time
		renewalCount          int
	)
	if err := row.Scan(&leaseID, &taskID, &workerID, &acquiredAt, &expiresAt, &renewalCount); err != nil {
		return Lease{}, err
	}
	return Lease{
		TenantID: tenantID, LeaseID: leaseID, TaskID: taskID, WorkerID: workerID,
		AcquiredAt: acquiredAt, ExpiresAt: expiresAt, RenewalCount: renewalCount,
	}, nil
}

func uuidsToStringsPG(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
