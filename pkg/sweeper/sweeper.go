// Package sweeper implements LeaseSweeper, the recurring background task
// that reclaims expired leases: it returns their tasks to the queue
// without consuming a retry attempt and records a lease.expired receipt,
// per spec §4.6.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/lease"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/receipt"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/asyncgate/asyncgate/pkg/termination"
)

// Config tunes the sweeper's poll cadence and batch size.
type Config struct {
	Interval  time.Duration
	BatchSize int
	// InstanceID identifies this sweeper node in its log lines and in the
	// swept_by field of the lease.expired receipts it writes; no test
	// checks that ids differ across instances. It does not gate which
	// leases this instance may sweep — the expires_at <= now predicate
	// plus row-level locking during the atomic update already serializes
	// contention across instances, per spec §4.6.
	InstanceID string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.InstanceID == "" {
		c.InstanceID = "sweeper-0"
	}
	return c
}

// Sweeper runs the recurring expiry sweep in its own goroutine.
type Sweeper struct {
	tasks    task.Store
	leases   lease.Store
	receipts receipt.Store
	cfg      Config
	log      *slog.Logger

	withSavepoint func(ctx context.Context, fn func(ctx context.Context) error) error

	stop chan struct{}
	done chan struct{}
}

// New builds a Sweeper. withSavepoint is a closure over the shared *sql.DB
// (typically `func(ctx, fn) error { return database.WithSavepoint(ctx, db, fn) }`)
// so this package does not need to import database.Open's concrete type
// beyond what pkg/database already exposes.
func New(withSavepoint func(ctx context.Context, fn func(ctx context.Context) error) error, tasks task.Store, leases lease.Store, receipts receipt.Store, cfg Config, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		withSavepoint: withSavepoint,
		tasks:         tasks,
		leases:        leases,
		receipts:      receipts,
		cfg:           cfg.withDefaults(),
		log:           log,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start begins the sweep loop. It returns immediately; the loop runs
// until ctx is canceled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop signals the loop to exit and blocks until it has.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepAt(ctx, time.Now().UTC())
		}
	}
}

// SweepOnce runs a single batch of the sweep against the current time:
// fetch expired leases, then reclaim each one independently so a single
// poisonous lease can't halt the rest of the batch.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	return s.sweepAt(ctx, time.Now().UTC())
}

func (s *Sweeper) sweepAt(ctx context.Context, now time.Time) int {
	expired, err := s.leases.GetExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.ErrorContext(ctx, "sweeper: failed to list expired leases", "instance", s.cfg.InstanceID, "err", err)
		return 0
	}

	swept := 0
	for _, l := range expired {
		if err := s.reclaim(ctx, l, now); err != nil {
			code, _ := apierr.CodeOf(err)
			s.log.ErrorContext(ctx, "sweeper: failed to reclaim lease", "instance", s.cfg.InstanceID,
				"lease_id", l.LeaseID, "task_id", l.TaskID, "code", code, "err", err)
			continue
		}
		swept++
	}
	return swept
}

func (s *Sweeper) reclaim(ctx context.Context, l lease.Lease, now time.Time) error {
	return s.withSavepoint(ctx, func(ctx context.Context) error {
		deleted, err := s.leases.DeleteExpired(ctx, l.TenantID, l.LeaseID, now)
		if err != nil {
			return err
		}
		if !deleted {
			// Renewed or released between GetExpired's read and this
			// transaction; nothing to do.
			return nil
		}

		t, applied, err := s.tasks.RequeueOnExpiry(ctx, l.TenantID, l.TaskID, now)
		if err != nil {
			return err
		}
		if !applied {
			// The task reached a terminal status (completed, failed,
			// canceled) between the lease expiring and this sweep
			// committing; the lease is gone, but the task's outcome
			// stands and must not be overwritten.
			return nil
		}

		leaseID := l.LeaseID
		_, err = s.receipts.Create(ctx, l.TenantID, receipt.Spec{
			ReceiptType: termination.LeaseExpired,
			From:        principal.System,
			To:          t.CreatedBy,
			TaskID:      &l.TaskID,
			LeaseID:     &leaseID,
			Body: receipt.Body{
				"worker_id":     l.WorkerID,
				"acquired_at":   l.AcquiredAt,
				"expired_at":    l.ExpiresAt,
				"renewal_count": l.RenewalCount,
				"swept_by":      s.cfg.InstanceID,
			},
		})
		return err
	})
}
