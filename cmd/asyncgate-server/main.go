// Command asyncgate-server runs the HTTP facade over TaskEngine: it
// connects to the configured backend (Postgres, or the pure-Go sqlite
// "lite mode" for single-process deployments), starts the lease-expiry
// sweeper in the background, and serves the API until an interrupt.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asyncgate/asyncgate/pkg/config"
	"github.com/asyncgate/asyncgate/pkg/database"
	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/httpapi"
	"github.com/asyncgate/asyncgate/pkg/identity"
	"github.com/asyncgate/asyncgate/pkg/lease"
	"github.com/asyncgate/asyncgate/pkg/ratelimit"
	"github.com/asyncgate/asyncgate/pkg/receipt"
	"github.com/asyncgate/asyncgate/pkg/sweeper"
	"github.com/asyncgate/asyncgate/pkg/task"
	"github.com/asyncgate/asyncgate/pkg/telemetry"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "asyncgate-server:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	log := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.ProfilesDir != "" && cfg.RegionCode != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.RegionCode)
		if err != nil {
			return fmt.Errorf("load deployment profile %q: %w", cfg.RegionCode, err)
		}
		if err := cfg.ApplyProfile(profile); err != nil {
			return fmt.Errorf("apply deployment profile %q: %w", cfg.RegionCode, err)
		}
	}

	db, backend, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	log.Info("asyncgate: connected", "backend", backend, "environment", cfg.Environment)

	tasks, leases, receipts, err := openStores(db, backend)
	if err != nil {
		return fmt.Errorf("init stores: %w", err)
	}

	telem, err := telemetry.New(ctx, telemetry.Config{Environment: string(cfg.Environment), Exporter: cfg.OTLPExporter}, log)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = telem.Shutdown(ctx) }()

	e := engine.New(db, tasks, leases, receipts, engine.Config{
		LeaseLimits: lease.Limits{
			MaxRenewals: cfg.LeaseMaxRenewals,
			MaxLifetime: cfg.LeaseMaxLifetime,
			DefaultTTL:  cfg.LeaseDefaultTTL,
			MaxTTL:      cfg.LeaseMaxTTL,
		},
		StrictLocatability: cfg.StrictLocatability,
	}, log)

	sweep := sweeper.New(
		func(ctx context.Context, fn func(ctx context.Context) error) error {
			return database.WithSavepoint(ctx, db, fn)
		},
		tasks, leases, receipts, sweeper.Config{}, log,
	)
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	sweep.Start(sweepCtx)
	defer sweep.Stop()

	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		return fmt.Errorf("init keyset: %w", err)
	}
	tokenManager := identity.NewTokenManager(keySet)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter, err = openLimiter(cfg)
		if err != nil {
			return fmt.Errorf("init rate limiter: %w", err)
		}
	}

	handler := httpapi.NewRouter(httpapi.NewServer(e), httpapi.Options{
		TokenManager: tokenManager,
		CORS: httpapi.CORSConfig{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowCredentials: cfg.CORSAllowCredentials,
		},
		RateLimiter: limiter,
		RatePolicy:  ratelimit.Policy{RequestsPerMinute: 600, Burst: 100},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("asyncgate: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("asyncgate: server error", "err", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("asyncgate: shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openDatabase(cfg *config.Config) (*sql.DB, database.Backend, error) {
	if cfg.Lite {
		dataDir := "data"
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return nil, 0, fmt.Errorf("create data dir: %w", err)
		}
		db, err := database.Open(database.BackendSQLite, filepath.Join(dataDir, "asyncgate.db"))
		return db, database.BackendSQLite, err
	}
	db, err := database.Open(database.BackendPostgres, cfg.DatabaseURL)
	if err != nil {
		return nil, 0, err
	}
	if err := db.Ping(); err != nil {
		return nil, 0, fmt.Errorf("ping: %w", err)
	}
	return db, database.BackendPostgres, nil
}

func openStores(db *sql.DB, backend database.Backend) (task.Store, lease.Store, receipt.Store, error) {
	if backend == database.BackendSQLite {
		tasks, err := task.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		leases, err := lease.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		receipts, err := receipt.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		return tasks, leases, receipts, nil
	}
	return task.NewPostgresStore(db), lease.NewPostgresStore(db), receipt.NewPostgresStore(db), nil
}

func openLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	if cfg.RateLimitBackend == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return ratelimit.NewRedisLimiter(redis.NewClient(opts)), nil
	}
	return ratelimit.NewMemoryLimiter(), nil
}
