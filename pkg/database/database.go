// Package database bootstraps the two supported backends (Postgres,
// SQLite "lite mode") and provides the savepoint-scoped unit-of-work that
// pkg/engine uses to make a task transition, a lease mutation, and a
// receipt emission commit or roll back together.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Backend names the SQL dialect in play, for the handful of places
// (placeholder style, SKIP LOCKED availability) where the two diverge.
type Backend int

const (
	BackendPostgres Backend = iota
	BackendSQLite
)

// Open connects to dsn using the driver named by backend ("postgres" or
// "sqlite"). For sqlite, dsn is typically a file path or ":memory:".
func Open(backend Backend, dsn string) (*sql.DB, error) {
	switch backend {
	case BackendPostgres:
		return sql.Open("postgres", dsn)
	case BackendSQLite:
		return sql.Open("sqlite", dsn)
	default:
		return nil, fmt.Errorf("database: unknown backend %d", backend)
	}
}

// Executor is the common subset of *sql.DB, *sql.Tx, and a nested
// savepoint scope that store implementations depend on. Stores call
// Exec(ctx, s.db) instead of touching s.db directly so that an engine
// operation can run several store calls inside one transaction.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// Exec returns the transaction active on ctx, if pkg/engine opened one
// with WithSavepoint, or db itself otherwise. Every store method that
// touches the database should read its executor through this function
// rather than closing over s.db.
func Exec(ctx context.Context, db *sql.DB) Executor {
	if tx, ok := ctx.Value(txKey{}).(Executor); ok {
		return tx
	}
	return db
}

var savepointSeq atomic.Uint64

// WithSavepoint runs fn inside an atomic unit of work. The first call on a
// bare context opens a real transaction; a call nested inside one (ctx
// already carries a transaction from an enclosing WithSavepoint) instead
// opens a SQL SAVEPOINT, so a failure in an inner block only rolls back
// that block's writes, not the whole outer transaction. Both backends
// understand SAVEPOINT / RELEASE SAVEPOINT / ROLLBACK TO SAVEPOINT.
func WithSavepoint(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	if _, nested := ctx.Value(txKey{}).(Executor); nested {
		return withNestedSavepoint(ctx, db, fn)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin: %w", err)
	}

	scoped := context.WithValue(ctx, txKey{}, Executor(tx))
	if err := fn(scoped); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("database: commit: %w", err)
	}
	return nil
}

func withNestedSavepoint(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	tx := Exec(ctx, db)
	name := fmt.Sprintf("sp_%d", savepointSeq.Add(1))

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("database: savepoint: %w", err)
	}
	if err := fn(ctx); err != nil {
		_, _ = tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("database: release savepoint: %w", err)
	}
	return nil
}
