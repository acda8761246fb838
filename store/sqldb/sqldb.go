/*
Package sqldb provides a SQL implementation of finance.LedgerStore.

PURPOSE:
  Implements finance.LedgerStore and finance.TxStore on top of sqlx, for two
  drivers that share one set of queries:
    - sqlite3 (github.com/mattn/go-sqlite3): local runs, tests, the demo
    - pgx     (github.com/jackc/pgx/v5/stdlib): production PostgreSQL
  Queries are written with '?' placeholders and rebound per driver.

KEY TABLES:
  cash_balance:        Singleton row (id = 1), guarded by version
  cash_transactions:   Cash log, ordered by seq
  payment_records:     Coffee lots awaiting settlement
  supplier_payments:   Disbursement audit rows
  supplier_advances:   Advances recovered at settlement
  withdrawal_requests: Withdrawal workflow with three approval slots
  wallet_entries:      Append-only per-user wallet

CONSTRAINTS:
  - idx_supplier_payments_reference: unique (reference) WHERE NOT is_duplicate
  - wallet_entries.idempotency_key: unique
  Both back up the checks done in Go, so a race between two writers still
  cannot record a second disbursement or debit.

CONCURRENCY:
  SQLite is opened with a single connection. On PostgreSQL every mutation
  carries its predicate (version, status, empty slot) in the WHERE clause.
  Inside WithTx only the transaction handle is used.

USAGE:
  store, err := sqldb.New(sqldb.DriverSQLite, ":memory:")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - finance/store.go:        Interface definitions and guarded-write contract
  - finance/store/memory.go: In-memory implementation for tests
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const savepointName = "sqldb_atomic"

// Store implements finance.TxStore.
type Store struct {
	*queries
	db *sqlx.DB
}

// queries runs statements against either the pool or an open transaction.
type queries struct {
	ext sqlx.ExtContext
	db  *sqlx.DB
	tx  *sqlx.Tx
}

// New opens the database and migrates the schema.
// For SQLite use ":memory:" for an in-memory database.
func New(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		dsn += "?_foreign_keys=on&_journal_mode=WAL"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	store := NewWithDB(db)
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an already open handle without migrating.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{queries: &queries{ext: db, db: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return finance.Unavailable("ping", err)
	}
	return nil
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(finance.LedgerStore) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return finance.Unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{ext: tx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return finance.Unavailable("commit", err)
	}
	return nil
}

// atomic runs fn in its own transaction, or under a savepoint of the
// current one.
func (q *queries) atomic(ctx context.Context, fn func(*queries) error) error {
	if q.tx != nil {
		return q.savepoint(ctx, fn)
	}
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return finance.Unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{ext: tx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return finance.Unavailable("commit", err)
	}
	return nil
}

// savepoint runs fn inside the open transaction. A failed fn is rolled back
// to the savepoint so the transaction stays usable; PostgreSQL refuses every
// later statement of a transaction whose statement failed.
func (q *queries) savepoint(ctx context.Context, fn func(*queries) error) error {
	if _, err := q.tx.ExecContext(ctx, "SAVEPOINT "+savepointName); err != nil {
		return finance.Unavailable("savepoint", err)
	}
	if err := fn(q); err != nil {
		if _, rbErr := q.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); rbErr != nil {
			return errors.Join(err, finance.Unavailable("rollback to savepoint", rbErr))
		}
		return err
	}
	if _, err := q.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		return finance.Unavailable("release savepoint", err)
	}
	return nil
}

func (q *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *queries) namedExec(ctx context.Context, query string, arg any) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, query, arg)
	return err
}

// exists reports whether table has a row with the given id.
func (q *queries) exists(ctx context.Context, table, id string) (bool, error) {
	var n int
	if err := q.get(ctx, &n, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Reset clears all data and resets the cash singleton (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	return s.atomic(ctx, func(q *queries) error {
		tables := []string{"cash_transactions", "payment_records", "supplier_payments",
			"supplier_advances", "withdrawal_requests", "wallet_entries"}
		for _, table := range tables {
			if _, err := q.exec(ctx, "DELETE FROM "+table); err != nil {
				return finance.Unavailable("reset "+table, err)
			}
		}
		if _, err := q.exec(ctx, `UPDATE cash_balance SET current_balance = ?, updated_by = ?, version = version + 1 WHERE id = 1`,
			"0", "system"); err != nil {
			return finance.Unavailable("reset cash_balance", err)
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// classify maps a driver error to the finance taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return finance.ErrNotFound
	}
	return finance.Unavailable(op, err)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var (
	_ finance.LedgerStore = (*Store)(nil)
	_ finance.TxStore     = (*Store)(nil)
	_ finance.LedgerStore = (*queries)(nil)
)
