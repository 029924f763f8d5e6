package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/swarm/internal/db/driver"
	swarmerr "github.com/randalmurphal/swarm/internal/errors"
)

// TxRunner provides a transactional execution interface.
// Multi-table operations (claiming a task together with its locks) run
// through this so they commit or roll back as one unit.
type TxRunner interface {
	// RunInTx executes the given function within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	RunInTx(ctx context.Context, fn func(tx *TxOps) error) error
}

// TxOps provides database operations within a transaction.
// The context is stored and used for all operations, enabling cancellation
// and timeout propagation through the entire transaction.
type TxOps struct {
	tx      driver.Tx
	dialect driver.Dialect
	ctx     context.Context
}

// Exec executes a query within the transaction.
func (t *TxOps) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.ctx, rebind(t.dialect, query), args...)
}

// Query executes a query that returns rows within the transaction.
func (t *TxOps) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(t.ctx, rebind(t.dialect, query), args...)
}

// QueryRow executes a query that returns at most one row within the transaction.
func (t *TxOps) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.ctx, rebind(t.dialect, query), args...)
}

// Context returns the context associated with this transaction.
func (t *TxOps) Context() context.Context {
	return t.ctx
}

// Dialect returns the database dialect.
func (t *TxOps) Dialect() driver.Dialect {
	return t.dialect
}

// Store provides operations on the swarm coordination store.
type Store struct {
	*DB
}

// OpenStore opens the coordination store at the given path using SQLite
// and applies pending migrations.
func OpenStore(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("swarm"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{DB: db}, nil
}

// OpenStoreWithDialect opens the coordination store with a specific dialect.
// For SQLite, dsn is the file path. For PostgreSQL, dsn is the connection string.
func OpenStoreWithDialect(dsn string, dialect driver.Dialect) (*Store, error) {
	db, err := OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("swarm"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{DB: db}, nil
}

// OpenStoreInMemory opens an in-memory coordination store. Test use only.
func OpenStoreInMemory() (*Store, error) {
	db, err := OpenInMemory()
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("swarm"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{DB: db}, nil
}

// ExecContext executes a query, rebinding placeholders for the active dialect.
func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.DB.ExecContext(ctx, rebind(s.Dialect(), query), args...)
}

// QueryContext executes a query that returns rows, rebinding placeholders
// for the active dialect.
func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.DB.QueryContext(ctx, rebind(s.Dialect(), query), args...)
}

// QueryRowContext executes a query that returns at most one row, rebinding
// placeholders for the active dialect.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.DB.QueryRowContext(ctx, rebind(s.Dialect(), query), args...)
}

// RunInTx executes the given function within a database transaction.
// If fn returns an error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txOps := &TxOps{
		tx:      tx,
		dialect: s.Dialect(),
		ctx:     ctx,
	}

	if err := fn(txOps); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL. Queries are
// written with ? throughout; SQLite takes them as-is.
func rebind(dialect driver.Dialect, query string) string {
	if dialect != driver.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// nowUTC returns the current time formatted for TEXT timestamp columns.
// Whole-second RFC3339 in UTC is fixed-width, so lexicographic comparison
// in SQL matches chronological order.
func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// formatTime formats a time for TEXT timestamp columns.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a stored TEXT timestamp. Returns the zero time for "".
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// marshalStrings encodes a string slice as a JSON array for TEXT columns.
// nil encodes as the empty array.
func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// unmarshalStrings decodes a JSON array TEXT column into a string slice.
func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(s), &ss); err != nil {
		return nil
	}
	return ss
}

// isBusyErr reports whether err is SQLite write contention. Callers on the
// claim path map it to a retryable store-busy error instead of failing the
// task.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// mapBusy converts SQLite contention into a retryable store-busy error,
// passing other errors through.
func mapBusy(op string, err error) error {
	if err == nil {
		return nil
	}
	if isBusyErr(err) {
		return swarmerr.ErrStoreBusy(op).WithCause(err)
	}
	return err
}
