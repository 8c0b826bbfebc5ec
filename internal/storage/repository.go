// Package storage contains storage-agnostic contracts and utilities: the
// backend registry, the Dialect each backend supplies, and a DB handle that
// couples a *sql.DB to its Dialect.
//
// Backends (sqlite, postgres, mysql, mssql) register a Factory at init time. Callers
// import internal/storage/all for side effects and then call Open with a
// Config naming the backend kind.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"koboetl/internal/ddl"
)

// Config selects and configures a backend.
type Config struct {
	// Kind is the registered backend name, e.g. "sqlite" or "postgres".
	Kind string
	// DSN is passed to the backend driver.
	DSN string
	// MaxOpenConns overrides the backend default when > 0.
	MaxOpenConns int
}

// Dialect hides the SQL differences between backends that the rest of the
// module cares about.
type Dialect interface {
	// Name returns the backend kind.
	Name() string
	// QuoteIdent quotes a single identifier.
	QuoteIdent(ident string) string
	// Placeholder returns the n-th (1-based) bind placeholder.
	Placeholder(n int) string
	// MapType maps a logical type to a column type.
	MapType(kind string, length int) string
	// CreateTableSQL renders an idempotent CREATE TABLE statement.
	CreateTableSQL(t ddl.TableDef) (string, error)
	// AddColumnSQL renders ALTER TABLE ... ADD COLUMN.
	AddColumnSQL(table string, c ddl.ColumnDef) (string, error)
	// CreateIndexSQL renders a CREATE INDEX statement.
	CreateIndexSQL(name, table string, cols []string) string
	// DropTableSQL renders a DROP TABLE IF EXISTS statement.
	DropTableSQL(table string) string
	// JSONText extracts key from the JSON document stored in col as text.
	JSONText(col, key string) string
	// JSONNumber extracts key from the JSON document stored in col as a float.
	JSONNumber(col, key string) string
	// Limit returns the text to place after SELECT and at the end of the
	// statement to cap the result at n rows.
	Limit(n int) (prefix, suffix string)
	// Savepoint statements; Release may return "" when unsupported.
	SavepointSQL(name string) string
	RollbackToSQL(name string) string
	ReleaseSQL(name string) string
	// TimeValue converts a time into the bind value stored for date/datetime
	// columns.
	TimeValue(t time.Time, dateOnly bool) any
}

// CopyFn bulk-loads rows into table in one transaction after running the
// prelude statements (typically DROP/CREATE) inside that same transaction.
type CopyFn func(ctx context.Context, prelude []string, table string, columns []string, rows [][]any) (int64, error)

// DB couples a database handle with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect

	// copyFn overrides the generic prepared-INSERT bulk path.
	copyFn CopyFn
}

// NewDB wraps an open *sql.DB. copyFn may be nil.
func NewDB(db *sql.DB, d Dialect, copyFn CopyFn) *DB {
	return &DB{DB: db, Dialect: d, copyFn: copyFn}
}

// Kind returns the backend kind.
func (db *DB) Kind() string { return db.Dialect.Name() }

// Q quotes a possibly dotted identifier with the backend's rules.
func (db *DB) Q(fqn string) string { return ddl.QuoteFQN(db.Dialect.QuoteIdent, fqn) }

// Rebind rewrites '?' placeholders into the backend's placeholder style.
func (db *DB) Rebind(query string) string { return Rebind(db.Dialect, query) }

// Factory opens a backend.
type Factory func(ctx context.Context, cfg Config) (*DB, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) the factory for kind. It is typically
// called from backend init functions.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[strings.ToLower(kind)] = f
}

// Kinds lists registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open constructs a DB for cfg.Kind.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	mu.RLock()
	f, ok := factories[strings.ToLower(strings.TrimSpace(cfg.Kind))]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown kind %q (registered: %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	return f(ctx, cfg)
}

// WithTx runs fn inside a transaction, committing on success and rolling back
// on error or panic.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// CopyFrom runs prelude and inserts rows into table in a single transaction.
// Backends with a native bulk path (Postgres COPY) install their own CopyFn.
func (db *DB) CopyFrom(ctx context.Context, prelude []string, table string, columns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("storage: CopyFrom: columns must not be empty")
	}
	if db.copyFn != nil {
		return db.copyFn(ctx, prelude, table, columns, rows)
	}

	var inserted int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range prelude {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("storage: prelude: %w", err)
			}
		}
		if len(rows) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, db.InsertSQL(table, columns))
		if err != nil {
			return fmt.Errorf("storage: prepare insert: %w", err)
		}
		defer stmt.Close()
		for _, row := range rows {
			if len(row) != len(columns) {
				return fmt.Errorf("storage: CopyFrom: row length %d != columns length %d", len(row), len(columns))
			}
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("storage: insert: %w", err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// InsertSQL renders INSERT INTO table (cols) VALUES (placeholders).
func (db *DB) InsertSQL(table string, columns []string) string {
	cols := make([]string, len(columns))
	ph := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = db.Dialect.QuoteIdent(c)
		ph[i] = db.Dialect.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", db.Q(table), strings.Join(cols, ", "), strings.Join(ph, ", "))
}

// Columns returns the live column names of table and whether the table
// exists. It relies only on result-set metadata so it works on every backend.
func (db *DB) Columns(ctx context.Context, q Querier, table string) (map[string]bool, bool, error) {
	if q == nil {
		q = db.DB
	}
	prefix, suffix := db.Dialect.Limit(0)
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT %s* FROM %s WHERE 1 = 0%s", prefix, db.Q(table), suffix))
	if err != nil {
		if isMissingTable(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: columns of %s: %w", table, err)
	}
	defer rows.Close()
	names, err := rows.Columns()
	if err != nil {
		return nil, true, fmt.Errorf("storage: columns of %s: %w", table, err)
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[strings.ToLower(n)] = true
	}
	return out, true, rows.Err()
}

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func isMissingTable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"no such table",       // sqlite
		"does not exist",      // postgres
		"doesn't exist",       // mysql
		"invalid object name", // mssql
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsAlreadyExists reports whether err signals that an object or column being
// created is already present.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"already exists",
		"duplicate column",
		"there is already an object",
		"column names in each table must be unique",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
