// Package sqlite implements the SQLite storage backend on modernc.org/sqlite
// (pure Go, no cgo). SQLite has no bulk-load API like Postgres COPY, so bulk
// paths use prepared INSERTs inside one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"koboetl/internal/storage"
)

// defaultPragmas are appended to DSNs that do not configure them explicitly.
var defaultPragmas = []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}

// NewRepository opens a SQLite database for cfg.DSN and returns it wrapped
// with the SQLite dialect.
//
// DSN is a file path or URI, for example:
//
//	"kobo.db"
//	"file:kobo.db?_pragma=journal_mode(WAL)"
//
// Foreign keys and a busy timeout are enabled unless the DSN sets them.
// The pool is limited to one connection: SQLite serializes writers anyway
// and ":memory:" databases are private to a connection.
func NewRepository(ctx context.Context, cfg storage.Config) (*storage.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}

	db, err := sql.Open("sqlite", withPragmas(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return storage.NewDB(db, Dialect{}, nil), nil
}

func withPragmas(dsn string) string {
	var add []string
	for _, p := range defaultPragmas {
		key := p[:strings.Index(p, "(")]
		if !strings.Contains(dsn, key) {
			add = append(add, p)
		}
	}
	if len(add) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(add, "&")
}
