package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"

	"koboetl/internal/ddl"
)

// MigrationsTable records every DDL statement applied through ApplyDDL.
const MigrationsTable = "kobo_schema_migrations"

// MigrationID returns the stable identifier of a DDL statement within scope.
func MigrationID(scope, stmt string) string {
	return strconv.FormatUint(xxh3.HashString(scope+"\x00"+stmt), 16)
}

// EnsureMigrationsTable creates the bookkeeping table when missing.
func EnsureMigrationsTable(ctx context.Context, db *DB) error {
	d := db.Dialect
	stmt, err := d.CreateTableSQL(ddl.Resolve(ddl.TableDef{
		FQN: MigrationsTable,
		Columns: []ddl.ColumnDef{
			{Name: "id", Type: "string", Length: 32, PrimaryKey: true},
			{Name: "scope", Type: "string", Length: 255},
			{Name: "statement", Type: "text"},
			{Name: "applied_at", Type: "string", Length: 40},
		},
	}, d.MapType))
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, stmt); err != nil && !IsAlreadyExists(err) {
		return fmt.Errorf("storage: create %s: %w", MigrationsTable, err)
	}
	return nil
}

// ApplyDDL applies stmts for scope (usually a logical form) and returns the
// statements that were executed.
//
// The statements run in one transaction together with their bookkeeping
// rows. When that path fails (bookkeeping table unusable, backend without
// transactional DDL, partial state left by an earlier crash) each statement
// is issued directly instead; "already exists" failures are tolerated there
// so the physical schema converges on the requested one.
func ApplyDDL(ctx context.Context, db *DB, scope string, stmts []string) ([]string, error) {
	if len(stmts) == 0 {
		return nil, nil
	}

	err := EnsureMigrationsTable(ctx, db)
	if err == nil {
		err = db.WithTx(ctx, func(tx *sql.Tx) error {
			for _, s := range stmts {
				if _, err := tx.ExecContext(ctx, s); err != nil {
					return fmt.Errorf("exec %q: %w", s, err)
				}
				if err := recordMigration(ctx, db, tx, scope, s); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return stmts, nil
		}
	}
	log.Printf("ddl: transactional apply failed, falling back to direct statements scope=%s err=%v", scope, err)

	applied := make([]string, 0, len(stmts))
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			if IsAlreadyExists(err) {
				log.Printf("ddl: skipped existing object scope=%s stmt=%q", scope, s)
				continue
			}
			return applied, fmt.Errorf("storage: apply ddl %q: %w", s, err)
		}
		applied = append(applied, s)
		if err := recordMigration(ctx, db, db.DB, scope, s); err != nil {
			log.Printf("ddl: bookkeeping failed scope=%s err=%v", scope, err)
		}
	}
	return applied, nil
}

func recordMigration(ctx context.Context, db *DB, q Querier, scope, stmt string) error {
	id := MigrationID(scope, stmt)
	var one int
	err := q.QueryRowContext(ctx, db.Rebind("SELECT 1 FROM "+db.Q(MigrationsTable)+" WHERE id = ?"), id).Scan(&one)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("storage: read migration: %w", err)
	}
	_, err = q.ExecContext(ctx,
		db.InsertSQL(MigrationsTable, []string{"id", "scope", "statement", "applied_at"}),
		id, scope, stmt, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: record migration: %w", err)
	}
	return nil
}
