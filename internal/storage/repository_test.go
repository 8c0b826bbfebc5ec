package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"koboetl/internal/storage"
	"koboetl/internal/storage/sqlite"
)

func openSQLite(tb testing.TB) *storage.DB {
	tb.Helper()
	db, err := storage.Open(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(tb.TempDir(), "s.db")})
	if err != nil {
		tb.Fatalf("Open: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return db
}

var _ = sqlite.Dialect{}

func TestOpen_UnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := storage.Open(context.Background(), storage.Config{Kind: "nope"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()

	pg := fakeDialect{ph: func(n int) string { return "$" + string(rune('0'+n)) }}
	got := storage.Rebind(pg, "SELECT * FROM t WHERE a = ? AND b = '?' AND c = ?")
	if want := "SELECT * FROM t WHERE a = $1 AND b = '?' AND c = $2"; got != want {
		t.Fatalf("Rebind = %q, want %q", got, want)
	}
	if got := storage.Rebind(sqlite.Dialect{}, "a = ?"); got != "a = ?" {
		t.Fatalf("sqlite Rebind changed query: %q", got)
	}
}

func TestColumnsAndApplyDDL(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	ctx := context.Background()

	if _, exists, err := db.Columns(ctx, nil, "people"); err != nil || exists {
		t.Fatalf("Columns on missing table: exists=%v err=%v", exists, err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS "people" ("id" TEXT NOT NULL, PRIMARY KEY ("id"))`,
		`ALTER TABLE "people" ADD COLUMN "age" INTEGER`,
	}
	applied, err := storage.ApplyDDL(ctx, db, "people", stmts)
	if err != nil {
		t.Fatalf("ApplyDDL: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied %d statements, want 2", len(applied))
	}

	cols, exists, err := db.Columns(ctx, nil, "people")
	if err != nil || !exists {
		t.Fatalf("Columns: exists=%v err=%v", exists, err)
	}
	if !cols["id"] || !cols["age"] {
		t.Fatalf("unexpected columns %v", cols)
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+storage.MigrationsTable).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 2 {
		t.Fatalf("recorded %d migrations, want 2", n)
	}
}

func TestApplyDDL_FallsBackToDirectStatements(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `CREATE TABLE "t" ("id" TEXT, "a" TEXT)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Column "a" already exists: the transactional path fails and the direct
	// path tolerates the duplicate while still adding "b".
	applied, err := storage.ApplyDDL(ctx, db, "t", []string{
		`ALTER TABLE "t" ADD COLUMN "a" TEXT`,
		`ALTER TABLE "t" ADD COLUMN "b" TEXT`,
	})
	if err != nil {
		t.Fatalf("ApplyDDL: %v", err)
	}
	if len(applied) != 1 || applied[0] != `ALTER TABLE "t" ADD COLUMN "b" TEXT` {
		t.Fatalf("applied = %v", applied)
	}
	cols, _, _ := db.Columns(ctx, nil, "t")
	if !cols["b"] {
		t.Fatalf("column b missing: %v", cols)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE t (v INTEGER)`); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO t (v) VALUES (1)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx err = %v, want boom", err)
	}
	var n int
	_ = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&n)
	if n != 0 {
		t.Fatalf("rows after rollback = %d, want 0", n)
	}
}

func TestCopyFrom_PreludeAndRows(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	ctx := context.Background()

	n, err := db.CopyFrom(ctx, []string{
		`DROP TABLE IF EXISTS "mv"`,
		`CREATE TABLE "mv" ("region" TEXT, "sick__sum" REAL)`,
	}, "mv", []string{"region", "sick__sum"}, [][]any{{"A", 8.0}, {"B", 2.0}})
	if err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted %d, want 2", n)
	}

	if _, err := db.CopyFrom(ctx, nil, "mv", []string{"region"}, [][]any{{"A", 1}}); err == nil {
		t.Fatalf("expected row width error")
	}
	var count int
	_ = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "mv"`).Scan(&count)
	if count != 2 {
		t.Fatalf("failed CopyFrom must not leave rows behind, got %d", count)
	}
}

func TestIsAlreadyExists(t *testing.T) {
	t.Parallel()

	if !storage.IsAlreadyExists(errors.New(`table "x" already exists`)) {
		t.Fatalf("expected true")
	}
	if !storage.IsAlreadyExists(errors.New("Error 1060: Duplicate column name 'a'")) {
		t.Fatalf("expected true for mysql duplicate column")
	}
	if storage.IsAlreadyExists(errors.New("syntax error")) || storage.IsAlreadyExists(nil) {
		t.Fatalf("expected false")
	}
}
