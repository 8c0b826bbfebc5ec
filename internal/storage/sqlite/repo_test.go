package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"koboetl/internal/storage"
)

func newTestDB(tb testing.TB) *storage.DB {
	tb.Helper()
	db, err := NewRepository(context.Background(), storage.Config{DSN: filepath.Join(tb.TempDir(), "t.db")})
	if err != nil {
		tb.Fatalf("NewRepository: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewRepository_EmptyDSN(t *testing.T) {
	t.Parallel()

	if _, err := NewRepository(context.Background(), storage.Config{}); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestWithPragmas(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "a.db", want: "a.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"},
		{in: "file:a.db?mode=rwc", want: "file:a.db?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"},
		{in: "a.db?_pragma=foreign_keys(0)", want: "a.db?_pragma=foreign_keys(0)&_pragma=busy_timeout(5000)"},
	}
	for _, tt := range tests {
		if got := withPragmas(tt.in); got != tt.want {
			t.Fatalf("withPragmas(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	var on int
	if err := db.QueryRowContext(context.Background(), "PRAGMA foreign_keys").Scan(&on); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if on != 1 {
		t.Fatalf("foreign_keys = %d, want 1", on)
	}
}

func TestDialectJSONExtraction(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	d := Dialect{}

	var region string
	var sick float64
	q := "SELECT " + d.JSONText("'{\"region\":\"A\"}'", "region") + ", " + d.JSONNumber("'{\"sick\":5}'", "sick")
	if err := db.QueryRowContext(ctx, q).Scan(&region, &sick); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	if region != "A" || sick != 5 {
		t.Fatalf("got region=%q sick=%v", region, sick)
	}
}

func TestDialectTimeValue(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 1, 31, 10, 20, 30, 0, time.FixedZone("x", 3600))
	d := Dialect{}
	if got := d.TimeValue(ts, true); got != "2025-01-31" {
		t.Fatalf("date value = %v", got)
	}
	if got := d.TimeValue(ts, false); got != "2025-01-31T09:20:30Z" {
		t.Fatalf("datetime value = %v", got)
	}
}
