package schema

import (
	"context"
	"path/filepath"
	"testing"

	"koboetl/internal/storage"
	"koboetl/internal/storage/sqlite"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := sqlite.NewRepository(context.Background(), storage.Config{DSN: filepath.Join(t.TempDir(), "kobo.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCatalogEnsureAndExtend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCatalog(openTestDB(t))
	if err := c.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if err := c.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable twice: %v", err)
	}

	c.SetOptions("household", Options{MaxLength: 100})
	ms, err := c.EnsureMappings(ctx, "household", []map[string]any{
		{"district": "Thiès", "n": "12", "kids": []any{map[string]any{"kids/name": "A"}}},
	})
	if err != nil {
		t.Fatalf("EnsureMappings: %v", err)
	}
	if len(ms) != 4 {
		t.Fatalf("expected 4 mappings, got %+v", ms)
	}

	// Existing mappings make EnsureMappings a no-op even for new samples.
	again, err := c.EnsureMappings(ctx, "household", []map[string]any{{"new_field": "x"}})
	if err != nil || len(again) != 4 {
		t.Fatalf("EnsureMappings should be a no-op: %v %+v", err, again)
	}

	all, added, err := c.Extend(ctx, "household", []map[string]any{{"new_field": "x", "n": "oops"}})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if len(added) != 1 || added[0].ExternalPath != "new_field" || len(all) != 5 {
		t.Fatalf("unexpected extension added=%+v all=%d", added, len(all))
	}

	stored, err := c.Mappings(ctx, "household")
	if err != nil {
		t.Fatalf("Mappings: %v", err)
	}
	got := byPath(stored)
	if got["n"].Type != TypeInteger {
		t.Fatalf("existing mapping must keep its type, got %q", got["n"].Type)
	}
	if got["district"].MaxLength != 100 {
		t.Fatalf("MaxLength = %d", got["district"].MaxLength)
	}
	if !got["kids"].IsRepeat || got["kids/name"].RepeatPrefix != "kids" {
		t.Fatalf("repeat mappings not persisted: %+v %+v", got["kids"], got["kids/name"])
	}

	other, err := c.Mappings(ctx, "other")
	if err != nil || len(other) != 0 {
		t.Fatalf("mappings must be per form: %v %+v", err, other)
	}
}

func TestCatalogSaveRejectsInvalidType(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCatalog(openTestDB(t))
	if err := c.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	err := c.Save(ctx, []FieldMapping{{Form: "f", ExternalPath: "a", CanonicalName: "a", Type: "blob"}})
	if err == nil {
		t.Fatal("expected invalid type error")
	}
}
