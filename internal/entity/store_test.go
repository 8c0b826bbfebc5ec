package entity

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"koboetl/internal/schema"
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

func householdMappings() []schema.FieldMapping {
	return []schema.FieldMapping{
		{Form: "hh", ExternalPath: "district", CanonicalName: "district", Type: schema.TypeString, MaxLength: 100},
		{Form: "hh", ExternalPath: "size", CanonicalName: "size", Type: schema.TypeInteger},
		{Form: "hh", ExternalPath: "members", CanonicalName: "members", Type: schema.TypeString, IsRepeat: true},
		{Form: "hh", ExternalPath: "members/age", CanonicalName: "age", Type: schema.TypeInteger, RepeatPrefix: "members"},
	}
}

func TestBuildModels(t *testing.T) {
	t.Parallel()

	parent, children := BuildModels("hh", "households", householdMappings())
	if parent.Table != "households" || len(parent.Fields) != 2 {
		t.Fatalf("unexpected parent %+v", parent)
	}
	if _, ok := parent.Def.Column("instance_id"); !ok {
		t.Fatalf("parent is missing instance_id")
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(children))
	}
	c := children[0]
	if c.Table != "households__members" || c.Prefix != "members" {
		t.Fatalf("unexpected child %+v", c)
	}
	if len(c.Def.ForeignKeys) != 1 || c.Def.ForeignKeys[0].RefTable != "households" {
		t.Fatalf("child foreign key = %+v", c.Def.ForeignKeys)
	}
	if f, ok := c.Field("age"); !ok || f.ItemKey() != "age" {
		t.Fatalf("child field lookup = %+v %v", f, ok)
	}
}

func TestRegistryFingerprint(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	parent, _ := BuildModels("hh", "households", householdMappings())
	if !reg.Register(parent) {
		t.Fatalf("first registration must report a change")
	}
	if reg.Register(parent) {
		t.Fatalf("identical registration must not report a change")
	}
	wider, _ := BuildModels("hh", "households", append(householdMappings(),
		schema.FieldMapping{Form: "hh", ExternalPath: "note", CanonicalName: "note", Type: schema.TypeString}))
	if !reg.Register(wider) {
		t.Fatalf("new column must change the fingerprint")
	}
	if got, _ := reg.Parent("hh"); len(got.Fields) != 3 {
		t.Fatalf("registry kept stale model: %+v", got.Fields)
	}
}

func TestEnsureSchemaIsAdditive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	s := NewStore(db, nil)

	if _, err := s.EnsureSchema(ctx, "hh", "households", householdMappings()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	parent, _ := s.Registry().Parent("hh")
	if err := s.InsertParent(ctx, db, parent, Row{
		"instance_id": "uuid:1", "district": "Thiès", "size": int64(4),
		"created_at": "2024-01-01T00:00:00Z", "updated_at": "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("InsertParent: %v", err)
	}

	// Re-running with the same mappings is a no-op.
	applied, err := s.EnsureSchema(ctx, "hh", "households", householdMappings())
	if err != nil || len(applied) != 0 {
		t.Fatalf("second EnsureSchema applied %v (err %v)", applied, err)
	}

	ms := append(householdMappings(),
		schema.FieldMapping{Form: "hh", ExternalPath: "note", CanonicalName: "note", Type: schema.TypeString})
	applied, err = s.EnsureSchema(ctx, "hh", "households", ms)
	if err != nil {
		t.Fatalf("EnsureSchema with new field: %v", err)
	}
	if len(applied) != 1 || !strings.Contains(applied[0], `ADD COLUMN "note"`) {
		t.Fatalf("applied = %v", applied)
	}

	live, ok, err := db.Columns(ctx, nil, "households")
	if err != nil || !ok || !live["note"] {
		t.Fatalf("note column missing: %v %v %v", live, ok, err)
	}
	var district string
	if err := db.QueryRowContext(ctx, `SELECT district FROM households WHERE instance_id = ?`, "uuid:1").Scan(&district); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if district != "Thiès" {
		t.Fatalf("existing value changed: %q", district)
	}
}

func TestReconcileAddsMissingColumns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	s := NewStore(db, nil)
	if _, err := s.Reconcile(ctx, "hh"); err == nil {
		t.Fatalf("expected error for unregistered form")
	}
	if _, err := s.EnsureSchema(ctx, "hh", "households", householdMappings()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, err := db.ExecContext(ctx, `ALTER TABLE households DROP COLUMN size`); err != nil {
		t.Fatalf("drop column: %v", err)
	}
	added, err := s.Reconcile(ctx, "hh")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(added) != 1 || added[0] != "households.size" {
		t.Fatalf("added = %v", added)
	}
}

func TestParentAndChildWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	s := NewStore(db, nil)
	if _, err := s.EnsureSchema(ctx, "hh", "households", householdMappings()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	parent, _ := s.Registry().Parent("hh")
	child := s.Registry().Children("hh")[0]

	if _, ok, err := s.ParentHash(ctx, db, parent, "uuid:1"); err != nil || ok {
		t.Fatalf("ParentHash on empty table = %v %v", ok, err)
	}
	row := Row{
		"instance_id": "uuid:1", "payload_hash": "aa", "raw_json": `{"district":"A"}`,
		"created_at": "2024-01-01T00:00:00Z", "updated_at": "2024-01-01T00:00:00Z",
	}
	if err := s.InsertParent(ctx, db, parent, row); err != nil {
		t.Fatalf("InsertParent: %v", err)
	}
	if err := s.UpdateParent(ctx, db, parent, "uuid:1", Row{"instance_id": "uuid:1", "payload_hash": "bb"}); err != nil {
		t.Fatalf("UpdateParent: %v", err)
	}
	if h, ok, err := s.ParentHash(ctx, db, parent, "uuid:1"); err != nil || !ok || h != "bb" {
		t.Fatalf("ParentHash = %q %v %v", h, ok, err)
	}

	items := func(n int) []Row {
		rows := make([]Row, n)
		for i := range rows {
			rows[i] = Row{"id": ChildID("uuid:1", i), "parent_id": "uuid:1", "item_index": int64(i), "age": int64(30 + i)}
		}
		return rows
	}
	if err := s.ReplaceChildren(ctx, db, child, "uuid:1", items(3)); err != nil {
		t.Fatalf("ReplaceChildren: %v", err)
	}
	if err := s.ReplaceChildren(ctx, db, child, "uuid:1", items(1)); err != nil {
		t.Fatalf("ReplaceChildren again: %v", err)
	}
	if n, err := s.CountChildren(ctx, child, "uuid:1"); err != nil || n != 1 {
		t.Fatalf("CountChildren = %d %v", n, err)
	}

	var seen []string
	collect := func(e RawEntity) error {
		seen = append(seen, e.ID+"="+e.Raw)
		return nil
	}
	if err := s.EachRaw(ctx, parent.Table, nil, collect); err != nil {
		t.Fatalf("EachRaw: %v", err)
	}
	if len(seen) != 1 || seen[0] != `uuid:1={"district":"A"}` {
		t.Fatalf("EachRaw = %v", seen)
	}
	seen = nil
	if err := s.EachRaw(ctx, parent.Table, []string{"uuid:2"}, collect); err != nil {
		t.Fatalf("EachRaw ids: %v", err)
	}
	if len(seen) != 0 {
		t.Fatalf("EachRaw ids = %v", seen)
	}
}
