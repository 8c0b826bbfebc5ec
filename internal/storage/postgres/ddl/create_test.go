package ddl

import (
	"strings"
	"testing"

	gddl "koboetl/internal/ddl"
)

// TestQuoteIdent verifies Postgres identifier quoting and escaping.
func TestQuoteIdent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "name", want: `"name"`},
		{in: "user name", want: `"user name"`},
		{in: `weird"name`, want: `"weird""name"`},
	}
	for _, tt := range tests {
		if got := QuoteIdent(tt.in); got != tt.want {
			t.Fatalf("QuoteIdent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	got, err := BuildCreateTableSQL(gddl.TableDef{
		FQN: "public.kobo_household__members",
		Columns: []gddl.ColumnDef{
			{Name: "parent_id", Type: "string", Length: 255, PrimaryKey: true},
			{Name: "item_index", Type: "integer", PrimaryKey: true},
			{Name: "age", Type: "integer", Nullable: true},
		},
		ForeignKeys: []gddl.ForeignKey{{
			Columns: []string{"parent_id"}, RefTable: "public.kobo_household",
			RefColumns: []string{"instance_id"}, OnDelete: "CASCADE",
		}},
	})
	if err != nil {
		t.Fatalf("BuildCreateTableSQL: %v", err)
	}
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "public"."kobo_household__members"`,
		`"parent_id" VARCHAR(255) NOT NULL`,
		`PRIMARY KEY ("parent_id", "item_index")`,
		`REFERENCES "public"."kobo_household" ("instance_id") ON DELETE CASCADE`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
}

func TestBuildAddColumnSQL(t *testing.T) {
	t.Parallel()

	got, err := BuildAddColumnSQL("kobo_household", gddl.ColumnDef{Name: "district", Type: "string", Length: 255, Nullable: true})
	if err != nil {
		t.Fatalf("BuildAddColumnSQL: %v", err)
	}
	if want := `ALTER TABLE "kobo_household" ADD COLUMN IF NOT EXISTS "district" VARCHAR(255)`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
