package ddl

import (
	"strings"
	"testing"

	gddl "koboetl/internal/ddl"
)

// TestQuoteIdent verifies SQLite-style identifier quoting.
func TestQuoteIdent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "name", want: `"name"`},
		{in: "", want: `""`},
		{in: "user name", want: `"user name"`},
		{in: `weird"name`, want: `"weird""name"`},
	}
	for _, tt := range tests {
		if got := QuoteIdent(tt.in); got != tt.want {
			t.Fatalf("QuoteIdent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildCreateTableSQL_MapsLogicalTypes(t *testing.T) {
	t.Parallel()

	got, err := BuildCreateTableSQL(gddl.TableDef{
		FQN: "kobo_household",
		Columns: []gddl.ColumnDef{
			{Name: "instance_id", Type: "string", Length: 255, PrimaryKey: true},
			{Name: "age", Type: "integer", Nullable: true},
		},
	})
	if err != nil {
		t.Fatalf("BuildCreateTableSQL: %v", err)
	}
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "kobo_household"`,
		`"instance_id" TEXT NOT NULL`,
		`"age" INTEGER`,
		`PRIMARY KEY ("instance_id")`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
}

func TestBuildAddColumnSQL(t *testing.T) {
	t.Parallel()

	got, err := BuildAddColumnSQL("kobo_household", gddl.ColumnDef{Name: "district", Type: "string", Nullable: true})
	if err != nil {
		t.Fatalf("BuildAddColumnSQL: %v", err)
	}
	if want := `ALTER TABLE "kobo_household" ADD COLUMN "district" TEXT`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
