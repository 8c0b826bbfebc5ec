package ddl

import (
	"strings"
	"testing"

	gddl "koboetl/internal/ddl"
)

func TestMapType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind   string
		length int
		want   string
	}{
		{"integer", 0, "BIGINT"},
		{"boolean", 0, "TINYINT(1)"},
		{"datetime", 0, "DATETIME(6)"},
		{"string", 0, "VARCHAR(255)"},
		{"string", 64, "VARCHAR(64)"},
		{"text", 0, "LONGTEXT"},
	}
	for _, tt := range tests {
		if got := MapType(tt.kind, tt.length); got != tt.want {
			t.Errorf("MapType(%q, %d) = %q, want %q", tt.kind, tt.length, got, tt.want)
		}
	}
}

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	got, err := BuildCreateTableSQL(gddl.TableDef{FQN: "kobo.kobo_household", Columns: []gddl.ColumnDef{
		{Name: "instance_id", Type: "string", Length: 255, PrimaryKey: true},
		{Name: "age", Type: "integer", Nullable: true},
	}})
	if err != nil {
		t.Fatalf("BuildCreateTableSQL: %v", err)
	}
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS `kobo`.`kobo_household`",
		"`instance_id` VARCHAR(255) NOT NULL",
		"PRIMARY KEY (`instance_id`)",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}

	add, err := BuildAddColumnSQL("kobo_household", gddl.ColumnDef{Name: "we`ird", Type: "boolean", Nullable: true})
	if err != nil {
		t.Fatalf("BuildAddColumnSQL: %v", err)
	}
	if want := "ALTER TABLE `kobo_household` ADD COLUMN `we``ird` TINYINT(1)"; add != want {
		t.Fatalf("got %q, want %q", add, want)
	}
}
