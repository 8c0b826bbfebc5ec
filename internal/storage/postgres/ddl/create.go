package ddl

import (
	"strings"

	gddl "koboetl/internal/ddl"
)

// BuildCreateTableSQL returns a Postgres CREATE TABLE IF NOT EXISTS statement
// for the given table definition. Columns without SQLType go through MapType.
func BuildCreateTableSQL(t gddl.TableDef) (string, error) {
	return gddl.BuildCreateTableSQL(gddl.Resolve(t, MapType), QuoteIdent, gddl.CreateOptions{IfNotExists: true})
}

// BuildAddColumnSQL returns ALTER TABLE ... ADD COLUMN IF NOT EXISTS.
func BuildAddColumnSQL(table string, c gddl.ColumnDef) (string, error) {
	if c.SQLType == "" {
		c.SQLType = MapType(c.Type, c.Length)
	}
	return gddl.BuildAddColumnSQL(table, c, QuoteIdent, "COLUMN IF NOT EXISTS")
}

// QuoteIdent double-quotes a single identifier segment.
func QuoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
