// Package ddl provides SQLite-specific helpers for generating CREATE TABLE and
// ALTER TABLE statements from the generic ddl.TableDef model.
//
// The builder here:
//   - Uses simple double-quoted identifiers: "table", "col".
//   - Emits CREATE TABLE IF NOT EXISTS.
//   - Treats ColumnDef.Default as raw SQL.
package ddl

import (
	"strings"

	gddl "koboetl/internal/ddl"
)

// BuildCreateTableSQL returns a SQLite CREATE TABLE IF NOT EXISTS statement.
// Columns without SQLType are mapped with MapType.
func BuildCreateTableSQL(t gddl.TableDef) (string, error) {
	return gddl.BuildCreateTableSQL(gddl.Resolve(t, MapType), QuoteIdent, gddl.CreateOptions{IfNotExists: true})
}

// BuildAddColumnSQL returns ALTER TABLE "t" ADD COLUMN "c" TYPE.
func BuildAddColumnSQL(table string, c gddl.ColumnDef) (string, error) {
	if c.SQLType == "" {
		c.SQLType = MapType(c.Type, c.Length)
	}
	return gddl.BuildAddColumnSQL(table, c, QuoteIdent, "COLUMN")
}

// QuoteIdent double-quotes id, escaping embedded quotes.
func QuoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
