package ddl

import (
	"strings"

	gddl "koboetl/internal/ddl"
)

// BuildCreateTableSQL returns CREATE TABLE IF NOT EXISTS with backtick quoting.
func BuildCreateTableSQL(t gddl.TableDef) (string, error) {
	return gddl.BuildCreateTableSQL(gddl.Resolve(t, MapType), QuoteIdent, gddl.CreateOptions{IfNotExists: true})
}

// BuildAddColumnSQL returns ALTER TABLE `t` ADD COLUMN `c` TYPE.
func BuildAddColumnSQL(table string, c gddl.ColumnDef) (string, error) {
	if c.SQLType == "" {
		c.SQLType = MapType(c.Type, c.Length)
	}
	return gddl.BuildAddColumnSQL(table, c, QuoteIdent, "COLUMN")
}

// QuoteIdent quotes a single identifier with backticks.
func QuoteIdent(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}
