package sqlite

import (
	"fmt"
	"strings"
	"time"

	gddl "koboetl/internal/ddl"
	sqliteddl "koboetl/internal/storage/sqlite/ddl"
)

// Dialect implements storage.Dialect for SQLite.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }
func (Dialect) QuoteIdent(s string) string { return sqliteddl.QuoteIdent(s) }
func (Dialect) Placeholder(int) string { return "?" }
func (Dialect) MapType(kind string, n int) string { return sqliteddl.MapType(kind, n) }

func (Dialect) CreateTableSQL(t gddl.TableDef) (string, error) {
	return sqliteddl.BuildCreateTableSQL(t)
}

func (Dialect) AddColumnSQL(table string, c gddl.ColumnDef) (string, error) {
	return sqliteddl.BuildAddColumnSQL(table, c)
}

func (d Dialect) CreateIndexSQL(name, table string, cols []string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		d.QuoteIdent(name), gddl.QuoteFQN(d.QuoteIdent, table), quoteCols(d, cols))
}

func (d Dialect) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + gddl.QuoteFQN(d.QuoteIdent, table)
}

func (Dialect) JSONText(col, key string) string {
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, key)
}

func (Dialect) JSONNumber(col, key string) string {
	return fmt.Sprintf("CAST(json_extract(%s, '$.%s') AS REAL)", col, key)
}

func (Dialect) Limit(n int) (string, string) {
	if n <= 0 {
		return "", ""
	}
	return "", fmt.Sprintf(" LIMIT %d", n)
}

func (Dialect) SavepointSQL(name string) string { return "SAVEPOINT " + name }
func (Dialect) RollbackToSQL(name string) string { return "ROLLBACK TO SAVEPOINT " + name }
func (Dialect) ReleaseSQL(name string) string { return "RELEASE SAVEPOINT " + name }

// TimeValue stores times as ISO-8601 text so they sort and compare as strings.
func (Dialect) TimeValue(t time.Time, dateOnly bool) any {
	if dateOnly {
		return t.Format("2006-01-02")
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func quoteCols(d Dialect, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = d.QuoteIdent(c)
	}
	return strings.Join(out, ", ")
}
