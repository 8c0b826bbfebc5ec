package mysql

import (
	"fmt"
	"strings"
	"time"

	gddl "koboetl/internal/ddl"
	myddl "koboetl/internal/storage/mysql/ddl"
)

// Dialect implements storage.Dialect for MySQL 8.
type Dialect struct{}

func (Dialect) Name() string { return "mysql" }
func (Dialect) QuoteIdent(s string) string { return myddl.QuoteIdent(s) }
func (Dialect) Placeholder(int) string { return "?" }
func (Dialect) MapType(kind string, n int) string { return myddl.MapType(kind, n) }

func (Dialect) CreateTableSQL(t gddl.TableDef) (string, error) {
	return myddl.BuildCreateTableSQL(t)
}

func (Dialect) AddColumnSQL(table string, c gddl.ColumnDef) (string, error) {
	return myddl.BuildAddColumnSQL(table, c)
}

// CreateIndexSQL has no IF NOT EXISTS form on MySQL; duplicate index errors
// surface to the caller.
func (d Dialect) CreateIndexSQL(name, table string, cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = d.QuoteIdent(c)
	}
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		d.QuoteIdent(name), gddl.QuoteFQN(d.QuoteIdent, table), strings.Join(q, ", "))
}

func (d Dialect) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + gddl.QuoteFQN(d.QuoteIdent, table)
}

func (Dialect) JSONText(col, key string) string {
	return fmt.Sprintf("JSON_VALUE(%s, '$.%s')", col, key)
}

func (Dialect) JSONNumber(col, key string) string {
	return fmt.Sprintf("CAST(JSON_VALUE(%s, '$.%s') AS DOUBLE)", col, key)
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

func (Dialect) TimeValue(t time.Time, dateOnly bool) any {
	if dateOnly {
		return t.Format("2006-01-02")
	}
	return t.UTC()
}
