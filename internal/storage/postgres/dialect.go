package postgres

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	gddl "koboetl/internal/ddl"
	pgddl "koboetl/internal/storage/postgres/ddl"
)

// Dialect implements storage.Dialect for Postgres.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }
func (Dialect) QuoteIdent(s string) string { return pgddl.QuoteIdent(s) }
func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }
func (Dialect) MapType(kind string, n int) string { return pgddl.MapType(kind, n) }

func (Dialect) CreateTableSQL(t gddl.TableDef) (string, error) {
	return pgddl.BuildCreateTableSQL(t)
}

func (Dialect) AddColumnSQL(table string, c gddl.ColumnDef) (string, error) {
	return pgddl.BuildAddColumnSQL(table, c)
}

func (d Dialect) CreateIndexSQL(name, table string, cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = d.QuoteIdent(c)
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		d.QuoteIdent(name), gddl.QuoteFQN(d.QuoteIdent, table), strings.Join(q, ", "))
}

func (d Dialect) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + gddl.QuoteFQN(d.QuoteIdent, table)
}

func (Dialect) JSONText(col, key string) string {
	return fmt.Sprintf("(%s::jsonb ->> '%s')", col, key)
}

func (Dialect) JSONNumber(col, key string) string {
	return fmt.Sprintf("(%s::jsonb ->> '%s')::double precision", col, key)
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

// TimeValue passes times through; pgx encodes them for DATE and TIMESTAMPTZ.
func (Dialect) TimeValue(t time.Time, dateOnly bool) any {
	if dateOnly {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.UTC()
}
