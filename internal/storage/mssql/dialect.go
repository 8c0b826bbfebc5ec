package mssql

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	gddl "koboetl/internal/ddl"
	msddl "koboetl/internal/storage/mssql/ddl"
)

// Dialect implements storage.Dialect for SQL Server.
type Dialect struct{}

func (Dialect) Name() string { return "mssql" }
func (Dialect) QuoteIdent(s string) string { return msddl.QuoteIdent(s) }
func (Dialect) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }
func (Dialect) MapType(kind string, n int) string { return msddl.MapType(kind, n) }

func (Dialect) CreateTableSQL(t gddl.TableDef) (string, error) {
	return msddl.BuildCreateTableSQL(t)
}

func (Dialect) AddColumnSQL(table string, c gddl.ColumnDef) (string, error) {
	return msddl.BuildAddColumnSQL(table, c)
}

func (d Dialect) CreateIndexSQL(name, table string, cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = d.QuoteIdent(c)
	}
	fqn := gddl.QuoteFQN(d.QuoteIdent, table)
	return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s'))\nCREATE INDEX %s ON %s (%s)",
		strings.ReplaceAll(name, "'", "''"), strings.ReplaceAll(fqn, "'", "''"), d.QuoteIdent(name), fqn, strings.Join(q, ", "))
}

func (d Dialect) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + gddl.QuoteFQN(d.QuoteIdent, table)
}

func (Dialect) JSONText(col, key string) string {
	return fmt.Sprintf("JSON_VALUE(%s, '$.%s')", col, key)
}

func (Dialect) JSONNumber(col, key string) string {
	return fmt.Sprintf("TRY_CAST(JSON_VALUE(%s, '$.%s') AS FLOAT)", col, key)
}

// Limit uses TOP since T-SQL has no LIMIT clause.
func (Dialect) Limit(n int) (string, string) {
	if n <= 0 {
		return "", ""
	}
	return fmt.Sprintf("TOP %d ", n), ""
}

func (Dialect) SavepointSQL(name string) string { return "SAVE TRANSACTION " + name }
func (Dialect) RollbackToSQL(name string) string { return "ROLLBACK TRANSACTION " + name }

// ReleaseSQL is empty: SQL Server savepoints end with the transaction.
func (Dialect) ReleaseSQL(string) string { return "" }

func (Dialect) TimeValue(t time.Time, dateOnly bool) any {
	if dateOnly {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.UTC()
}
