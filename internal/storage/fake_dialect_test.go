package storage_test

import (
	"time"

	"koboetl/internal/ddl"
)

// fakeDialect overrides only the placeholder style; everything else is inert.
type fakeDialect struct {
	ph func(int) string
}

func (f fakeDialect) Name() string { return "fake" }
func (f fakeDialect) QuoteIdent(s string) string { return s }
func (f fakeDialect) Placeholder(n int) string { return f.ph(n) }
func (f fakeDialect) MapType(string, int) string { return "TEXT" }
func (f fakeDialect) CreateTableSQL(ddl.TableDef) (string, error) { return "", nil }
func (f fakeDialect) AddColumnSQL(string, ddl.ColumnDef) (string, error) { return "", nil }
func (f fakeDialect) CreateIndexSQL(string, string, []string) string { return "" }
func (f fakeDialect) DropTableSQL(string) string { return "" }
func (f fakeDialect) JSONText(string, string) string { return "" }
func (f fakeDialect) JSONNumber(string, string) string { return "" }
func (f fakeDialect) Limit(int) (string, string) { return "", "" }
func (f fakeDialect) SavepointSQL(string) string { return "" }
func (f fakeDialect) RollbackToSQL(string) string { return "" }
func (f fakeDialect) ReleaseSQL(string) string { return "" }
func (f fakeDialect) TimeValue(t time.Time, _ bool) any { return t }
