// Package ddl provides MSSQL-specific helpers for generating CREATE TABLE
// statements from the generic ddl.TableDef model.
//
// The builder here:
//   - Uses SQL Server-style identifier quoting: [schema].[table], [col].
//   - Wraps CREATE TABLE in an IF OBJECT_ID(...) IS NULL guard since T-SQL
//     does not support CREATE TABLE IF NOT EXISTS.
//   - Renders ALTER TABLE ... ADD without the COLUMN keyword.
package ddl

import (
	"fmt"
	"strings"

	gddl "koboetl/internal/ddl"
)

// BuildCreateTableSQL returns a T-SQL script that creates a table matching
// the provided definition if it does not already exist:
//
//	IF OBJECT_ID(N'[schema].[table]', N'U') IS NULL
//	CREATE TABLE [schema].[table] (
//	  [col1] TYPE NOT NULL,
//	  PRIMARY KEY ([pk1], [pk2])
//	)
func BuildCreateTableSQL(t gddl.TableDef) (string, error) {
	body, err := gddl.BuildCreateTableSQL(gddl.Resolve(t, MapType), QuoteIdent, gddl.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("mssql %w", err)
	}
	fqn := gddl.QuoteFQN(QuoteIdent, t.FQN)
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL\n%s", strings.ReplaceAll(fqn, "'", "''"), body), nil
}

// BuildAddColumnSQL returns ALTER TABLE [t] ADD [col] TYPE.
func BuildAddColumnSQL(table string, c gddl.ColumnDef) (string, error) {
	if c.SQLType == "" {
		c.SQLType = MapType(c.Type, c.Length)
	}
	return gddl.BuildAddColumnSQL(table, c, QuoteIdent, "")
}

// QuoteIdent quotes a single identifier segment for SQL Server using
// bracket syntax, escaping any closing brackets.
//
//	name      -> [name]
//	weird]id  -> [weird]]id]
func QuoteIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}
