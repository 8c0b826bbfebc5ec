// internal/ddl/create.go

// Package ddl defines a small, backend-agnostic model for SQL DDL and helpers
// to render CREATE TABLE / ALTER TABLE ADD COLUMN statements from that model.
//
// The package does not know any SQL dialect. Renderers receive a Quoter for
// identifiers and emit ColumnDef.Default verbatim. Backend packages (e.g.,
// internal/storage/postgres/ddl) wrap these helpers with their own quoting,
// type mapping and IF NOT EXISTS handling.
package ddl

import (
	"fmt"
	"strings"
)

// Quoter quotes a single identifier. Dotted FQNs are split and quoted per part.
type Quoter func(ident string) string

// NoQuote emits identifiers as-is.
func NoQuote(s string) string { return s }

// QuoteFQN quotes each dot-separated segment of fqn with q.
func QuoteFQN(q Quoter, fqn string) string {
	parts := strings.Split(fqn, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, q(p))
	}
	return strings.Join(out, ".")
}

// CreateOptions tweaks BuildCreateTableSQL output.
type CreateOptions struct {
	// IfNotExists adds IF NOT EXISTS after CREATE TABLE.
	IfNotExists bool
}

// BuildCreateTableSQL renders a CREATE TABLE statement from a TableDef.
//
// Rules:
//
//   - t.FQN must be non-empty.
//   - Each column must have a non-empty Name and SQLType (see Resolve).
//   - A column is rendered as: <Name> <SQLType> [NOT NULL] [DEFAULT <Default>]
//   - PrimaryKey columns become a PRIMARY KEY (...) table constraint, followed
//     by UNIQUE (...) and FOREIGN KEY (...) constraints.
func BuildCreateTableSQL(t TableDef, q Quoter, opts CreateOptions) (string, error) {
	if q == nil {
		q = NoQuote
	}
	fqn := strings.TrimSpace(t.FQN)
	if fqn == "" {
		return "", fmt.Errorf("ddl: table FQN must not be empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("ddl: at least one column is required")
	}

	cols := make([]string, 0, len(t.Columns)+2)
	pks := make([]string, 0, 2)

	for _, c := range t.Columns {
		def, err := columnSQL(c, q, fqn)
		if err != nil {
			return "", err
		}
		cols = append(cols, def)
		if c.PrimaryKey {
			pks = append(pks, q(strings.TrimSpace(c.Name)))
		}
	}

	if len(pks) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pks, ", ")))
	}
	for _, u := range t.Unique {
		cols = append(cols, fmt.Sprintf("UNIQUE (%s)", quoteList(q, u)))
	}
	for _, fk := range t.ForeignKeys {
		s := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			quoteList(q, fk.Columns), QuoteFQN(q, fk.RefTable), quoteList(q, fk.RefColumns))
		if fk.OnDelete != "" {
			s += " ON DELETE " + fk.OnDelete
		}
		cols = append(cols, s)
	}

	head := "CREATE TABLE "
	if opts.IfNotExists {
		head += "IF NOT EXISTS "
	}
	return fmt.Sprintf("%s%s (\n  %s\n)", head, QuoteFQN(q, fqn), strings.Join(cols, ",\n  ")), nil
}

// BuildAddColumnSQL renders ALTER TABLE <t> ADD <keyword> <column-def>.
// keyword is "COLUMN" for most backends and empty for SQL Server.
func BuildAddColumnSQL(table string, c ColumnDef, q Quoter, keyword string) (string, error) {
	if q == nil {
		q = NoQuote
	}
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("ddl: table FQN must not be empty")
	}
	def, err := columnSQL(c, q, table)
	if err != nil {
		return "", err
	}
	add := "ADD "
	if keyword != "" {
		add += keyword + " "
	}
	return fmt.Sprintf("ALTER TABLE %s %s%s", QuoteFQN(q, table), add, def), nil
}

func columnSQL(c ColumnDef, q Quoter, table string) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("ddl: column with empty name in table %s", table)
	}
	typ := strings.TrimSpace(c.SQLType)
	if typ == "" {
		return "", fmt.Errorf("ddl: column %s missing SQLType", name)
	}

	var sb strings.Builder
	sb.WriteString(q(name))
	sb.WriteByte(' ')
	sb.WriteString(typ)
	if !c.Nullable {
		sb.WriteString(" NOT NULL")
	}
	if def := strings.TrimSpace(c.Default); def != "" {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(def)
	}
	return sb.String(), nil
}

func quoteList(q Quoter, names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = q(n)
	}
	return strings.Join(out, ", ")
}
