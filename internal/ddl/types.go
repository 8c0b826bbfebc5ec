package ddl

// ColumnDef describes a single column in a table definition. It uses simple,
// database-agnostic fields; backends turn Type into a concrete SQLType.
//
// Fields:
//   - Name: column name (unquoted; quoting happens at render time)
//   - Type: logical type (string, text, boolean, integer, decimal, date, datetime, geo, json)
//   - Length: optional width for string columns (0 means unbounded)
//   - SQLType: rendered SQL type; filled by the backend when empty
//   - Nullable: whether NULL is allowed
//   - PrimaryKey: whether the column is part of the primary key
//   - Default: raw default expression (e.g., CURRENT_TIMESTAMP)
type ColumnDef struct {
	Name       string
	Type       string
	Length     int
	SQLType    string
	Nullable   bool
	PrimaryKey bool
	Default    string
}

// ForeignKey is a table-level FOREIGN KEY constraint.
type ForeignKey struct {
	Columns    []string
	RefTable   string
	RefColumns []string
	OnDelete   string // e.g. CASCADE; empty for none
}

// TableDef holds the table name (FQN, dotted form allowed), an ordered list
// of columns and optional table constraints.
type TableDef struct {
	FQN         string
	Columns     []ColumnDef
	Unique      [][]string
	ForeignKeys []ForeignKey
}

// Column returns the column named name and whether it exists.
func (t TableDef) Column(name string) (ColumnDef, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// TypeMapper maps a logical type and optional length to a SQL type.
type TypeMapper func(kind string, length int) string

// Resolve returns a copy of t with every empty SQLType filled in by mapType.
func Resolve(t TableDef, mapType TypeMapper) TableDef {
	out := t
	out.Columns = make([]ColumnDef, len(t.Columns))
	for i, c := range t.Columns {
		if c.SQLType == "" {
			c.SQLType = mapType(c.Type, c.Length)
		}
		out.Columns[i] = c
	}
	return out
}
