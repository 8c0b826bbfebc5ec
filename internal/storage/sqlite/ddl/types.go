// Package ddl contains SQLite-specific helpers for generating DDL.
//
// It maps logical field types into SQLite column types. SQLite is dynamically
// typed, so the mapping only picks a sensible affinity.
package ddl

import "strings"

// MapType maps a logical type string (e.g., "integer", "boolean", "date") into
// a SQLite column type. length is ignored because SQLite does not enforce
// VARCHAR widths.
//
//   - integer-ish types -> INTEGER
//   - boolean          -> INTEGER (0/1)
//   - date/time        -> TEXT (ISO-8601)
//   - others           -> TEXT
func MapType(kind string, length int) string {
	_ = length
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "int", "integer", "bigint":
		return "INTEGER"
	case "bool", "boolean":
		return "INTEGER"
	case "float", "double", "real":
		return "REAL"
	case "numeric", "decimal":
		return "NUMERIC"
	case "date", "timestamp", "datetime", "timestamptz":
		return "TEXT"
	case "blob", "bytes":
		return "BLOB"
	default:
		return "TEXT"
	}
}
