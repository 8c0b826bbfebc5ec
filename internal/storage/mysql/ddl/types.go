// Package ddl contains MySQL-specific helpers for generating DDL.
package ddl

import (
	"fmt"
	"strings"
)

// MapType maps a logical type string into a MySQL column type. Strings
// default to VARCHAR(255) so they can take part in keys; free text maps to
// LONGTEXT.
func MapType(kind string, length int) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "int", "integer", "bigint":
		return "BIGINT"
	case "bool", "boolean":
		return "TINYINT(1)"
	case "date":
		return "DATE"
	case "timestamp", "datetime", "timestamptz":
		return "DATETIME(6)"
	case "decimal", "numeric":
		return "DECIMAL(38, 10)"
	case "float", "double", "real":
		return "DOUBLE"
	case "string", "varchar":
		if length <= 0 {
			length = 255
		}
		if length > 16383 {
			return "TEXT"
		}
		return fmt.Sprintf("VARCHAR(%d)", length)
	default:
		return "LONGTEXT"
	}
}
