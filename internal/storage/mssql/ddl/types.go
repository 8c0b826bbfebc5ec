// Package ddl contains MSSQL-specific helpers for generating DDL.
package ddl

import (
	"fmt"
	"strings"
)

// MapType maps a logical type string into a SQL Server column type.
//
// Strings with a positive length become NVARCHAR(n) (NVARCHAR(MAX) past the
// 4000 character page limit). Unknown or empty kinds fall back to
// NVARCHAR(MAX).
func MapType(kind string, length int) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "int", "integer", "bigint":
		return "BIGINT"
	case "bool", "boolean":
		return "BIT"
	case "date":
		return "DATE"
	case "timestamp", "datetime", "timestamptz":
		return "DATETIME2"
	case "decimal", "numeric":
		return "DECIMAL(38, 10)"
	case "float", "double", "real":
		return "FLOAT"
	case "uuid":
		return "UNIQUEIDENTIFIER"
	case "string", "varchar":
		if length > 0 && length <= 4000 {
			return fmt.Sprintf("NVARCHAR(%d)", length)
		}
		return "NVARCHAR(MAX)"
	default:
		return "NVARCHAR(MAX)"
	}
}
