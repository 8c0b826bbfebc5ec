// Package ddl contains Postgres-specific helpers for generating DDL.
package ddl

import (
	"fmt"
	"strings"
)

// MapType normalizes a logical field type into a Postgres SQL type.
//
//	"int"/"integer"/"bigint"   -> BIGINT
//	"bool"/"boolean"           -> BOOLEAN
//	"decimal"/"numeric"        -> NUMERIC
//	"float"/"double"/"real"    -> DOUBLE PRECISION
//	"date"                     -> DATE
//	"datetime"/"timestamp"     -> TIMESTAMPTZ
//	"string" with length > 0   -> VARCHAR(length)
//	everything else            -> TEXT
func MapType(kind string, length int) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "int", "integer", "bigint":
		return "BIGINT"
	case "bool", "boolean":
		return "BOOLEAN"
	case "decimal", "numeric":
		return "NUMERIC"
	case "float", "double", "real":
		return "DOUBLE PRECISION"
	case "date":
		return "DATE"
	case "datetime", "timestamp", "timestamptz":
		return "TIMESTAMPTZ"
	case "string", "varchar":
		if length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", length)
		}
		return "TEXT"
	default:
		return "TEXT"
	}
}
