package semantic

import "strings"

// maxAlias is the Postgres identifier limit.
const maxAlias = 63

// ValidCode reports whether code can be used verbatim as a SQL alias and as a
// JSON key inside a path expression.
func ValidCode(code string) bool {
	if code == "" || len(code) > maxAlias {
		return false
	}
	for i, r := range code {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Alias derives a safe SQL identifier from s: characters outside
// [A-Za-z0-9_] become underscores, a leading digit (or nothing at all) gets
// a "c_" prefix, and the result is cut at 63 bytes. Case is kept so aliases
// match the codes they come from.
func Alias(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	out := b.String()
	if out == "" || out[0] >= '0' && out[0] <= '9' {
		out = "c_" + out
	}
	if len(out) > maxAlias {
		out = out[:maxAlias]
	}
	return out
}

// Header is the result column name of code aggregated with agg.
func Header(code string, agg Agg) string { return Alias(code + "__" + string(agg)) }
