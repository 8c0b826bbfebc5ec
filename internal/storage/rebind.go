package storage

import "strings"

// Rebind rewrites '?' bind markers outside of quoted literals into the
// dialect's placeholder style ($1 for Postgres, @p1 for SQL Server). Queries
// for backends that use '?' natively come back unchanged.
func Rebind(d Dialect, query string) string {
	if d.Placeholder(1) == "?" {
		return query
	}
	var (
		b      strings.Builder
		n      int
		quoted rune
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		switch {
		case quoted != 0:
			if r == quoted {
				quoted = 0
			}
		case r == '\'' || r == '"':
			quoted = r
		case r == '?':
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
