package ddl

import "testing"

// TestMapType verifies that MapType maps logical type names into the expected
// SQLite column types and falls back to TEXT.
func TestMapType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind string
		want string
	}{
		{name: "integer", kind: "integer", want: "INTEGER"},
		{name: "int mixed", kind: "  InTeGeR  ", want: "INTEGER"},
		{name: "boolean", kind: "BOOLEAN", want: "INTEGER"},
		{name: "real", kind: "REAL", want: "REAL"},
		{name: "decimal", kind: "decimal", want: "NUMERIC"},
		{name: "date", kind: "date", want: "TEXT"},
		{name: "datetime", kind: "datetime", want: "TEXT"},
		{name: "geo", kind: "geo", want: "TEXT"},
		{name: "string", kind: "string", want: "TEXT"},
		{name: "empty", kind: "", want: "TEXT"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := MapType(tt.kind, 255); got != tt.want {
				t.Fatalf("MapType(%q) = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}
