package syncer

import (
	"encoding/json"
	"testing"

	"koboetl/internal/schema"
	"koboetl/internal/storage/sqlite"
)

func TestCoercerValue(t *testing.T) {
	t.Parallel()

	c := coercer{d: sqlite.Dialect{}, form: "hh", identity: "a1"}
	tests := []struct {
		name   string
		typ    schema.Type
		maxLen int
		in     any
		want   any
		wantOK bool
	}{
		{name: "integer string", typ: schema.TypeInteger, in: "12", want: int64(12), wantOK: true},
		{name: "integer from whole decimal string", typ: schema.TypeInteger, in: "12,0", want: int64(12), wantOK: true},
		{name: "fractional integer string is null", typ: schema.TypeInteger, in: "12.5", wantOK: false},
		{name: "fractional integer json number is null", typ: schema.TypeInteger, in: json.Number("12.7"), wantOK: false},
		{name: "overflowing integer string is null", typ: schema.TypeInteger, in: "1e30", wantOK: false},
		{name: "overflowing integer float is null", typ: schema.TypeInteger, in: 9.9e19, wantOK: false},
		{name: "negative overflow is null", typ: schema.TypeInteger, in: -1e19, wantOK: false},
		{name: "integer from whole float", typ: schema.TypeInteger, in: 42.0, want: int64(42), wantOK: true},
		{name: "integer json number", typ: schema.TypeInteger, in: json.Number("7"), want: int64(7), wantOK: true},
		{name: "garbled integer is null", typ: schema.TypeInteger, in: "n/a", wantOK: false},
		{name: "decimal comma", typ: schema.TypeDecimal, in: "2,5", want: 2.5, wantOK: true},
		{name: "decimal garbled", typ: schema.TypeDecimal, in: "abc", wantOK: false},
		{name: "boolean oui", typ: schema.TypeBoolean, in: "Oui", want: true, wantOK: true},
		{name: "boolean zero", typ: schema.TypeBoolean, in: "0", want: false, wantOK: true},
		{name: "boolean unknown", typ: schema.TypeBoolean, in: "maybe", wantOK: false},
		{name: "date", typ: schema.TypeDate, in: "2025-01-31", want: "2025-01-31", wantOK: true},
		{name: "datetime", typ: schema.TypeDatetime, in: "2025-01-31T10:00:00+01:00", want: "2025-01-31T09:00:00Z", wantOK: true},
		{name: "bad date is null", typ: schema.TypeDate, in: "31 janvier", wantOK: false},
		{name: "string truncated by runes", typ: schema.TypeString, maxLen: 3, in: "Thiès", want: "Thi", wantOK: true},
		{name: "string list serialized", typ: schema.TypeString, in: []any{"a", "b"}, want: `["a","b"]`, wantOK: true},
		{name: "nil is absent", typ: schema.TypeString, in: nil, wantOK: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := schema.FieldMapping{CanonicalName: "f", Type: tt.typ, MaxLength: tt.maxLen}
			got, ok := c.value(m, tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (value %v)", ok, tt.wantOK, got)
			}
			if ok && got != tt.want {
				t.Fatalf("value = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	if got := truncateRunes("àéîõü", 2); got != "àé" {
		t.Fatalf("truncateRunes = %q", got)
	}
	if got := truncateRunes("ab", 5); got != "ab" {
		t.Fatalf("truncateRunes = %q", got)
	}
}
