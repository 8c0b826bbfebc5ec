package mysql

import (
	"context"
	"testing"

	"koboetl/internal/storage"
)

func TestDialect(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	q := "SELECT * FROM t WHERE a = ?"
	if got := storage.Rebind(d, q); got != q {
		t.Fatalf("Rebind should not change mysql queries, got %q", got)
	}
	if got := d.JSONText("`dims`", "district"); got != "JSON_VALUE(`dims`, '$.district')" {
		t.Fatalf("JSONText = %q", got)
	}
	if got := d.DropTableSQL("mv_cases"); got != "DROP TABLE IF EXISTS `mv_cases`" {
		t.Fatalf("DropTableSQL = %q", got)
	}
}

func TestNewRepositoryDSNErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dsn  string
	}{
		{name: "empty", dsn: ""},
		{name: "malformed", dsn: "user:pass@tcp(host:3306"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewRepository(context.Background(), storage.Config{DSN: tt.dsn}); err == nil {
				t.Fatalf("expected error for %q", tt.dsn)
			}
		})
	}
}
