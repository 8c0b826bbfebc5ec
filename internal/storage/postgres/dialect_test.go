package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"koboetl/internal/storage"
)

func TestDialectPlaceholdersAndRebind(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	if got := d.Placeholder(3); got != "$3" {
		t.Fatalf("Placeholder(3) = %q", got)
	}
	got := storage.Rebind(d, "SELECT * FROM t WHERE a = ? AND b = '?' AND c = ?")
	if want := "SELECT * FROM t WHERE a = $1 AND b = '?' AND c = $2"; got != want {
		t.Fatalf("Rebind = %q, want %q", got, want)
	}
}

func TestDialectJSONAndLimit(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	if got := d.JSONText(`"dims"`, "district"); got != `("dims"::jsonb ->> 'district')` {
		t.Fatalf("JSONText = %q", got)
	}
	if got := d.JSONNumber(`"meas"`, "cases"); !strings.HasSuffix(got, "::double precision") {
		t.Fatalf("JSONNumber = %q", got)
	}
	if pre, suf := d.Limit(10); pre != "" || suf != " LIMIT 10" {
		t.Fatalf("Limit(10) = %q %q", pre, suf)
	}
	if pre, suf := d.Limit(0); pre != "" || suf != "" {
		t.Fatalf("Limit(0) = %q %q", pre, suf)
	}
}

func TestDialectTimeValue(t *testing.T) {
	t.Parallel()

	in := time.Date(2025, 1, 31, 23, 30, 0, 0, time.FixedZone("x", 3600))
	got, ok := Dialect{}.TimeValue(in, true).(time.Time)
	if !ok || got.Hour() != 0 || got.Day() != 31 {
		t.Fatalf("date TimeValue = %v", got)
	}
	ts := Dialect{}.TimeValue(in, false).(time.Time)
	if ts.Location() != time.UTC || ts.Hour() != 22 {
		t.Fatalf("datetime TimeValue = %v", ts)
	}
}

func TestNewRepositoryRejectsEmptyDSN(t *testing.T) {
	t.Parallel()

	if _, err := NewRepository(context.Background(), storage.Config{DSN: "  "}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestSplitFQN(t *testing.T) {
	t.Parallel()

	id := splitFQN("public.mv_cases")
	if len(id) != 2 || id[0] != "public" || id[1] != "mv_cases" {
		t.Fatalf("splitFQN = %v", id)
	}
}
