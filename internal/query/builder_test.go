package query

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"koboetl/internal/semantic"
	"koboetl/internal/storage/mssql"
	"koboetl/internal/storage/postgres"
)

func TestBuildPostgres(t *testing.T) {
	t.Parallel()

	ds := surveillance()
	stmt, args, cols, err := Builder{Dialect: postgres.Dialect{}}.Build(&ds, Request{
		GroupDims: []string{"region"},
		Metrics:   []semantic.MetricRef{{Code: "sick", Agg: "AVG"}, {Code: "sick", Agg: "median"}},
		Filters:   map[string]any{"regions": []any{"Kayes", "Sikasso"}, "periode": []any{nil, "2025-12-31"}},
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := `SELECT ("dims"::jsonb ->> 'region') AS "region", ` +
		`AVG(("meas"::jsonb ->> 'sick')::double precision) AS "sick__avg", ` +
		`SUM(("meas"::jsonb ->> 'sick')::double precision) AS "sick__sum" ` +
		`FROM "kobo_wide_rows" WHERE "dataset" = $1 ` +
		`AND ("dims"::jsonb ->> 'date') <= $2 ` +
		`AND ("dims"::jsonb ->> 'region') IN ($3, $4) ` +
		`GROUP BY ("dims"::jsonb ->> 'region') LIMIT 10`
	if stmt != want {
		t.Fatalf("Build SQL:\n got %s\nwant %s", stmt, want)
	}
	if wantArgs := []any{"surveillance", "2025-12-31", "Kayes", "Sikasso"}; !reflect.DeepEqual(args, wantArgs) {
		t.Fatalf("args = %v, want %v", args, wantArgs)
	}
	if len(cols) != 3 || cols[1].Agg != semantic.AggAvg || cols[2].Agg != semantic.AggSum {
		t.Fatalf("columns = %+v", cols)
	}
}

func TestBuildMSSQLUsesTop(t *testing.T) {
	t.Parallel()

	ds := surveillance()
	stmt, _, cols, err := Builder{Dialect: mssql.Dialect{}}.Build(&ds, Request{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.HasPrefix(stmt, "SELECT TOP 5000 COUNT(*) AS [n] FROM [kobo_wide_rows] WHERE [dataset] = @p1") {
		t.Fatalf("Build SQL = %s", stmt)
	}
	if len(cols) != 1 || cols[0].Header != "n" {
		t.Fatalf("columns = %+v", cols)
	}
}

func TestBuildRejectsBeforeRendering(t *testing.T) {
	t.Parallel()

	ds := surveillance()
	_, _, _, err := Builder{Dialect: postgres.Dialect{}}.Build(&ds, Request{
		GroupDims: []string{"commune"},
		Metrics:   []semantic.MetricRef{{Code: "region"}},
	})
	if !errors.Is(err, ErrUnknownCode) {
		t.Fatalf("Build error = %v", err)
	}
	if n := strings.Count(err.Error(), "unknown code"); n != 2 {
		t.Fatalf("expected both codes reported, got %q", err)
	}
}

func TestContainsEscapesWildcards(t *testing.T) {
	t.Parallel()

	clause, args := predicate("col", semantic.OpContains, "50%_[x]!")
	if clause != "LOWER(col) LIKE ? ESCAPE '!'" {
		t.Fatalf("clause = %q", clause)
	}
	if want := []any{"%50!%!_![x]!!%"}; !reflect.DeepEqual(args, want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
}

func TestRoundMapsNonFiniteToNull(t *testing.T) {
	t.Parallel()

	d1, d2, d400 := 1, 2, 400
	tests := []struct {
		name   string
		in     any
		digits *int
		want   any
	}{
		{"rounds half away from zero", 2.25, &d1, 2.3},
		{"no digits", 2.345, nil, 2.345},
		{"huge digits keep value", 2.345, &d400, 2.345},
		{"infinity", math.Inf(1), nil, nil},
		{"nan", math.NaN(), &d2, nil},
		{"non-number", "x", &d2, "x"},
	}
	for _, tt := range tests {
		if got := round(tt.in, tt.digits); got != tt.want {
			t.Errorf("%s: round(%v) = %v, want %v", tt.name, tt.in, got, tt.want)
		}
	}
	if got := combine("sum", math.MaxFloat64, math.MaxFloat64); got != nil {
		t.Errorf("overflowing rollup sum = %v, want nil", got)
	}
	if got := measureValue(math.Inf(-1)); got != nil {
		t.Errorf("measureValue(-Inf) = %v, want nil", got)
	}
}
