package query

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"koboetl/internal/metrics"
	"koboetl/internal/semantic"
	"koboetl/internal/storage"
)

// Result is a query answer: Headers[i] names the i-th value of every row.
// Dimension values are strings or nil, measure values float64 or nil.
type Result struct {
	Headers []string `json:"headers"`
	Rows    [][]any  `json:"rows"`
	Columns []Column `json:"columns,omitempty"`

	// filters are the active filter values by dimension code, kept for
	// re-evaluating computed metrics after a roll-up.
	filters map[string][]any
}

// Service runs semantic queries against the wide rows of a catalog.
type Service struct {
	db      *storage.DB
	catalog *semantic.Catalog
	builder Builder
}

// NewService returns a service over the datasets of catalog.
func NewService(db *storage.DB, catalog *semantic.Catalog) *Service {
	return &Service{db: db, catalog: catalog, builder: Builder{Dialect: db.Dialect}}
}

// Dataset resolves name in the catalog.
func (s *Service) Dataset(name string) (*semantic.Dataset, error) {
	ds, ok := s.catalog.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: dataset %q", ErrUnknownCode, name)
	}
	return ds, nil
}

// Query runs req over the base dimensions and measures of dataset. Unknown
// codes are rejected before the database is touched.
func (s *Service) Query(ctx context.Context, dataset string, req Request) (Result, error) {
	ds, err := s.Dataset(dataset)
	if err != nil {
		return Result{}, err
	}
	return s.run(ctx, ds, req)
}

func (s *Service) run(ctx context.Context, ds *semantic.Dataset, req Request) (res Result, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery(ds.Name, err, time.Since(start)) }()

	stmt, args, cols, err := s.builder.Build(ds, req)
	if err != nil {
		return Result{}, err
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return Result{}, fmt.Errorf("query: %s: %w", ds.Name, err)
	}
	defer rows.Close()

	res = Result{Columns: cols, Headers: make([]string, len(cols)), filters: filterValues(ds, req.Filters)}
	for i, c := range cols {
		res.Headers[i] = c.Header
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, fmt.Errorf("query: scan %s: %w", ds.Name, err)
		}
		for i, c := range cols {
			if c.Kind == semantic.KindDimension {
				vals[i] = dimValue(vals[i])
			} else {
				vals[i] = measureValue(vals[i])
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("query: rows %s: %w", ds.Name, err)
	}
	log.Printf("query: dataset=%s dims=%d metrics=%d rows=%d took=%s",
		ds.Name, len(req.GroupDims), len(req.Metrics), len(res.Rows), time.Since(start).Round(time.Millisecond))
	return res, nil
}

// filterValues collects the eq/in filter values per dimension code; DIM in
// computed expressions falls back to them.
func filterValues(ds *semantic.Dataset, raw map[string]any) map[string][]any {
	if len(raw) == 0 {
		return nil
	}
	active, err := resolveFilters(ds, raw)
	if err != nil {
		return nil
	}
	out := map[string][]any{}
	for _, f := range active {
		if f.op != semantic.OpIn && f.op != semantic.OpEq {
			continue
		}
		vals, ok := asList(f.value)
		if !ok {
			vals = []any{f.value}
		}
		for _, v := range vals {
			out[f.dim] = append(out[f.dim], semantic.Text(v))
		}
	}
	return out
}

func dimValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	case string:
		return t
	}
	return semantic.Text(v)
}

func measureValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case int:
		return float64(t)
	case []byte:
		return parseFloat(string(t))
	case string:
		return parseFloat(t)
	}
	return nil
}

func parseFloat(s string) any {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return finite(f)
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
