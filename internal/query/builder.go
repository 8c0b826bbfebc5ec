// Package query turns semantic requests into aggregate SQL over the wide row
// table, runs them, and post-processes computed metrics.
package query

import (
	"errors"
	"fmt"
	"strings"

	"koboetl/internal/ddl"
	"koboetl/internal/semantic"
	"koboetl/internal/storage"
	"koboetl/internal/widerow"
)

// DefaultLimit caps result rows when a request sets no limit.
const DefaultLimit = 5000

// ErrUnknownCode rejects requests naming a dimension, measure or filter the
// dataset does not declare.
var ErrUnknownCode = errors.New("query: unknown code")

// Request is one aggregate query. Filters are keyed by filter code; a
// dimension code is accepted too and matches with in (lists) or eq.
type Request struct {
	GroupDims []string             `json:"group_dims"`
	Metrics   []semantic.MetricRef `json:"metrics"`
	Filters   map[string]any       `json:"filters,omitempty"`
	Limit     int                  `json:"limit,omitempty"`
}

// Column describes one result column.
type Column struct {
	Header   string        `json:"header"`
	Code     string        `json:"code"`
	Kind     semantic.Kind `json:"kind"`
	Agg      semantic.Agg  `json:"agg,omitempty"`
	Computed bool          `json:"computed,omitempty"`
}

// Builder renders requests for one backend.
type Builder struct {
	Dialect storage.Dialect
	// Table defaults to widerow.Table.
	Table string
}

// activeFilter is a request filter resolved against its definition.
type activeFilter struct {
	dim   string
	op    semantic.Op
	value any
}

// Build renders the SELECT for req over ds and returns it with its bind
// arguments and result columns. Placeholders are in the backend's style.
func (b Builder) Build(ds *semantic.Dataset, req Request) (string, []any, []Column, error) {
	if err := check(ds, req); err != nil {
		return "", nil, nil, err
	}
	table := b.Table
	if table == "" {
		table = widerow.Table
	}
	q := b.Dialect.QuoteIdent
	dims, meas := q("dims"), q("meas")

	var (
		sel   []string
		group []string
		cols  []Column
	)
	for _, code := range req.GroupDims {
		expr := b.Dialect.JSONText(dims, code)
		h := semantic.Alias(code)
		sel = append(sel, expr+" AS "+q(h))
		group = append(group, expr)
		cols = append(cols, Column{Header: h, Code: code, Kind: semantic.KindDimension})
	}
	for _, m := range req.Metrics {
		agg := m.Agg.Normalize()
		h := semantic.Header(m.Code, agg)
		if agg == semantic.AggCount {
			sel = append(sel, "COUNT(*) AS "+q(h))
		} else {
			sel = append(sel, fmt.Sprintf("%s(%s) AS %s", strings.ToUpper(string(agg)), b.Dialect.JSONNumber(meas, m.Code), q(h)))
		}
		cols = append(cols, Column{Header: h, Code: m.Code, Kind: semantic.KindMeasure, Agg: agg})
	}
	if len(sel) == 0 {
		sel = []string{"COUNT(*) AS " + q("n")}
		cols = []Column{{Header: "n", Code: "n", Kind: semantic.KindMeasure, Agg: semantic.AggCount}}
	}

	where := []string{q("dataset") + " = ?"}
	args := []any{ds.Name}
	filters, err := resolveFilters(ds, req.Filters)
	if err != nil {
		return "", nil, nil, err
	}
	for _, f := range filters {
		clause, fargs := predicate(b.Dialect.JSONText(dims, f.dim), f.op, f.value)
		if clause == "" {
			continue
		}
		where = append(where, clause)
		args = append(args, fargs...)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	prefix, suffix := b.Dialect.Limit(limit)
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s%s FROM %s WHERE %s", prefix, strings.Join(sel, ", "),
		ddl.QuoteFQN(q, table), strings.Join(where, " AND "))
	if len(group) > 0 {
		sb.WriteString(" GROUP BY " + strings.Join(group, ", "))
	}
	sb.WriteString(suffix)
	return storage.Rebind(b.Dialect, sb.String()), args, cols, nil
}

// likeEscaper quotes LIKE wildcards with '!'. The escape character avoids
// backslash, which MySQL string literals consume, and escapes '[' for
// SQL Server's character classes.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_", "[", "![")

// check rejects unknown codes before any SQL is rendered.
func check(ds *semantic.Dataset, req Request) error {
	var errs []error
	for _, code := range req.GroupDims {
		if _, ok := ds.Dimension(code); !ok {
			errs = append(errs, fmt.Errorf("%w: dimension %q in dataset %s", ErrUnknownCode, code, ds.Name))
		}
	}
	for _, m := range req.Metrics {
		if _, ok := ds.Measure(m.Code); !ok {
			errs = append(errs, fmt.Errorf("%w: measure %q in dataset %s", ErrUnknownCode, m.Code, ds.Name))
		}
	}
	for code := range req.Filters {
		_, isFilter := ds.Filter(code)
		_, isDim := ds.Dimension(code)
		if !isFilter && !isDim {
			errs = append(errs, fmt.Errorf("%w: filter %q in dataset %s", ErrUnknownCode, code, ds.Name))
		}
	}
	return errors.Join(errs...)
}

// resolveFilters follows the declaration order of the dataset's filters,
// then the remaining dimension-code filters in dimension order.
func resolveFilters(ds *semantic.Dataset, raw map[string]any) ([]activeFilter, error) {
	var out []activeFilter
	for _, f := range ds.Filters {
		v, ok := raw[f.Code]
		if !ok || v == nil {
			continue
		}
		if _, ok := ds.Dimension(f.DimCode); !ok {
			return nil, fmt.Errorf("%w: filter %s targets dimension %q", ErrUnknownCode, f.Code, f.DimCode)
		}
		out = append(out, activeFilter{dim: f.DimCode, op: f.Op.Normalize(), value: v})
	}
	for _, d := range ds.Dimensions {
		if _, isFilter := ds.Filter(d.Code); isFilter {
			continue
		}
		v, ok := raw[d.Code]
		if !ok || v == nil {
			continue
		}
		op := semantic.OpEq
		if _, isList := asList(v); isList {
			op = semantic.OpIn
		}
		out = append(out, activeFilter{dim: d.Code, op: op, value: v})
	}
	return out, nil
}

// predicate renders the fixed template of op against col. An empty clause
// means the filter does not constrain anything.
func predicate(col string, op semantic.Op, v any) (string, []any) {
	switch op {
	case semantic.OpIn:
		vals, ok := asList(v)
		if !ok {
			vals = []any{v}
		}
		if len(vals) == 0 {
			return "1 = 0", nil
		}
		ph := make([]string, len(vals))
		args := make([]any, len(vals))
		for i, x := range vals {
			ph[i] = "?"
			args[i] = semantic.Text(x)
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(ph, ", ")), args
	case semantic.OpContains:
		return fmt.Sprintf("LOWER(%s) LIKE ? ESCAPE '!'", col), []any{"%" + likeEscaper.Replace(strings.ToLower(semantic.Text(v))) + "%"}
	case semantic.OpBetween:
		start, end := bounds(v)
		var (
			parts []string
			args  []any
		)
		if start != "" {
			parts = append(parts, col+" >= ?")
			args = append(args, start)
		}
		if end != "" {
			parts = append(parts, col+" <= ?")
			args = append(args, end)
		}
		return strings.Join(parts, " AND "), args
	case semantic.OpGte:
		return col + " >= ?", []any{semantic.Text(v)}
	case semantic.OpLte:
		return col + " <= ?", []any{semantic.Text(v)}
	}
	if vals, ok := asList(v); ok {
		if len(vals) == 1 {
			return col + " = ?", []any{semantic.Text(vals[0])}
		}
		return predicate(col, semantic.OpIn, vals)
	}
	return col + " = ?", []any{semantic.Text(v)}
}

// bounds reads a between value: [start, end], {"start", "end"} (or
// {"from", "to"}), or a bare start.
func bounds(v any) (start, end string) {
	if vals, ok := asList(v); ok {
		if len(vals) > 0 {
			start = semantic.Text(vals[0])
		}
		if len(vals) > 1 {
			end = semantic.Text(vals[1])
		}
		return start, end
	}
	if m, ok := v.(map[string]any); ok {
		start = semantic.Text(first(m, "start", "from", "min"))
		end = semantic.Text(first(m, "end", "to", "max"))
		return start, end
	}
	return semantic.Text(v), ""
}

func first(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
