package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"

	"koboetl/internal/expr"
	"koboetl/internal/semantic"
)

// step is one computed metric ready to evaluate.
type step struct {
	def  semantic.ComputedMetric
	prog *expr.Program
}

// plan evaluates the computed metrics of one request.
type plan struct {
	steps []step
	// inputs maps each base measure read by a step to the aggregation whose
	// column feeds it.
	inputs map[string]semantic.Agg
}

// newPlan resolves the computed codes requested, plus every computed metric
// they depend on, in evaluation order.
func newPlan(ds *semantic.Dataset, codes []string) (plan, error) {
	p := plan{inputs: map[string]semantic.Agg{}}
	if len(codes) == 0 {
		return p, nil
	}
	defs := make([]expr.Def, len(ds.Computed))
	progs := make([]*expr.Program, len(ds.Computed))
	index := make(map[string]int, len(ds.Computed))
	for i, c := range ds.Computed {
		prog, err := expr.Compile(c.Expr)
		if err != nil {
			return plan{}, fmt.Errorf("query: computed %s of %s: %w", c.Code, ds.Name, err)
		}
		defs[i] = expr.Def{Code: c.Code, Expr: c.Expr}
		progs[i] = prog
		index[c.Code] = i
	}
	order, err := expr.Order(defs)
	if err != nil {
		return plan{}, fmt.Errorf("query: dataset %s: %w", ds.Name, err)
	}

	need := map[int]bool{}
	var visit func(i int)
	visit = func(i int) {
		if need[i] {
			return
		}
		need[i] = true
		for _, ref := range append(progs[i].Vars(), progs[i].Dims()...) {
			if j, ok := index[ref]; ok {
				visit(j)
				continue
			}
			if m, ok := ds.Measure(ref); ok {
				p.inputs[ref] = m.DefaultAgg.Normalize()
			}
		}
	}
	for _, code := range codes {
		visit(index[code])
	}
	for _, i := range order {
		if need[i] {
			p.steps = append(p.steps, step{def: ds.Computed[i], prog: progs[i]})
		}
	}
	return p, nil
}

// QueryWithComputed runs req where GroupDims and Metrics may also name
// computed metrics. The base measures those formulas read are added to the
// SQL query with their default aggregation, then every computed metric is
// evaluated per row in dependency order and appended as a column. A formula
// that fails for a row yields null in that row.
func (s *Service) QueryWithComputed(ctx context.Context, dataset string, req Request) (Result, error) {
	ds, err := s.Dataset(dataset)
	if err != nil {
		return Result{}, err
	}
	base := Request{Filters: req.Filters, Limit: req.Limit}
	var codes []string
	for _, d := range req.GroupDims {
		if _, ok := ds.ComputedMetric(d); ok {
			codes = append(codes, d)
			continue
		}
		base.GroupDims = append(base.GroupDims, d)
	}
	for _, m := range req.Metrics {
		if _, ok := ds.ComputedMetric(m.Code); ok {
			codes = append(codes, m.Code)
			continue
		}
		base.Metrics = append(base.Metrics, m)
	}
	p, err := newPlan(ds, codes)
	if err != nil {
		return Result{}, err
	}
	inputs := make([]string, 0, len(p.inputs))
	for code := range p.inputs {
		inputs = append(inputs, code)
	}
	sort.Strings(inputs)
	for _, code := range inputs {
		if agg := p.inputs[code]; !hasMetric(base.Metrics, code, agg) {
			base.Metrics = append(base.Metrics, semantic.MetricRef{Code: code, Agg: agg})
		}
	}

	res, err := s.run(ctx, ds, base)
	if err != nil {
		return Result{}, err
	}
	p.apply(ds.Name, &res)
	return res, nil
}

func hasMetric(ms []semantic.MetricRef, code string, agg semantic.Agg) bool {
	for _, m := range ms {
		if m.Code == code && m.Agg.Normalize() == agg {
			return true
		}
	}
	return false
}

// apply appends one column per step to res.
func (p plan) apply(dataset string, res *Result) {
	if len(p.steps) == 0 {
		return
	}
	pos := make(map[string]int, len(res.Columns))
	for i, c := range res.Columns {
		pos[c.Header] = i
	}
	failed := 0
	for r, row := range res.Rows {
		env := expr.Env{Vars: map[string]any{}, Dims: map[string]any{}, Filters: res.filters}
		for i, c := range res.Columns {
			if c.Kind == semantic.KindDimension && !c.Computed {
				env.Dims[c.Code] = row[i]
			}
		}
		for code, agg := range p.inputs {
			if i, ok := pos[semantic.Header(code, agg)]; ok {
				env.Vars[code] = row[i]
			}
		}
		for _, st := range p.steps {
			v, err := st.prog.Eval(env)
			if err != nil {
				failed++
				v = nil
			}
			if st.def.IsMeasure() {
				v = round(v, st.def.Round)
			} else {
				env.Dims[st.def.Code] = v
			}
			env.Vars[st.def.Code] = v
			row = append(row, v)
		}
		res.Rows[r] = row
	}
	for _, st := range p.steps {
		kind := semantic.KindMeasure
		if !st.def.IsMeasure() {
			kind = semantic.KindDimension
		}
		h := semantic.Alias(st.def.Code)
		res.Columns = append(res.Columns, Column{Header: h, Code: st.def.Code, Kind: kind, Computed: true})
		res.Headers = append(res.Headers, h)
	}
	if failed > 0 {
		log.Printf("query: computed metrics yielded null dataset=%s evaluations=%d", dataset, failed)
	}
}

// round applies digits to a measure result and maps NaN and infinities to
// null.
func round(v any, digits *int) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	if digits == nil {
		return f
	}
	return expr.Round(f, *digits)
}

// Rollup re-aggregates res over the kept dimension columns. sum and count
// columns are summed, min and max re-applied; avg columns cannot be
// recombined from averages and become null. Computed columns are evaluated
// again on the rolled-up rows.
func (s *Service) Rollup(dataset string, res Result, keep []string) (Result, error) {
	ds, err := s.Dataset(dataset)
	if err != nil {
		return Result{}, err
	}
	return rollup(ds, res, keep)
}

func rollup(ds *semantic.Dataset, res Result, keep []string) (Result, error) {
	var (
		dimIdx  []int
		measIdx []int
		codes   []string
	)
	for _, k := range keep {
		found := false
		for i, c := range res.Columns {
			if c.Kind == semantic.KindDimension && !c.Computed && c.Code == k {
				dimIdx = append(dimIdx, i)
				found = true
				break
			}
		}
		if !found {
			return Result{}, fmt.Errorf("%w: roll-up dimension %q not in result", ErrUnknownCode, k)
		}
	}
	for i, c := range res.Columns {
		switch {
		case c.Computed:
			codes = append(codes, c.Code)
		case c.Kind == semantic.KindMeasure:
			measIdx = append(measIdx, i)
		}
	}

	out := Result{filters: res.filters}
	for _, i := range append(append([]int{}, dimIdx...), measIdx...) {
		out.Columns = append(out.Columns, res.Columns[i])
		out.Headers = append(out.Headers, res.Columns[i].Header)
	}
	groups := map[string]int{}
	for _, row := range res.Rows {
		keyVals := make([]any, len(dimIdx))
		for j, i := range dimIdx {
			keyVals[j] = row[i]
		}
		b, _ := json.Marshal(keyVals)
		g, ok := groups[string(b)]
		if !ok {
			g = len(out.Rows)
			groups[string(b)] = g
			vals := append([]any{}, keyVals...)
			for _, i := range measIdx {
				if res.Columns[i].Agg == semantic.AggAvg {
					vals = append(vals, nil)
				} else {
					vals = append(vals, row[i])
				}
			}
			out.Rows = append(out.Rows, vals)
			continue
		}
		acc := out.Rows[g]
		for j, i := range measIdx {
			at := len(dimIdx) + j
			acc[at] = combine(res.Columns[i].Agg, acc[at], row[i])
		}
	}

	if len(codes) > 0 {
		p, err := newPlan(ds, codes)
		if err != nil {
			return Result{}, err
		}
		p.apply(ds.Name, &out)
	}
	return out, nil
}

func combine(agg semantic.Agg, acc, v any) any {
	a, aok := acc.(float64)
	b, bok := v.(float64)
	switch {
	case agg == semantic.AggAvg:
		return nil
	case !bok:
		return acc
	case !aok:
		return b
	}
	switch agg {
	case semantic.AggMin:
		return math.Min(a, b)
	case semantic.AggMax:
		return math.Max(a, b)
	}
	if sum := a + b; !math.IsInf(sum, 0) {
		return sum
	}
	return nil
}
