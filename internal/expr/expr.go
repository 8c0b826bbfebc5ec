// Package expr evaluates computed-metric formulas. Expressions are parsed
// into a small AST and interpreted directly; only arithmetic, comparison and
// boolean operators plus the built-ins DIM, IN, IF, NUM, ABS, MIN, MAX,
// ROUND, FLOOR, CEIL and COALESCE are available.
//
// Values are nil (null), float64, string, bool or []any lists. Arithmetic on
// null, division by zero, unknown identifiers, type mismatches and results
// that overflow to NaN or infinity are evaluation errors; callers turn a failed formula into null for that row.
package expr

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	ErrDivByZero = errors.New("division by zero")
	ErrNull      = errors.New("null operand")
	ErrUnknown   = errors.New("unknown identifier")
	ErrType      = errors.New("type mismatch")
	ErrOverflow  = errors.New("result is not a finite number")
)

// EvalError reports a formula that could not be evaluated.
type EvalError struct {
	Expr string
	Err  error
}

func (e *EvalError) Error() string { return fmt.Sprintf("expr: %q: %v", e.Expr, e.Err) }

func (e *EvalError) Unwrap() error { return e.Err }

// Env is the evaluation context of one result row.
type Env struct {
	// Vars holds base measure values and earlier computed results.
	Vars map[string]any
	// Dims holds the dimension values of the row.
	Dims map[string]any
	// Filters holds the active filter values by dimension code; DIM falls
	// back to them when the row does not carry the dimension.
	Filters map[string][]any
}

// Program is a compiled formula.
type Program struct {
	src  string
	root node
	vars []string
	dims []string
}

// Compile parses src.
func Compile(src string) (*Program, error) {
	root, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("expr: %q: %w", src, err)
	}
	p := &Program{src: src, root: root}
	vars, dims := map[string]bool{}, map[string]bool{}
	collect(root, vars, dims)
	p.vars, p.dims = sortedSet(vars), sortedSet(dims)
	return p, nil
}

// String returns the source text.
func (p *Program) String() string { return p.src }

// Vars lists the identifiers the formula reads, sorted.
func (p *Program) Vars() []string { return p.vars }

// Dims lists the dimension codes passed literally to DIM, sorted.
func (p *Program) Dims() []string { return p.dims }

// Eval evaluates the formula against env.
func (p *Program) Eval(env Env) (any, error) {
	v, err := (&evaluator{env: env}).eval(p.root)
	if err != nil {
		return nil, &EvalError{Expr: p.src, Err: err}
	}
	if m, ok := v.(multi); ok {
		return []any(m), nil
	}
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil, &EvalError{Expr: p.src, Err: ErrOverflow}
	}
	return v, nil
}

// Evaluate compiles and evaluates src, yielding nil when either step fails.
func Evaluate(src string, env Env) any {
	p, err := Compile(src)
	if err != nil {
		return nil
	}
	v, err := p.Eval(env)
	if err != nil {
		return nil
	}
	return v
}

func collect(n node, vars, dims map[string]bool) {
	switch t := n.(type) {
	case ident:
		vars[t.name] = true
	case unary:
		collect(t.x, vars, dims)
	case binary:
		collect(t.l, vars, dims)
		collect(t.r, vars, dims)
	case listLit:
		for _, it := range t.items {
			collect(it, vars, dims)
		}
	case call:
		if t.fn == "DIM" && len(t.args) == 1 {
			if s, ok := t.args[0].(stringLit); ok {
				dims[s.v] = true
			}
		}
		for _, a := range t.args {
			collect(a, vars, dims)
		}
	}
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CycleError lists the computed codes that depend on each other.
type CycleError struct {
	Codes []string
}

func (e *CycleError) Error() string {
	return "expr: cyclic computed metrics: " + strings.Join(e.Codes, ", ")
}

// Def is a named formula used for ordering.
type Def struct {
	Code string
	Expr string
}

// Order returns the indices of defs in evaluation order: every formula comes
// after the formulas whose codes it reads (as an identifier or through DIM),
// and independent formulas keep their declaration order. A cycle yields a
// *CycleError naming the codes involved.
func Order(defs []Def) ([]int, error) {
	index := make(map[string]int, len(defs))
	for i, d := range defs {
		index[d.Code] = i
	}
	indeg := make([]int, len(defs))
	users := make([][]int, len(defs))
	for i, d := range defs {
		p, err := Compile(d.Expr)
		if err != nil {
			return nil, fmt.Errorf("expr: computed %s: %w", d.Code, err)
		}
		seen := map[int]bool{}
		for _, ref := range append(p.Vars(), p.Dims()...) {
			j, ok := index[ref]
			if !ok || seen[j] {
				continue
			}
			if j == i {
				return nil, &CycleError{Codes: []string{d.Code}}
			}
			seen[j] = true
			users[j] = append(users[j], i)
			indeg[i]++
		}
	}

	order := make([]int, 0, len(defs))
	done := make([]bool, len(defs))
	for len(order) < len(defs) {
		next := -1
		for i := range defs {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var codes []string
			for i, d := range defs {
				if !done[i] {
					codes = append(codes, d.Code)
				}
			}
			return nil, &CycleError{Codes: codes}
		}
		done[next] = true
		order = append(order, next)
		for _, u := range users[next] {
			indeg[u]--
		}
	}
	return order, nil
}
