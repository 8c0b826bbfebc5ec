package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// multi is the value of DIM on an unset dimension filtered by several values.
type multi []any

type evaluator struct {
	env Env
}

func (e *evaluator) eval(n node) (any, error) {
	switch t := n.(type) {
	case numberLit:
		return t.v, nil
	case stringLit:
		return t.v, nil
	case boolLit:
		return t.v, nil
	case nullLit:
		return nil, nil
	case listLit:
		out := make([]any, 0, len(t.items))
		for _, it := range t.items {
			v, err := e.eval(it)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case ident:
		if v, ok := e.env.Vars[t.name]; ok {
			return normalize(v), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknown, t.name)
	case unary:
		return e.unary(t)
	case binary:
		return e.binary(t)
	case call:
		return e.call(t)
	}
	return nil, fmt.Errorf("%w: node %T", ErrType, n)
}

func (e *evaluator) unary(u unary) (any, error) {
	x, err := e.eval(u.x)
	if err != nil {
		return nil, err
	}
	if u.op == "NOT" {
		return !truthy(x), nil
	}
	f, err := number(x)
	if err != nil {
		return nil, err
	}
	if u.op == "-" {
		return -f, nil
	}
	return f, nil
}

func (e *evaluator) binary(b binary) (any, error) {
	l, err := e.eval(b.l)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "AND":
		if !truthy(l) {
			return l, nil
		}
		return e.eval(b.r)
	case "OR":
		if truthy(l) {
			return l, nil
		}
		return e.eval(b.r)
	}
	r, err := e.eval(b.r)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "<", "<=", ">", ">=":
		return compare(b.op, l, r)
	}

	if b.op == "+" {
		ls, lok := l.(string)
		rs, rok := r.(string)
		if lok && rok {
			return ls + rs, nil
		}
	}
	x, err := number(l)
	if err != nil {
		return nil, err
	}
	y, err := number(r)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "+":
		return x + y, nil
	case "-":
		return x - y, nil
	case "*":
		return x * y, nil
	case "/":
		if y == 0 {
			return nil, ErrDivByZero
		}
		return x / y, nil
	case "%":
		if y == 0 {
			return nil, ErrDivByZero
		}
		// sign follows the divisor
		m := math.Mod(x, y)
		if m != 0 && (m < 0) != (y < 0) {
			m += y
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: operator %s", ErrType, b.op)
}

func (e *evaluator) call(c call) (any, error) {
	switch c.fn {
	case "IF":
		cond, err := e.eval(c.args[0])
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return e.eval(c.args[1])
		}
		return e.eval(c.args[2])
	case "COALESCE":
		for _, a := range c.args {
			v, err := e.eval(a)
			if err != nil {
				return nil, err
			}
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	}

	args := make([]any, len(c.args))
	for i, a := range c.args {
		v, err := e.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch c.fn {
	case "DIM":
		code, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: DIM needs a dimension code", ErrType)
		}
		return e.dim(code), nil
	case "IN":
		return in(args[0], args[1])
	case "NUM":
		return tolerantNumber(args[0]), nil
	case "ABS":
		f, err := number(args[0])
		if err != nil {
			return nil, err
		}
		return math.Abs(f), nil
	case "MIN", "MAX":
		return extreme(c.fn == "MAX", args), nil
	case "ROUND":
		f, err := number(args[0])
		if err != nil {
			return nil, err
		}
		digits := 0.0
		if len(args) == 2 {
			if digits, err = number(args[1]); err != nil {
				return nil, err
			}
			if math.IsNaN(digits) {
				return nil, fmt.Errorf("%w: ROUND digits", ErrType)
			}
		}
		return Round(f, int(math.Max(-400, math.Min(400, digits)))), nil
	case "FLOOR":
		f, err := number(args[0])
		if err != nil {
			return nil, err
		}
		return math.Floor(f), nil
	case "CEIL":
		f, err := number(args[0])
		if err != nil {
			return nil, err
		}
		return math.Ceil(f), nil
	}
	return nil, fmt.Errorf("%w: function %s", ErrType, c.fn)
}

// dim prefers the row's value; otherwise the active filter values stand in.
func (e *evaluator) dim(code string) any {
	if v, ok := e.env.Dims[code]; ok && v != nil && v != "" {
		return normalize(v)
	}
	vals := e.env.Filters[code]
	switch len(vals) {
	case 0:
		return nil
	case 1:
		return normalize(vals[0])
	}
	out := make(multi, len(vals))
	for i, v := range vals {
		out[i] = normalize(v)
	}
	return out
}

func in(x, list any) (any, error) {
	var items []any
	switch l := list.(type) {
	case []any:
		items = l
	case multi:
		items = l
	case nil:
		return false, nil
	default:
		return nil, fmt.Errorf("%w: IN needs a list", ErrType)
	}
	xs, ok := x.(multi)
	if !ok {
		xs = multi{x}
	}
	for _, a := range xs {
		if a == nil {
			continue
		}
		for _, b := range items {
			if equal(a, b) {
				return true, nil
			}
		}
	}
	return false, nil
}

func extreme(largest bool, args []any) any {
	var vals []float64
	var add func(v any)
	add = func(v any) {
		switch t := v.(type) {
		case []any:
			for _, it := range t {
				add(it)
			}
		case multi:
			for _, it := range t {
				add(it)
			}
		default:
			f, err := number(t)
			if err != nil {
				f = 0
			}
			vals = append(vals, f)
		}
	}
	for _, a := range args {
		add(a)
	}
	if len(vals) == 0 {
		return 0.0
	}
	out := vals[0]
	for _, f := range vals[1:] {
		if largest && f > out || !largest && f < out {
			out = f
		}
	}
	return out
}

func number(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, ErrNull
	case float64:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %v is not a number", ErrType, v)
}

func tolerantNumber(v any) any {
	switch t := v.(type) {
	case float64:
		return t
	case bool:
		f, _ := number(t)
		return f
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", ".")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return v
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case multi:
		return len(t) > 0
	}
	return true
}

func equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	x, xerr := number(a)
	y, yerr := number(b)
	return xerr == nil && yerr == nil && x == y
}

func compare(op string, l, r any) (any, error) {
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("%w: cannot compare %q with %v", ErrType, ls, r)
		}
		c := strings.Compare(ls, rs)
		return ordered(op, float64(c), 0), nil
	}
	x, err := number(l)
	if err != nil {
		return nil, err
	}
	y, err := number(r)
	if err != nil {
		return nil, err
	}
	return ordered(op, x, y), nil
}

func ordered(op string, x, y float64) bool {
	switch op {
	case "<":
		return x < y
	case "<=":
		return x <= y
	case ">":
		return x > y
	}
	return x >= y
}

// Round rounds f half away from zero to digits decimals. Digits beyond
// float64 precision leave f unchanged.
func Round(f float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	if p == 0 {
		return 0
	}
	r := math.Round(f*p) / p
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return f
	}
	return r
}
