package expr

import (
	"fmt"
	"strings"
)

type node any

type (
	numberLit struct{ v float64 }
	stringLit struct{ v string }
	boolLit   struct{ v bool }
	nullLit   struct{}
	listLit   struct{ items []node }
	ident     struct{ name string }
)

type unary struct {
	op string
	x  node
}

type binary struct {
	op   string
	l, r node
}

type call struct {
	fn   string
	args []node
}

// arity bounds of the built-in functions; max < 0 means variadic.
var builtins = map[string][2]int{
	"DIM":      {1, 1},
	"IN":       {2, 2},
	"IF":       {3, 3},
	"NUM":      {1, 1},
	"ABS":      {1, 1},
	"MIN":      {1, -1},
	"MAX":      {1, -1},
	"ROUND":    {1, 2},
	"FLOOR":    {1, 1},
	"CEIL":     {1, 1},
	"COALESCE": {1, -1},
}

type parser struct {
	toks []token
	pos  int
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s at %d", t, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// keyword reports whether the next token is the identifier kw, ignoring case.
func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) op(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, o := range ops {
		if t.text == o {
			p.pos++
			return o, true
		}
	}
	return "", false
}

func (p *parser) or() (node, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.next()
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = binary{op: "OR", l: l, r: r}
	}
	return l, nil
}

func (p *parser) and() (node, error) {
	l, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		p.next()
		r, err := p.not()
		if err != nil {
			return nil, err
		}
		l = binary{op: "AND", l: l, r: r}
	}
	return l, nil
}

func (p *parser) not() (node, error) {
	if p.keyword("NOT") {
		p.next()
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return unary{op: "NOT", x: x}, nil
	}
	return p.comparison()
}

func (p *parser) comparison() (node, error) {
	l, err := p.additive()
	if err != nil {
		return nil, err
	}
	if o, ok := p.op("=", "==", "!=", "<>", "<", "<=", ">", ">="); ok {
		switch o {
		case "=":
			o = "=="
		case "<>":
			o = "!="
		}
		r, err := p.additive()
		if err != nil {
			return nil, err
		}
		return binary{op: o, l: l, r: r}, nil
	}
	return l, nil
}

func (p *parser) additive() (node, error) {
	l, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for {
		o, ok := p.op("+", "-")
		if !ok {
			return l, nil
		}
		r, err := p.multiplicative()
		if err != nil {
			return nil, err
		}
		l = binary{op: o, l: l, r: r}
	}
}

func (p *parser) multiplicative() (node, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		o, ok := p.op("*", "/", "%")
		if !ok {
			return l, nil
		}
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = binary{op: o, l: l, r: r}
	}
}

func (p *parser) unary() (node, error) {
	if o, ok := p.op("-", "+"); ok {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return unary{op: o, x: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return numberLit{v: t.num}, nil
	case tokString:
		return stringLit{v: t.text}, nil
	case tokLParen:
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at %d, found %s", c.pos, c)
		}
		return n, nil
	case tokLBracket:
		items, err := p.list(tokRBracket)
		if err != nil {
			return nil, err
		}
		return listLit{items: items}, nil
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			return boolLit{v: true}, nil
		case "FALSE":
			return boolLit{v: false}, nil
		case "NULL", "NONE":
			return nullLit{}, nil
		case "AND", "OR", "NOT":
			return nil, fmt.Errorf("unexpected %s at %d", t, t.pos)
		}
		if p.peek().kind != tokLParen {
			return ident{name: t.text}, nil
		}
		p.next()
		fn := strings.ToUpper(t.text)
		bounds, ok := builtins[fn]
		if !ok {
			return nil, fmt.Errorf("unknown function %s at %d", t.text, t.pos)
		}
		args, err := p.list(tokRParen)
		if err != nil {
			return nil, err
		}
		if len(args) < bounds[0] || bounds[1] >= 0 && len(args) > bounds[1] {
			return nil, fmt.Errorf("%s: wrong number of arguments (%d)", fn, len(args))
		}
		return call{fn: fn, args: args}, nil
	}
	return nil, fmt.Errorf("unexpected %s at %d", t, t.pos)
}

// list parses comma separated expressions up to the closing token.
func (p *parser) list(closing tokenKind) ([]node, error) {
	var items []node
	if p.peek().kind == closing {
		p.next()
		return items, nil
	}
	for {
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		items = append(items, n)
		t := p.next()
		switch t.kind {
		case tokComma:
			continue
		case closing:
			return items, nil
		}
		return nil, fmt.Errorf("unexpected %s at %d", t, t.pos)
	}
}
