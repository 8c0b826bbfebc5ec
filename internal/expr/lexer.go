package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return strconv.Quote(t.text)
}

// lex splits src into tokens. Identifiers keep their spelling; keywords are
// recognized by the parser case-insensitively.
func lex(src string) ([]token, error) {
	var out []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r >= '0' && r <= '9' || r == '.' && i+1 < len(rs) && rs[i+1] >= '0' && rs[i+1] <= '9':
			start := i
			for i < len(rs) && (rs[i] >= '0' && rs[i] <= '9' || rs[i] == '.') {
				i++
			}
			if i < len(rs) && (rs[i] == 'e' || rs[i] == 'E') {
				j := i + 1
				if j < len(rs) && (rs[j] == '+' || rs[j] == '-') {
					j++
				}
				if j < len(rs) && rs[j] >= '0' && rs[j] <= '9' {
					i = j
					for i < len(rs) && rs[i] >= '0' && rs[i] <= '9' {
						i++
					}
				}
			}
			text := string(rs[start:i])
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at %d", text, start)
			}
			out = append(out, token{kind: tokNumber, text: text, num: f, pos: start})
		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(rs) && (rs[i] == '_' || unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i])) {
				i++
			}
			out = append(out, token{kind: tokIdent, text: string(rs[start:i]), pos: start})
		case r == '\'' || r == '"':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(rs) {
				c := rs[i]
				if c == '\\' && i+1 < len(rs) {
					b.WriteRune(rs[i+1])
					i += 2
					continue
				}
				i++
				if c == r {
					closed = true
					break
				}
				b.WriteRune(c)
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			out = append(out, token{kind: tokString, text: b.String(), pos: start})
		default:
			start := i
			kind := tokOp
			text := string(r)
			switch r {
			case '(':
				kind = tokLParen
			case ')':
				kind = tokRParen
			case '[':
				kind = tokLBracket
			case ']':
				kind = tokRBracket
			case ',':
				kind = tokComma
			case '+', '-', '*', '/', '%':
			case '=', '!', '<', '>':
				if i+1 < len(rs) {
					two := text + string(rs[i+1])
					switch two {
					case "==", "!=", "<=", ">=", "<>":
						text = two
					}
				}
				if text == "!" {
					return nil, fmt.Errorf("unexpected %q at %d", text, start)
				}
			default:
				return nil, fmt.Errorf("unexpected %q at %d", text, start)
			}
			i += len([]rune(text))
			out = append(out, token{kind: kind, text: text, pos: start})
		}
	}
	out = append(out, token{kind: tokEOF, pos: len(rs)})
	return out, nil
}
