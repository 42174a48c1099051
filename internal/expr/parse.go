package expr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrSyntax is returned by [Parse] for malformed input.
var ErrSyntax = errors.New("expression syntax error")

// Parse reads the s-expression form produced by [Expr.Key]. A bare token
// is a number when it reads as a finite float and a reference otherwise, so
// "NaN", "-x" and "../d" are references.
func Parse(s string) (Expr, error) {
	p := parser{src: s}

	e, err := p.expr()
	if err != nil {
		return Expr{}, err
	}

	p.skipSpace()

	if p.pos != len(p.src) {
		return Expr{}, p.errorf("trailing input %q", p.src[p.pos:])
	}

	return e, nil
}

// MustParse is like [Parse] but panics on error.
func MustParse(s string) Expr {
	e, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return e
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func (p *parser) expr() (Expr, error) {
	p.skipSpace()

	if p.pos >= len(p.src) {
		return Expr{}, p.errorf("unexpected end of input")
	}

	switch c := p.src[p.pos]; {
	case c == '(':
		return p.call()
	case c == ')':
		return Expr{}, p.errorf("unexpected ')'")
	case c == '"':
		return p.str()
	default:
		return p.atom()
	}
}

func (p *parser) call() (Expr, error) {
	p.pos++ // (
	p.skipSpace()

	op := p.token()
	if op == "" {
		return Expr{}, p.errorf("missing operator")
	}

	var args []Expr

	for {
		p.skipSpace()

		if p.pos >= len(p.src) {
			return Expr{}, p.errorf("unterminated call to %s", op)
		}

		if p.src[p.pos] == ')' {
			p.pos++

			return Call(op, args...), nil
		}

		a, err := p.expr()
		if err != nil {
			return Expr{}, err
		}

		args = append(args, a)
	}
}

func (p *parser) str() (Expr, error) {
	start := p.pos
	p.pos++

	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '\\':
			p.pos += 2
		case '"':
			p.pos++

			s, err := strconv.Unquote(p.src[start:p.pos])
			if err != nil {
				return Expr{}, p.errorf("bad string %s: %v", p.src[start:p.pos], err)
			}

			return Str(s), nil
		default:
			p.pos++
		}
	}

	return Expr{}, p.errorf("unterminated string")
}

func (p *parser) token() string {
	start := p.pos

	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if isSpace(c) || c == '(' || c == ')' || c == '"' {
			break
		}

		p.pos++
	}

	return p.src[start:p.pos]
}

func (p *parser) atom() (Expr, error) {
	tok := p.token()
	if tok == "" {
		return Expr{}, p.errorf("empty token")
	}

	v, err := strconv.ParseFloat(tok, 64)

	switch {
	case errors.Is(err, strconv.ErrRange):
		return Expr{}, p.errorf("number %q out of range", tok)
	case err == nil && !math.IsNaN(v) && !math.IsInf(v, 0):
		return Num(v), nil
	default:
		return Ref(tok), nil
	}
}
