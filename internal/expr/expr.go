// Package expr holds canonical calculation expressions.
//
// An [Expr] is an operator applied to canonicalized arguments, or a leaf
// (item reference, number, string). Two expressions are the same calculation
// exactly when their canonical keys are equal; the key is the s-expression
// form returned by [Expr.Key].
package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind classifies an expression node.
type Kind uint8

// Expression kinds.
const (
	KindCall Kind = iota
	KindRef
	KindNumber
	KindString
)

// Expr is an immutable expression tree.
type Expr struct {
	kind Kind
	op   string
	args []Expr
	text string
	num  float64
}

// Call returns the application of op to args.
func Call(op string, args ...Expr) Expr {
	return Expr{kind: KindCall, op: op, args: append([]Expr(nil), args...)}
}

// Ref returns a reference to a namespace item by path.
func Ref(path string) Expr {
	return Expr{kind: KindRef, text: path}
}

// Num returns a numeric literal. Negative zero is canonicalized to zero.
// NaN and infinities have no key form and panic.
func Num(v float64) Expr {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		panic(fmt.Sprintf("expr: non-finite number %v", v))
	}

	if v == 0 {
		v = 0
	}

	return Expr{kind: KindNumber, num: v}
}

// Str returns a string literal.
func Str(s string) Expr {
	return Expr{kind: KindString, text: s}
}

// Kind returns the node kind.
func (e Expr) Kind() Kind { return e.kind }

// Op returns the operator of a call.
func (e Expr) Op() string { return e.op }

// Args returns a copy of the call arguments.
func (e Expr) Args() []Expr { return append([]Expr(nil), e.args...) }

// Arg returns argument i of a call.
func (e Expr) Arg(i int) Expr { return e.args[i] }

// NArgs returns the number of call arguments.
func (e Expr) NArgs() int { return len(e.args) }

// Text returns the path of a reference or the value of a string literal.
func (e Expr) Text() string { return e.text }

// Number returns the value of a numeric literal.
func (e Expr) Number() float64 { return e.num }

// Int returns the value of a numeric literal as an integer and whether it
// is integral.
func (e Expr) Int() (int64, bool) {
	if e.kind != KindNumber || e.num != math.Trunc(e.num) {
		return 0, false
	}

	return int64(e.num), true
}

// Key returns the canonical s-expression form.
func (e Expr) Key() string {
	var b strings.Builder

	e.write(&b)

	return b.String()
}

func (e Expr) String() string { return e.Key() }

func (e Expr) write(b *strings.Builder) {
	switch e.kind {
	case KindCall:
		b.WriteByte('(')
		b.WriteString(e.op)

		for _, a := range e.args {
			b.WriteByte(' ')
			a.write(b)
		}

		b.WriteByte(')')
	case KindRef:
		b.WriteString(e.text)
	case KindNumber:
		b.WriteString(strconv.FormatFloat(e.num, 'g', -1, 64))
	case KindString:
		b.WriteString(strconv.Quote(e.text))
	default:
		panic(fmt.Sprintf("expr: unknown kind %d", e.kind))
	}
}

// Equal reports whether e and o are structurally equal.
func (e Expr) Equal(o Expr) bool {
	if e.kind != o.kind || e.op != o.op || e.text != o.text || e.num != o.num || len(e.args) != len(o.args) {
		return false
	}

	for i := range e.args {
		if !e.args[i].Equal(o.args[i]) {
			return false
		}
	}

	return true
}

// Digest returns a 64-bit hash of the canonical key.
func (e Expr) Digest() uint64 {
	return xxhash.Sum64String(e.Key())
}

// FileNameBase returns a file system safe name derived from the key.
func (e Expr) FileNameBase() string {
	return FileNameBase(e.Key())
}

// FileNameBase returns a file system safe name for a canonical key.
func FileNameBase(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// Walk calls fn for e and its descendants in pre-order until fn returns
// false.
func (e Expr) Walk(fn func(Expr) bool) bool {
	if !fn(e) {
		return false
	}

	for _, a := range e.args {
		if !a.Walk(fn) {
			return false
		}
	}

	return true
}

// Refs returns the distinct item references in order of first appearance.
func (e Expr) Refs() []string {
	var out []string

	seen := map[string]bool{}

	e.Walk(func(x Expr) bool {
		if x.kind == KindRef && !seen[x.text] {
			seen[x.text] = true
			out = append(out, x.text)
		}

		return true
	})

	return out
}

// Ops returns the distinct operators in order of first appearance.
func (e Expr) Ops() []string {
	var out []string

	seen := map[string]bool{}

	e.Walk(func(x Expr) bool {
		if x.kind == KindCall && !seen[x.op] {
			seen[x.op] = true
			out = append(out, x.op)
		}

		return true
	})

	return out
}
