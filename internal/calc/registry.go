package calc

import (
	"context"
	"fmt"
	"slices"

	"github.com/calvinalkan/gridcalc/internal/expr"
	"github.com/calvinalkan/gridcalc/internal/fs"
	"github.com/calvinalkan/gridcalc/internal/geo"
	"github.com/calvinalkan/gridcalc/internal/tile"
	"github.com/calvinalkan/gridcalc/internal/tree"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// EvalFunc computes the result of one operator call: a [*unit.Unit] or a
// [*Data].
type EvalFunc func(ctx context.Context, c *Call) (any, error)

// Operator describes a calculation the engine can instantiate.
type Operator struct {
	Name string

	// Result is tree.UnitKind or tree.DataKind.
	Result tree.Kind

	// MinArgs and MaxArgs bound the argument count. A negative MaxArgs
	// accepts any number of trailing arguments.
	MinArgs int
	MaxArgs int

	// Volatile results may change between activations. They are never
	// memoized or persisted.
	Volatile bool

	// Files returns the external files a call reads. The engine tracks their
	// modification times and watches them.
	Files func(x expr.Expr) []string

	Eval EvalFunc
}

func (op *Operator) checkArity(n int) error {
	if n < op.MinArgs || (op.MaxArgs >= 0 && n > op.MaxArgs) {
		if op.MaxArgs < 0 {
			return fmt.Errorf("%s: %w: got %d, want at least %d", op.Name, ErrArity, n, op.MinArgs)
		}

		return fmt.Errorf("%s: %w: got %d, want %d..%d", op.Name, ErrArity, n, op.MinArgs, op.MaxArgs)
	}

	return nil
}

// Registry maps operator names to operators. It is owned by one engine.
type Registry struct {
	ops map[string]*Operator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operator)}
}

// Builtins returns a registry with every built-in operator.
func Builtins() *Registry {
	r := NewRegistry()

	for _, op := range builtinOperators() {
		if err := r.Register(op); err != nil {
			panic(err)
		}
	}

	return r
}

// Register adds op. Names must be unique.
func (r *Registry) Register(op Operator) error {
	if op.Name == "" || op.Eval == nil {
		return fmt.Errorf("register operator %q: %w: name and eval are required", op.Name, ErrArgument)
	}

	if _, ok := r.ops[op.Name]; ok {
		return fmt.Errorf("register operator %q: %w: already registered", op.Name, ErrArgument)
	}

	r.ops[op.Name] = &op

	return nil
}

// Lookup returns the operator named name.
func (r *Registry) Lookup(name string) (*Operator, bool) {
	op, ok := r.ops[name]

	return op, ok
}

// Names returns the registered operator names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ops))
	for n := range r.ops {
		names = append(names, n)
	}

	slices.Sort(names)

	return names
}

func builtinOperators() []Operator {
	return []Operator{
		{Name: "range", Result: tree.UnitKind, MinArgs: 3, MaxArgs: 3, Eval: evalRange},
		{Name: "grid", Result: tree.UnitKind, MinArgs: 3, MaxArgs: 3, Eval: evalGrid},
		{Name: "array", Result: tree.DataKind, MinArgs: 2, MaxArgs: -1, Eval: evalArray},
		{Name: "file_values", Result: tree.DataKind, MinArgs: 3, MaxArgs: 3, Files: fileValuesFiles, Eval: evalFileValues},
		{Name: "random", Result: tree.DataKind, MinArgs: 1, MaxArgs: 1, Volatile: true, Eval: evalRandom},
		{Name: "pcount", Result: tree.DataKind, MinArgs: 2, MaxArgs: 2, Eval: evalPCount},
		{Name: "invert", Result: tree.DataKind, MinArgs: 2, MaxArgs: 2, Eval: evalInvert(false)},
		{Name: "invert_all", Result: tree.DataKind, MinArgs: 2, MaxArgs: 2, Eval: evalInvert(true)},
		{Name: "covariance", Result: tree.DataKind, MinArgs: 2, MaxArgs: 2, Eval: evalStat(statCovariance)},
		{Name: "correlation", Result: tree.DataKind, MinArgs: 2, MaxArgs: 2, Eval: evalStat(statCorrelation)},
		{Name: "covariance_partial", Result: tree.DataKind, MinArgs: 4, MaxArgs: 4, Eval: evalPartialStat(statCovariance)},
		{Name: "correlation_partial", Result: tree.DataKind, MinArgs: 4, MaxArgs: 4, Eval: evalPartialStat(statCorrelation)},
		{Name: "district_4", Result: tree.DataKind, MinArgs: 1, MaxArgs: 1, Eval: evalDistricts(geo.Rule4)},
		{Name: "district_8", Result: tree.DataKind, MinArgs: 1, MaxArgs: 1, Eval: evalDistricts(geo.Rule8)},
		{Name: "diversity", Result: tree.DataKind, MinArgs: 3, MaxArgs: 4, Eval: evalDiversity},
	}
}

// Call is one operator invocation. Arguments that are calculations carry
// their computed result; literal arguments are read from Expr.
type Call struct {
	Expr expr.Expr

	args     []any
	fsys     fs.FS
	runner   *tile.Runner
	progress *tile.Progress
	tileSize int64
}

// NArgs returns the number of arguments.
func (c *Call) NArgs() int { return c.Expr.NArgs() }

// Runner returns the engine's tile runner.
func (c *Call) Runner() *tile.Runner { return c.runner }

// Progress returns the tiles this computation finished in earlier
// interrupted attempts. Pass it to [tile.RunResumable] so a cancelled or
// suspended evaluation picks up where it stopped. It may be nil.
func (c *Call) Progress() *tile.Progress { return c.progress }

func (c *Call) argErr(i int, format string, args ...any) error {
	return fmt.Errorf("%s argument %d: %w: %s", c.Expr.Op(), i, ErrArgument, fmt.Sprintf(format, args...))
}

// ReadFile reads an external source file.
func (c *Call) ReadFile(path string) ([]byte, error) {
	return c.fsys.ReadFile(path)
}

// Unit returns argument i as a unit.
func (c *Call) Unit(i int) (*unit.Unit, error) {
	u, ok := c.args[i].(*unit.Unit)
	if !ok {
		return nil, c.argErr(i, "want a unit, got %s", c.describe(i))
	}

	return u, nil
}

// Data returns argument i as a data item.
func (c *Call) Data(i int) (*Data, error) {
	d, ok := c.args[i].(*Data)
	if !ok {
		return nil, c.argErr(i, "want data, got %s", c.describe(i))
	}

	return d, nil
}

// Float returns the numeric literal at i.
func (c *Call) Float(i int) (float64, error) {
	a := c.Expr.Arg(i)
	if a.Kind() != expr.KindNumber {
		return 0, c.argErr(i, "want a number, got %s", c.describe(i))
	}

	return a.Number(), nil
}

// Int returns the integral numeric literal at i.
func (c *Call) Int(i int) (int64, error) {
	a := c.Expr.Arg(i)

	v, ok := a.Int()
	if !ok {
		return 0, c.argErr(i, "want an integer, got %s", c.describe(i))
	}

	return v, nil
}

// String returns the string literal at i.
func (c *Call) String(i int) (string, error) {
	a := c.Expr.Arg(i)
	if a.Kind() != expr.KindString {
		return "", c.argErr(i, "want a string, got %s", c.describe(i))
	}

	return a.Text(), nil
}

// ValueType returns the value type named by the string literal at i.
func (c *Call) ValueType(i int) (unit.ValueType, error) {
	s, err := c.String(i)
	if err != nil {
		return unit.Void, err
	}

	vt, err := unit.ParseValueType(s)
	if err != nil {
		return unit.Void, c.argErr(i, "%v", err)
	}

	return vt, nil
}

func (c *Call) describe(i int) string {
	switch p := c.args[i].(type) {
	case *unit.Unit:
		return "unit " + p.Name()
	case *Data:
		return "data<" + p.Col.ValueType().String() + ">"
	}

	switch c.Expr.Arg(i).Kind() {
	case expr.KindNumber:
		return "number"
	case expr.KindString:
		return "string"
	default:
		return "expression"
	}
}

// tiling returns the tiling for a new unit of n elements.
func (c *Call) tiling(n int64) (*unit.Tiling, error) {
	if c.tileSize <= 0 || n <= c.tileSize {
		return unit.SingleTile(n), nil
	}

	return unit.NewTiling(n, c.tileSize)
}
