package calc

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/gridcalc/internal/expr"
)

// evalArray builds data from literals: (array domain "Float64" v0 v1 ...).
func evalArray(_ context.Context, c *Call) (any, error) {
	dom, err := c.Unit(0)
	if err != nil {
		return nil, err
	}

	vt, err := c.ValueType(1)
	if err != nil {
		return nil, err
	}

	n := c.NArgs() - 2
	if int64(n) != dom.Count() {
		return nil, fmt.Errorf("array: %w: %d values for domain of %d", ErrShape, n, dom.Count())
	}

	vals := make([]float64, n)

	for i := range vals {
		vals[i], err = c.Float(i + 2)
		if err != nil {
			return nil, err
		}
	}

	col, err := columnFromFloats(vt, dom.Tiling(), vals)
	if err != nil {
		return nil, err
	}

	return &Data{Domain: dom, Col: col}, nil
}

func fileValuesFiles(x expr.Expr) []string {
	if x.NArgs() != 3 || x.Arg(2).Kind() != expr.KindString {
		return nil
	}

	return []string{filepath.Clean(x.Arg(2).Text())}
}

// evalFileValues reads a YAML sequence of numbers: (file_values domain
// "Int32" "/path/values.yaml"). A null entry is the undefined value.
func evalFileValues(_ context.Context, c *Call) (any, error) {
	dom, err := c.Unit(0)
	if err != nil {
		return nil, err
	}

	vt, err := c.ValueType(1)
	if err != nil {
		return nil, err
	}

	path, err := c.String(2)
	if err != nil {
		return nil, err
	}

	raw, err := c.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("file_values: %w", err)
	}

	var entries []*float64

	err = yaml.Unmarshal(raw, &entries)
	if err != nil {
		return nil, fmt.Errorf("file_values %s: %w", path, err)
	}

	if int64(len(entries)) != dom.Count() {
		return nil, fmt.Errorf("file_values %s: %w: %d values for domain of %d", path, ErrShape, len(entries), dom.Count())
	}

	vals := make([]float64, len(entries))

	for i, v := range entries {
		if v == nil {
			vals[i] = math.NaN()
		} else {
			vals[i] = *v
		}
	}

	col, err := columnFromFloats(vt, dom.Tiling(), vals)
	if err != nil {
		return nil, err
	}

	return &Data{Domain: dom, Col: col}, nil
}

// evalRandom draws uniform values in [0, 1): (random domain).
func evalRandom(_ context.Context, c *Call) (any, error) {
	dom, err := c.Unit(0)
	if err != nil {
		return nil, err
	}

	vals := make([]float64, dom.Count())
	for i := range vals {
		vals[i] = rand.Float64() //nolint:gosec // not security relevant
	}

	return &Data{Domain: dom, Col: NewColumn(dom.Tiling(), vals)}, nil
}
