package calc

import (
	"context"
	"fmt"

	"github.com/calvinalkan/gridcalc/internal/unit"
)

// evalRange builds a 1-D unit: (range "UInt32" begin end).
func evalRange(_ context.Context, c *Call) (any, error) {
	vt, err := c.ValueType(0)
	if err != nil {
		return nil, err
	}

	if !vt.IsOrdinal() || vt.IsBitPacked() {
		return nil, c.argErr(0, "%s cannot bound a range", vt)
	}

	begin, err := c.Int(1)
	if err != nil {
		return nil, err
	}

	end, err := c.Int(2)
	if err != nil {
		return nil, err
	}

	u := unit.New(c.Expr.Key(), vt)

	err = u.SetRange(begin, end)
	if err != nil {
		return nil, err
	}

	t, err := c.tiling(u.Count())
	if err != nil {
		return nil, err
	}

	err = u.SetTiling(t)
	if err != nil {
		return nil, err
	}

	return u, nil
}

// evalGrid builds a 2-D unit: (grid "SPoint" rows cols). Tiles hold whole
// rows.
func evalGrid(_ context.Context, c *Call) (any, error) {
	vt, err := c.ValueType(0)
	if err != nil {
		return nil, err
	}

	rows, err := c.Int(1)
	if err != nil {
		return nil, err
	}

	cols, err := c.Int(2)
	if err != nil {
		return nil, err
	}

	if rows < 0 || cols < 0 || rows > 1<<30 || cols > 1<<30 {
		return nil, c.argErr(1, "grid of %dx%d cells", rows, cols)
	}

	u := unit.New(c.Expr.Key(), vt)

	err = u.SetRect(unit.GridRect(int32(rows), int32(cols)))
	if err != nil {
		return nil, err
	}

	n := u.Count()
	t := unit.SingleTile(n)

	if c.tileSize > 0 && cols > 0 && n > c.tileSize {
		t, err = unit.NewTiling(n, rowsPerTile(c.tileSize, int(rows), int(cols))*cols)
		if err != nil {
			return nil, fmt.Errorf("grid: %w", err)
		}
	}

	err = u.SetTiling(t)
	if err != nil {
		return nil, err
	}

	return u, nil
}

// rowsPerTile returns how many grid rows fit into a tile of tileSize cells.
func rowsPerTile(tileSize int64, rows, cols int) int64 {
	if tileSize <= 0 || cols == 0 {
		return int64(max(rows, 1))
	}

	return max(tileSize/int64(cols), 1)
}

func scalarUnit() *unit.Unit {
	u := unit.New("scalar", unit.UInt32)

	if err := u.SetRange(0, 1); err != nil {
		panic(err)
	}

	return u
}

// rangeAs returns the 1-D range of u typed as T. Bounds that T cannot
// represent are an argument error.
func rangeAs[T unit.Ordinal](u *unit.Unit) (unit.Range[T], error) {
	b, e, ok := u.Bounds()
	if !ok {
		return unit.Range[T]{}, fmt.Errorf("unit %s: %w", u.Name(), unit.ErrRangeUndefined)
	}

	rb, re := T(b), T(e)
	if int64(rb) != b || int64(re) != e {
		return unit.Range[T]{}, fmt.Errorf("unit %s: %w: [%d, %d) does not fit %T", u.Name(), ErrArgument, b, e, rb)
	}

	return unit.Range[T]{Begin: rb, End: re}, nil
}

// valueInfo describes the values of d for check selection.
func valueInfo[T unit.Ordinal](d *Data) unit.ValueInfo[T] {
	info := unit.ValueInfo[T]{MayBeUndefined: true}

	if d.Values != nil {
		if r, err := rangeAs[T](d.Values); err == nil {
			info.Bounds, info.Bounded = r, true
		}
	}

	return info
}
