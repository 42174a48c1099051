package calc

import (
	"context"
	"fmt"

	"github.com/calvinalkan/gridcalc/internal/clc"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// evalPCount counts how many values map to each element of a domain:
// (pcount values domain).
func evalPCount(ctx context.Context, c *Call) (any, error) {
	d, err := c.Data(0)
	if err != nil {
		return nil, err
	}

	dom, err := c.Unit(1)
	if err != nil {
		return nil, err
	}

	switch vt := d.Col.ValueType(); vt {
	case unit.Bool, unit.UInt2, unit.UInt4:
		return pcountBits(d, dom)
	case unit.UInt8:
		return pcount[uint8](ctx, c, d, dom)
	case unit.UInt16:
		return pcount[uint16](ctx, c, d, dom)
	case unit.UInt32:
		return pcount[uint32](ctx, c, d, dom)
	case unit.UInt64:
		return pcount[uint64](ctx, c, d, dom)
	case unit.Int32:
		return pcount[int32](ctx, c, d, dom)
	case unit.Int64:
		return pcount[int64](ctx, c, d, dom)
	default:
		return nil, fmt.Errorf("pcount: %w: %s values are not ordinal", ErrValueType, vt)
	}
}

func pcount[T unit.Ordinal](ctx context.Context, c *Call, d *Data, dom *unit.Unit) (*Data, error) {
	arr, _ := ArrayOf[T](d.Col)

	domain, err := rangeAs[T](dom)
	if err != nil {
		return nil, fmt.Errorf("pcount: %w", err)
	}

	counts, err := clc.PCountTiled[uint32](ctx, c.Runner(), c.Progress(), arr, domain, unit.SelectCheck(domain, valueInfo[T](d)))
	if err != nil {
		return nil, err
	}

	return &Data{Domain: dom, Col: NewColumn(dom.Tiling(), counts)}, nil
}

// pcountBits counts packed values over their implicit range [0, 2^N) and
// maps the counts onto dom. Values outside dom are not counted.
func pcountBits(d *Data, dom *unit.Unit) (*Data, error) {
	bits, _ := BitsOf(d.Col)

	domain, err := rangeAs[int64](dom)
	if err != nil {
		return nil, fmt.Errorf("pcount: %w", err)
	}

	all := clc.PCountBits[uint32](bits)
	counts := make([]uint32, domain.Cardinality())

	for i := range counts {
		if v := domain.Value(i); v >= 0 && v < int64(len(all)) {
			counts[i] = all[v]
		}
	}

	return &Data{Domain: dom, Col: NewColumn(dom.Tiling(), counts)}, nil
}

// evalInvert builds the inverse of a function over its values unit:
// (invert f values). With all set, the displaced elements are kept as the
// "displaced" column over f's domain.
func evalInvert(all bool) EvalFunc {
	return func(_ context.Context, c *Call) (any, error) {
		f, err := c.Data(0)
		if err != nil {
			return nil, err
		}

		vals, err := c.Unit(1)
		if err != nil {
			return nil, err
		}

		switch vt := f.Col.ValueType(); vt {
		case unit.Bool, unit.UInt2, unit.UInt4:
			wide := *f
			wide.Col = f.Col.(*bitColumn).widened()

			return invert[uint8](&wide, vals, all)
		case unit.UInt8:
			return invert[uint8](f, vals, all)
		case unit.UInt16:
			return invert[uint16](f, vals, all)
		case unit.UInt32:
			return invert[uint32](f, vals, all)
		case unit.UInt64:
			return invert[uint64](f, vals, all)
		case unit.Int32:
			return invert[int32](f, vals, all)
		case unit.Int64:
			return invert[int64](f, vals, all)
		default:
			return nil, fmt.Errorf("%s: %w: %s values are not ordinal", c.Expr.Op(), ErrValueType, vt)
		}
	}
}

func invert[V unit.Ordinal](f *Data, vals *unit.Unit, all bool) (*Data, error) {
	arr, _ := ArrayOf[V](f.Col)

	elems, err := elemRange(f.Domain)
	if err != nil {
		return nil, fmt.Errorf("invert: %w", err)
	}

	values, err := rangeAs[V](vals)
	if err != nil {
		return nil, fmt.Errorf("invert: %w", err)
	}

	mode := unit.SelectCheck(values, valueInfo[V](f))

	if !all {
		inv := clc.InvertTiled(arr, elems, values, mode)

		col, err := elemColumn(f.Domain, vals.Tiling(), inv)
		if err != nil {
			return nil, err
		}

		return &Data{Domain: vals, Values: f.Domain, Col: col}, nil
	}

	inv, displaced := clc.InvertAllTiled(arr, elems, values, mode)

	col, err := elemColumn(f.Domain, vals.Tiling(), inv)
	if err != nil {
		return nil, err
	}

	dcol, err := elemColumn(f.Domain, f.Col.Tiling(), displaced)
	if err != nil {
		return nil, err
	}

	return &Data{Domain: vals, Values: f.Domain, Col: col, Extra: map[string]Column{"displaced": dcol}}, nil
}

// elemRange returns the ordinal range of a domain: its bounds, or the
// row-major cell numbers [0, n) of a grid.
func elemRange(u *unit.Unit) (unit.Range[int64], error) {
	if _, ok := u.Rect(); ok {
		return unit.Range[int64]{Begin: 0, End: u.Count()}, nil
	}

	return rangeAs[int64](u)
}

// elemColumn stores element ordinals in the value type of their unit. Grid
// cells are stored as row-major cell numbers, UInt32 for SPoint and UInt64
// for IPoint grids.
func elemColumn(elems *unit.Unit, t *unit.Tiling, ords []int64) (Column, error) {
	switch vt := elems.ValueType(); vt {
	case unit.UInt8:
		return ordColumn[uint8](t, ords), nil
	case unit.UInt16:
		return ordColumn[uint16](t, ords), nil
	case unit.UInt32, unit.SPoint:
		return ordColumn[uint32](t, ords), nil
	case unit.UInt64, unit.IPoint:
		return ordColumn[uint64](t, ords), nil
	case unit.Int32:
		return ordColumn[int32](t, ords), nil
	case unit.Int64:
		return ordColumn[int64](t, ords), nil
	default:
		return nil, fmt.Errorf("%w: %s elements", ErrValueType, vt)
	}
}

func ordColumn[T unit.Ordinal](t *unit.Tiling, ords []int64) Column {
	vals := make([]T, len(ords))

	for i, o := range ords {
		if unit.IsDefined(o) {
			vals[i] = T(o)
		} else {
			vals[i] = unit.Undefined[T]()
		}
	}

	return NewColumn(t, vals)
}
