package calc

import (
	"context"
	"fmt"

	"github.com/calvinalkan/gridcalc/internal/geo"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

func gridOf(c *Call) (*Data, unit.Rect, error) {
	d, err := c.Data(0)
	if err != nil {
		return nil, unit.Rect{}, err
	}

	r, ok := d.Domain.Rect()
	if !ok {
		return nil, unit.Rect{}, c.argErr(0, "domain %s is not a grid", d.Domain.Name())
	}

	return d, r, nil
}

// evalDistricts labels connected groups of equal cells: (district_4 grid).
// The values unit of the result is the range of district labels.
func evalDistricts(rule geo.Rule) EvalFunc {
	return func(_ context.Context, c *Call) (any, error) {
		d, r, err := gridOf(c)
		if err != nil {
			return nil, err
		}

		var (
			labels []uint32
			n      uint32
		)

		switch vt := d.Col.ValueType(); vt {
		case unit.UInt8:
			labels, n, err = districts[uint8](d, r, rule)
		case unit.UInt16:
			labels, n, err = districts[uint16](d, r, rule)
		case unit.UInt32:
			labels, n, err = districts[uint32](d, r, rule)
		case unit.UInt64:
			labels, n, err = districts[uint64](d, r, rule)
		case unit.Int32:
			labels, n, err = districts[int32](d, r, rule)
		case unit.Int64:
			labels, n, err = districts[int64](d, r, rule)
		case unit.Float32:
			labels, n, err = districts[float32](d, r, rule)
		case unit.Float64:
			labels, n, err = districts[float64](d, r, rule)
		default:
			return nil, fmt.Errorf("%s: %w: %s", c.Expr.Op(), ErrValueType, vt)
		}

		if err != nil {
			return nil, err
		}

		vals := unit.New("districts", unit.UInt32)

		err = vals.SetRange(0, int64(n))
		if err != nil {
			return nil, err
		}

		return &Data{Domain: d.Domain, Values: vals, Col: NewColumn(d.Col.Tiling(), labels)}, nil
	}
}

func districts[T unit.Number](d *Data, r unit.Rect, rule geo.Rule) ([]uint32, uint32, error) {
	vals, _ := ValuesOf[T](d.Col)

	return geo.Districts(vals, r.Rows(), r.Cols(), rule)
}

// evalDiversity counts distinct categories around every cell: (diversity
// grid categories radius [circle]). A non-zero circle restricts the window
// to a disc.
func evalDiversity(ctx context.Context, c *Call) (any, error) {
	d, r, err := gridOf(c)
	if err != nil {
		return nil, err
	}

	cats, err := c.Int(1)
	if err != nil {
		return nil, err
	}

	radius, err := c.Int(2)
	if err != nil {
		return nil, err
	}

	if cats < 0 || radius < 0 {
		return nil, c.argErr(1, "categories %d and radius %d must not be negative", cats, radius)
	}

	w := geo.Window{Radius: int(radius)}

	if c.NArgs() > 3 {
		circle, err := c.Float(3)
		if err != nil {
			return nil, err
		}

		w.Circle = circle != 0
	}

	var counts []uint32

	switch vt := d.Col.ValueType(); vt {
	case unit.UInt8:
		counts, err = diversity[uint8](ctx, c, d, r, cats, w)
	case unit.UInt16:
		counts, err = diversity[uint16](ctx, c, d, r, cats, w)
	case unit.UInt32:
		counts, err = diversity[uint32](ctx, c, d, r, cats, w)
	case unit.UInt64:
		counts, err = diversity[uint64](ctx, c, d, r, cats, w)
	case unit.Int32:
		counts, err = diversity[int32](ctx, c, d, r, cats, w)
	case unit.Int64:
		counts, err = diversity[int64](ctx, c, d, r, cats, w)
	default:
		return nil, fmt.Errorf("diversity: %w: %s categories are not ordinal", ErrValueType, vt)
	}

	if err != nil {
		return nil, err
	}

	vals := unit.New("diversity", unit.UInt32)

	err = vals.SetRange(0, cats+1)
	if err != nil {
		return nil, err
	}

	return &Data{Domain: d.Domain, Values: vals, Col: NewColumn(d.Col.Tiling(), counts)}, nil
}

func diversity[T unit.Ordinal](ctx context.Context, c *Call, d *Data, r unit.Rect, cats int64, w geo.Window) ([]uint32, error) {
	vals, _ := ValuesOf[T](d.Col)

	top := T(cats)
	if int64(top) != cats {
		return nil, c.argErr(1, "%d categories do not fit %T", cats, top)
	}

	rows, cols := r.Rows(), r.Cols()

	return geo.DiversityTiled(ctx, c.Runner(), c.Progress(), vals, rows, cols, top, w, int(rowsPerTile(c.tileSize, rows, cols)))
}
