package calc

import (
	"context"
	"fmt"

	"github.com/calvinalkan/gridcalc/internal/clc"
	"github.com/calvinalkan/gridcalc/internal/tile"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

type statKind uint8

const (
	statCovariance statKind = iota
	statCorrelation
)

func (k statKind) finalize(accs []clc.CovAcc) []float64 {
	if k == statCorrelation {
		return clc.Correlations(accs)
	}

	return clc.Covariances(accs)
}

func pairOf(c *Call) ([]float64, []float64, *Data, error) {
	x, err := c.Data(0)
	if err != nil {
		return nil, nil, nil, err
	}

	y, err := c.Data(1)
	if err != nil {
		return nil, nil, nil, err
	}

	if x.Col.Len() != y.Col.Len() {
		return nil, nil, nil, fmt.Errorf("%s: %w: x has %d values, y has %d", c.Expr.Op(), ErrShape, x.Col.Len(), y.Col.Len())
	}

	return x.Float64s(), y.Float64s(), x, nil
}

// evalStat reduces two columns to a single value: (covariance x y).
func evalStat(k statKind) EvalFunc {
	return func(ctx context.Context, c *Call) (any, error) {
		xs, ys, x, err := pairOf(c)
		if err != nil {
			return nil, err
		}

		t := x.Col.Tiling()

		acc, err := clc.AccumulateTiled(ctx, c.Runner(), c.Progress(), tile.FromSlice(t, xs), tile.FromSlice(t, ys))
		if err != nil {
			return nil, err
		}

		dom := scalarUnit()

		return &Data{Domain: dom, Col: NewColumn(dom.Tiling(), k.finalize([]clc.CovAcc{acc}))}, nil
	}
}

// evalPartialStat groups the pairs by a partition: (covariance_partial x y
// part groups).
func evalPartialStat(k statKind) EvalFunc {
	return func(_ context.Context, c *Call) (any, error) {
		xs, ys, _, err := pairOf(c)
		if err != nil {
			return nil, err
		}

		part, err := c.Data(2)
		if err != nil {
			return nil, err
		}

		groups, err := c.Unit(3)
		if err != nil {
			return nil, err
		}

		if part.Col.Len() != int64(len(xs)) {
			return nil, fmt.Errorf("%s: %w: partition has %d values, x has %d", c.Expr.Op(), ErrShape, part.Col.Len(), len(xs))
		}

		switch vt := part.Col.ValueType(); vt {
		case unit.UInt8:
			return partialStat[uint8](k, xs, ys, part, groups)
		case unit.UInt16:
			return partialStat[uint16](k, xs, ys, part, groups)
		case unit.UInt32:
			return partialStat[uint32](k, xs, ys, part, groups)
		case unit.UInt64:
			return partialStat[uint64](k, xs, ys, part, groups)
		case unit.Int32:
			return partialStat[int32](k, xs, ys, part, groups)
		case unit.Int64:
			return partialStat[int64](k, xs, ys, part, groups)
		default:
			return nil, fmt.Errorf("%s: %w: %s partition is not ordinal", c.Expr.Op(), ErrValueType, vt)
		}
	}
}

func partialStat[P unit.Ordinal](k statKind, xs, ys []float64, part *Data, groups *unit.Unit) (*Data, error) {
	ps, _ := ValuesOf[P](part.Col)

	r, err := rangeAs[P](groups)
	if err != nil {
		return nil, err
	}

	accs := clc.AccumulatePartial(xs, ys, ps, r, unit.SelectCheck(r, valueInfo[P](part)))

	return &Data{Domain: groups, Col: NewColumn(groups.Tiling(), k.finalize(accs))}, nil
}
