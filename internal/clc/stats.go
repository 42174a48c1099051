package clc

import (
	"context"
	"fmt"
	"math"

	"github.com/calvinalkan/gridcalc/internal/tile"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// CovAcc accumulates the running sums of a bivariate sample.
type CovAcc struct {
	N   uint64
	Sx  float64
	Sy  float64
	Sxy float64
	Sxx float64
	Syy float64

	// Extremes detect constant columns exactly, independent of rounding in
	// the sums.
	MinX, MaxX float64
	MinY, MaxY float64
}

// Add accumulates one pair.
func (a *CovAcc) Add(x, y float64) {
	if a.N == 0 {
		a.MinX, a.MaxX, a.MinY, a.MaxY = x, x, y, y
	} else {
		a.MinX, a.MaxX = min(a.MinX, x), max(a.MaxX, x)
		a.MinY, a.MaxY = min(a.MinY, y), max(a.MaxY, y)
	}

	a.N++
	a.Sx += x
	a.Sy += y
	a.Sxy += x * y
	a.Sxx += x * x
	a.Syy += y * y
}

// Merge returns the accumulation of both samples.
func (a CovAcc) Merge(b CovAcc) CovAcc {
	switch {
	case b.N == 0:
		return a
	case a.N == 0:
		return b
	}

	return CovAcc{
		N:    a.N + b.N,
		Sx:   a.Sx + b.Sx,
		Sy:   a.Sy + b.Sy,
		Sxy:  a.Sxy + b.Sxy,
		Sxx:  a.Sxx + b.Sxx,
		Syy:  a.Syy + b.Syy,
		MinX: min(a.MinX, b.MinX),
		MaxX: max(a.MaxX, b.MaxX),
		MinY: min(a.MinY, b.MinY),
		MaxY: max(a.MaxY, b.MaxY),
	}
}

// moment returns E[pq] - E[p]E[q].
func moment(n uint64, sp, sq, spq float64) float64 {
	fn := float64(n)

	return spq/fn - (sp/fn)*(sq/fn)
}

// Covariance returns E[xy] - E[x]E[y], or the undefined value for an empty
// sample.
func (a CovAcc) Covariance() float64 {
	if a.N == 0 {
		return unit.Undefined[float64]()
	}

	if a.MinX == a.MaxX || a.MinY == a.MaxY {
		return 0
	}

	return moment(a.N, a.Sx, a.Sy, a.Sxy)
}

// VarX returns the population variance of x, or undefined when empty.
func (a CovAcc) VarX() float64 {
	if a.N == 0 {
		return unit.Undefined[float64]()
	}

	if a.MinX == a.MaxX {
		return 0
	}

	return moment(a.N, a.Sx, a.Sx, a.Sxx)
}

// VarY returns the population variance of y, or undefined when empty.
func (a CovAcc) VarY() float64 {
	if a.N == 0 {
		return unit.Undefined[float64]()
	}

	if a.MinY == a.MaxY {
		return 0
	}

	return moment(a.N, a.Sy, a.Sy, a.Syy)
}

// Correlation returns cov / sqrt(var(x) var(y)). It is undefined for an
// empty sample and when either variance is zero.
func (a CovAcc) Correlation() float64 {
	if a.N == 0 || a.MinX == a.MaxX || a.MinY == a.MaxY {
		return unit.Undefined[float64]()
	}

	vx, vy := a.VarX(), a.VarY()
	if vx <= 0 || vy <= 0 {
		return unit.Undefined[float64]()
	}

	return a.Covariance() / math.Sqrt(vx*vy)
}

// Accumulate sums all pairs where both values are defined.
func Accumulate[X, Y unit.Number](xs []X, ys []Y) CovAcc {
	if len(xs) != len(ys) {
		panic(fmt.Sprintf("clc: accumulate %d x values with %d y values", len(xs), len(ys)))
	}

	var acc CovAcc

	for i, x := range xs {
		y := ys[i]
		if !unit.IsDefined(x) || !unit.IsDefined(y) {
			continue
		}

		acc.Add(float64(x), float64(y))
	}

	return acc
}

// AccumulateTiled accumulates two arrays over the same tiling. Tiles are
// summed in parallel and merged in ascending tile order. prog may be nil.
func AccumulateTiled[X, Y unit.Number](ctx context.Context, r *tile.Runner, prog *tile.Progress, xs *tile.Array[X], ys *tile.Array[Y]) (CovAcc, error) {
	tl := xs.Tiling()
	if !tl.Equal(ys.Tiling()) {
		return CovAcc{}, fmt.Errorf("%w: x and y tilings differ", ErrShapeMismatch)
	}

	partial, err := tile.RunResumable(ctx, r, tl, prog, "accumulate", func(_ context.Context, id uint32) (CovAcc, error) {
		gx := xs.ReadTile(id)
		defer gx.Release()

		gy := ys.ReadTile(id)
		defer gy.Release()

		return Accumulate(gx.Data(), gy.Data()), nil
	})
	if err != nil {
		return CovAcc{}, err
	}

	var acc CovAcc
	for _, p := range partial {
		acc = acc.Merge(p)
	}

	return acc, nil
}

// AccumulatePartial accumulates pairs grouped by a partition array. Pairs
// whose partition value is rejected by mode are skipped.
func AccumulatePartial[X, Y unit.Number, P unit.Ordinal](xs []X, ys []Y, part []P, groups unit.Range[P], mode unit.CheckMode) []CovAcc {
	if len(xs) != len(ys) || len(xs) != len(part) {
		panic(fmt.Sprintf("clc: partial accumulate lengths x=%d y=%d partition=%d", len(xs), len(ys), len(part)))
	}

	accs := make([]CovAcc, groups.Cardinality())
	n := groups.Cardinality()

	switch unit.SelectStrategy(groups, mode, false) {
	case unit.StrategyZeroNaked, unit.StrategyBits:
		partialLoop(accs, xs, ys, part, unit.ZeroNaked[P]{})
	case unit.StrategyNaked:
		partialLoop(accs, xs, ys, part, unit.Naked[P]{Begin: groups.Begin})
	case unit.StrategyRange:
		partialLoop(accs, xs, ys, part, unit.RangeChecked[P]{Begin: groups.Begin, N: n})
	case unit.StrategyNull:
		partialLoop(accs, xs, ys, part, unit.NullChecked[P]{Begin: groups.Begin})
	case unit.StrategyChecked:
		partialLoop(accs, xs, ys, part, unit.Checked[P]{Begin: groups.Begin, N: n})
	}

	return accs
}

func partialLoop[X, Y unit.Number, P unit.Ordinal, Q unit.Partitioner[P]](accs []CovAcc, xs []X, ys []Y, part []P, q Q) {
	for i, p := range part {
		g, ok := q.Index(p)
		if !ok {
			continue
		}

		x, y := xs[i], ys[i]
		if !unit.IsDefined(x) || !unit.IsDefined(y) {
			continue
		}

		accs[g].Add(float64(x), float64(y))
	}
}

// Covariances finalizes grouped accumulations.
func Covariances(accs []CovAcc) []float64 {
	out := make([]float64, len(accs))
	for i, a := range accs {
		out[i] = a.Covariance()
	}

	return out
}

// Correlations finalizes grouped accumulations.
func Correlations(accs []CovAcc) []float64 {
	out := make([]float64, len(accs))
	for i, a := range accs {
		out[i] = a.Correlation()
	}

	return out
}
