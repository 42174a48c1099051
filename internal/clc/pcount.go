// Package clc holds the tiled numeric kernels: partition counting, index
// inversion and bivariate accumulation.
//
// Kernels choose their check strategy once per call from a
// [unit.CheckMode] and run a loop instantiated for the matching concrete
// partitioner type.
package clc

import (
	"context"
	"fmt"

	"github.com/calvinalkan/gridcalc/internal/tile"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// Counter is the set of count element types.
type Counter interface {
	uint8 | uint16 | uint32 | uint64
}

func maxCount[C Counter]() C { return ^C(0) }

func overflow(i int) {
	panic(fmt.Sprintf("clc: count overflow at index %d", i))
}

// PCount returns, for every ordinal of domain, how many values map to it.
// Values rejected by the check mode are ignored. A counter overflow panics.
func PCount[C Counter, T unit.Ordinal](values []T, domain unit.Range[T], mode unit.CheckMode) []C {
	counts := make([]C, domain.Cardinality())
	CountInto(counts, values, domain, mode)

	return counts
}

// CountInto adds the counts of values to counts, which must have the
// domain's cardinality.
func CountInto[C Counter, T unit.Ordinal](counts []C, values []T, domain unit.Range[T], mode unit.CheckMode) {
	n := domain.Cardinality()

	switch unit.SelectStrategy(domain, mode, false) {
	case unit.StrategyZeroNaked, unit.StrategyBits:
		countLoop(counts, values, unit.ZeroNaked[T]{})
	case unit.StrategyNaked:
		countLoop(counts, values, unit.Naked[T]{Begin: domain.Begin})
	case unit.StrategyRange:
		countLoop(counts, values, unit.RangeChecked[T]{Begin: domain.Begin, N: n})
	case unit.StrategyNull:
		countLoop(counts, values, unit.NullChecked[T]{Begin: domain.Begin})
	case unit.StrategyChecked:
		countLoop(counts, values, unit.Checked[T]{Begin: domain.Begin, N: n})
	}
}

func countLoop[C Counter, T unit.Ordinal, P unit.Partitioner[T]](counts []C, values []T, p P) {
	limit := maxCount[C]()

	for _, v := range values {
		i, ok := p.Index(v)
		if !ok {
			continue
		}

		if counts[i] == limit {
			overflow(i)
		}

		counts[i]++
	}
}

// PCountTiled counts a tiled array. Tiles are counted in parallel and the
// per-tile counts are reduced in ascending tile order. Tiles already
// counted by an earlier interrupted call with the same prog are not
// counted again.
func PCountTiled[C Counter, T unit.Ordinal](
	ctx context.Context,
	r *tile.Runner,
	prog *tile.Progress,
	values *tile.Array[T],
	domain unit.Range[T],
	mode unit.CheckMode,
) ([]C, error) {
	partial, err := tile.RunResumable(ctx, r, values.Tiling(), prog, "pcount", func(_ context.Context, id uint32) ([]C, error) {
		g := values.ReadTile(id)
		defer g.Release()

		return PCount[C](g.Data(), domain, mode), nil
	})
	if err != nil {
		return nil, err
	}

	counts := make([]C, domain.Cardinality())
	limit := maxCount[C]()

	for _, p := range partial {
		for i, c := range p {
			if counts[i] > limit-c {
				overflow(i)
			}

			counts[i] += c
		}
	}

	return counts, nil
}

// PCountBits counts a bit-packed array over its implicit domain [0, 2^N).
// Block words whose values are all zero or all maximal are counted without
// unpacking.
func PCountBits[C Counter](values *tile.Bits) []C {
	top := 1<<values.Width() - 1
	counts := make([]C, top+1)
	per := values.PerWord()
	full := values.Len() / per
	words := values.Words()

	add := func(i, k int) {
		if uint64(k) > uint64(maxCount[C]()) || counts[i] > maxCount[C]()-C(k) {
			overflow(i)
		}

		counts[i] += C(k)
	}

	for w := range full {
		switch words[w] {
		case 0:
			add(0, per)
		case ^uint64(0):
			add(top, per)
		default:
			for i := w * per; i < (w+1)*per; i++ {
				add(int(values.Get(i)), 1)
			}
		}
	}

	for i := full * per; i < values.Len(); i++ {
		add(int(values.Get(i)), 1)
	}

	return counts
}
