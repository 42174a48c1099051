package clc

import (
	"github.com/calvinalkan/gridcalc/internal/tile"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// Invert builds the partial inverse of f: E -> V. f[i] is the value of the
// element with ordinal i in elems; the result holds, for every ordinal of
// values, the last element mapping to it or the undefined element.
func Invert[E, V unit.Ordinal](f []V, elems unit.Range[E], values unit.Range[V], mode unit.CheckMode) []E {
	inv := newInverse[E](values.Cardinality())
	invertInto(inv, nil, f, 0, elems, values, mode)

	return inv
}

// InvertAll is [Invert] that also reports, for every element, the element
// it displaced from its value slot, or the undefined element when the slot
// was free.
func InvertAll[E, V unit.Ordinal](f []V, elems unit.Range[E], values unit.Range[V], mode unit.CheckMode) ([]E, []E) {
	inv := newInverse[E](values.Cardinality())
	displaced := newInverse[E](len(f))
	invertInto(inv, displaced, f, 0, elems, values, mode)

	return inv, displaced
}

// InvertTiled inverts a tiled function. Tiles are processed in ascending
// order so that later elements win deterministically.
func InvertTiled[E, V unit.Ordinal](f *tile.Array[V], elems unit.Range[E], values unit.Range[V], mode unit.CheckMode) []E {
	inv := newInverse[E](values.Cardinality())
	eachTile(f, func(offset int, data []V) {
		invertInto(inv, nil, data, offset, elems, values, mode)
	})

	return inv
}

// InvertAllTiled is the tiled form of [InvertAll].
func InvertAllTiled[E, V unit.Ordinal](f *tile.Array[V], elems unit.Range[E], values unit.Range[V], mode unit.CheckMode) ([]E, []E) {
	inv := newInverse[E](values.Cardinality())
	displaced := newInverse[E](int(f.Len()))
	eachTile(f, func(offset int, data []V) {
		invertInto(inv, displaced, data, offset, elems, values, mode)
	})

	return inv, displaced
}

func eachTile[V unit.Ordinal](f *tile.Array[V], fn func(offset int, data []V)) {
	tl := f.Tiling()

	_ = f.Each(func(id uint32, data []V) error {
		b, _ := tl.TileRange(id)
		fn(int(b), data)

		return nil
	})
}

func newInverse[E unit.Ordinal](n int) []E {
	out := make([]E, n)
	undef := unit.Undefined[E]()

	for i := range out {
		out[i] = undef
	}

	return out
}

// invertInto processes f[k] as the element with ordinal offset+k.
func invertInto[E, V unit.Ordinal](inv, displaced []E, f []V, offset int, elems unit.Range[E], values unit.Range[V], mode unit.CheckMode) {
	n := values.Cardinality()

	switch unit.SelectStrategy(values, mode, false) {
	case unit.StrategyZeroNaked, unit.StrategyBits:
		invertLoop(inv, displaced, f, offset, elems, unit.ZeroNaked[V]{})
	case unit.StrategyNaked:
		invertLoop(inv, displaced, f, offset, elems, unit.Naked[V]{Begin: values.Begin})
	case unit.StrategyRange:
		invertLoop(inv, displaced, f, offset, elems, unit.RangeChecked[V]{Begin: values.Begin, N: n})
	case unit.StrategyNull:
		invertLoop(inv, displaced, f, offset, elems, unit.NullChecked[V]{Begin: values.Begin})
	case unit.StrategyChecked:
		invertLoop(inv, displaced, f, offset, elems, unit.Checked[V]{Begin: values.Begin, N: n})
	}
}

func invertLoop[E, V unit.Ordinal, P unit.Partitioner[V]](inv, displaced []E, f []V, offset int, elems unit.Range[E], p P) {
	for k, v := range f {
		j, ok := p.Index(v)
		if !ok {
			continue
		}

		e := elems.Value(offset + k)

		if displaced != nil {
			displaced[offset+k] = inv[j]
		}

		inv[j] = e
	}
}
