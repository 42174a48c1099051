package unit

import (
	"fmt"
	"sort"
)

// Tiling partitions the element indices [0, Size) of a unit into contiguous
// tiles with ids 0..Count-1. Boundaries never change after creation.
type Tiling struct {
	// bounds[t] is the first index of tile t; bounds[Count] == Size.
	bounds []int64
}

// NewTiling splits [0, size) into tiles of tileSize elements. The last tile
// holds the remainder. A size of zero yields a tiling without tiles.
func NewTiling(size, tileSize int64) (*Tiling, error) {
	if tileSize <= 0 {
		return nil, ErrInvalidTileSize
	}

	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidRange, size)
	}

	bounds := make([]int64, 0, size/tileSize+2)
	for b := int64(0); b < size; b += tileSize {
		bounds = append(bounds, b)
	}

	bounds = append(bounds, size)

	return &Tiling{bounds: bounds}, nil
}

// NewTilingFromBounds builds a tiling from explicit boundaries. bounds must
// start at 0 and be strictly increasing.
func NewTilingFromBounds(bounds []int64) (*Tiling, error) {
	if len(bounds) == 0 || bounds[0] != 0 {
		return nil, fmt.Errorf("%w: bounds must start at 0", ErrInvalidRange)
	}

	for i := 1; i < len(bounds); i++ {
		if bounds[i] <= bounds[i-1] {
			return nil, fmt.Errorf("%w: bounds not strictly increasing at %d", ErrInvalidRange, i)
		}
	}

	return &Tiling{bounds: append([]int64(nil), bounds...)}, nil
}

// SingleTile returns a tiling with one tile covering [0, size).
func SingleTile(size int64) *Tiling {
	if size <= 0 {
		return &Tiling{bounds: []int64{0}}
	}

	return &Tiling{bounds: []int64{0, size}}
}

// Count returns the number of tiles.
func (t *Tiling) Count() uint32 {
	return uint32(len(t.bounds) - 1)
}

// Size returns the total number of elements.
func (t *Tiling) Size() int64 {
	return t.bounds[len(t.bounds)-1]
}

// TileRange returns the element range [begin, end) of tile id.
// It panics if id is not a valid tile id.
func (t *Tiling) TileRange(id uint32) (int64, int64) {
	if id >= t.Count() {
		panic(fmt.Sprintf("unit: tile id %d out of range (count %d)", id, t.Count()))
	}

	return t.bounds[id], t.bounds[id+1]
}

// TileSize returns the number of elements in tile id.
func (t *Tiling) TileSize(id uint32) int {
	b, e := t.TileRange(id)

	return int(e - b)
}

// TileOf returns the tile containing element index i.
// It panics if i is outside [0, Size).
func (t *Tiling) TileOf(i int64) uint32 {
	if i < 0 || i >= t.Size() {
		panic(fmt.Sprintf("unit: element index %d out of range (size %d)", i, t.Size()))
	}

	// First bound strictly greater than i, minus one.
	n := sort.Search(len(t.bounds), func(k int) bool { return t.bounds[k] > i })

	return uint32(n - 1)
}

// Bounds returns a copy of the tile boundaries.
func (t *Tiling) Bounds() []int64 {
	return append([]int64(nil), t.bounds...)
}

// Equal reports whether both tilings have identical boundaries.
func (t *Tiling) Equal(o *Tiling) bool {
	if t == nil || o == nil {
		return t == o
	}

	if len(t.bounds) != len(o.bounds) {
		return false
	}

	for i := range t.bounds {
		if t.bounds[i] != o.bounds[i] {
			return false
		}
	}

	return true
}
