// Package tile stores array data as per-tile buffers and runs per-tile work.
//
// Each tile of an [Array] has its own read/write lock, so writers on disjoint
// tiles of the same array proceed concurrently. Whole-array traversals visit
// tiles in ascending id order.
package tile

import (
	"fmt"
	"sync"

	"github.com/calvinalkan/gridcalc/internal/unit"
)

type buffer[T unit.Number] struct {
	mu   sync.RWMutex
	data []T
}

// Array is the concatenation of per-tile buffers over a tiling.
type Array[T unit.Number] struct {
	tiling *unit.Tiling
	tiles  []*buffer[T]
}

// NewArray allocates a zeroed array over t.
func NewArray[T unit.Number](t *unit.Tiling) *Array[T] {
	a := &Array[T]{tiling: t, tiles: make([]*buffer[T], t.Count())}

	for id := range t.Count() {
		a.tiles[id] = &buffer[T]{data: make([]T, t.TileSize(id))}
	}

	return a
}

// FromSlice copies values into a new array over t.
// It panics if len(values) does not match the tiling size.
func FromSlice[T unit.Number](t *unit.Tiling, values []T) *Array[T] {
	if int64(len(values)) != t.Size() {
		panic(fmt.Sprintf("tile: %d values for tiling of size %d", len(values), t.Size()))
	}

	a := NewArray[T](t)

	for id := range t.Count() {
		b, e := t.TileRange(id)
		copy(a.tiles[id].data, values[b:e])
	}

	return a
}

// Tiling returns the array's tiling.
func (a *Array[T]) Tiling() *unit.Tiling { return a.tiling }

// Len returns the number of elements.
func (a *Array[T]) Len() int64 { return a.tiling.Size() }

func (a *Array[T]) buf(id uint32) *buffer[T] {
	if id >= uint32(len(a.tiles)) {
		panic(fmt.Sprintf("tile: tile id %d out of range (count %d)", id, len(a.tiles)))
	}

	return a.tiles[id]
}

// ReadGuard gives shared access to one tile until Release.
type ReadGuard[T unit.Number] struct {
	b        *buffer[T]
	released bool
}

// Data returns the tile's elements. The slice must not be modified.
func (g *ReadGuard[T]) Data() []T { return g.b.data }

// Release unlocks the tile. Further calls are no-ops.
func (g *ReadGuard[T]) Release() {
	if g.released {
		return
	}

	g.released = true
	g.b.mu.RUnlock()
}

// WriteGuard gives exclusive access to one tile until Release.
type WriteGuard[T unit.Number] struct {
	b        *buffer[T]
	released bool
}

// Data returns the tile's elements for modification.
func (g *WriteGuard[T]) Data() []T { return g.b.data }

// Release unlocks the tile. Further calls are no-ops.
func (g *WriteGuard[T]) Release() {
	if g.released {
		return
	}

	g.released = true
	g.b.mu.Unlock()
}

// ReadTile read-locks tile id. It panics on an invalid id.
func (a *Array[T]) ReadTile(id uint32) *ReadGuard[T] {
	b := a.buf(id)
	b.mu.RLock()

	return &ReadGuard[T]{b: b}
}

// WriteTile write-locks tile id. It panics on an invalid id.
func (a *Array[T]) WriteTile(id uint32) *WriteGuard[T] {
	b := a.buf(id)
	b.mu.Lock()

	return &WriteGuard[T]{b: b}
}

// Each calls fn for every tile in ascending id order while holding the
// tile's read lock. It stops at the first error.
func (a *Array[T]) Each(fn func(id uint32, data []T) error) error {
	for id := range a.tiling.Count() {
		g := a.ReadTile(id)
		err := fn(id, g.Data())
		g.Release()

		if err != nil {
			return err
		}
	}

	return nil
}

// Values returns a copy of all elements in index order.
func (a *Array[T]) Values() []T {
	out := make([]T, 0, a.Len())

	_ = a.Each(func(_ uint32, data []T) error {
		out = append(out, data...)

		return nil
	})

	return out
}

// At returns element i.
func (a *Array[T]) At(i int64) T {
	id := a.tiling.TileOf(i)
	b, _ := a.tiling.TileRange(id)

	g := a.ReadTile(id)
	defer g.Release()

	return g.Data()[i-b]
}

// Retile copies the array into a new array over t, which must have the same
// size.
func (a *Array[T]) Retile(t *unit.Tiling) *Array[T] {
	return FromSlice(t, a.Values())
}
