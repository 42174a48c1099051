package unit

import (
	"fmt"
	"sync"
)

// ResizeListener is called after a unit's tiling has been replaced by
// [Unit.Split] or [Unit.Merge].
type ResizeListener func(u *Unit, prev, next *Tiling)

// Unit is a typed value domain. The zero value is not usable; use [New].
type Unit struct {
	name string
	vt   ValueType

	mu         sync.RWMutex
	defined    bool
	begin, end int64
	rect       Rect
	tiling     *Tiling
	metric     string
	projection string

	nextListener int
	listeners    map[int]ResizeListener
}

// New returns an undefined unit. Bit-packed types are defined immediately
// with their implicit range [0, 2^N).
func New(name string, vt ValueType) *Unit {
	u := &Unit{name: name, vt: vt, listeners: map[int]ResizeListener{}}

	if vt.IsBitPacked() {
		u.defined = true
		u.end = int64(1) << vt.BitSize()
	}

	return u
}

// Name returns the unit name.
func (u *Unit) Name() string { return u.name }

// ValueType returns the element type.
func (u *Unit) ValueType() ValueType { return u.vt }

// IsDefined reports whether the range has been set.
func (u *Unit) IsDefined() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.defined
}

// SetRange defines the 1-D range [begin, end). It may be called once.
func (u *Unit) SetRange(begin, end int64) error {
	if !u.vt.IsOrdinal() {
		return fmt.Errorf("unit %q: %w: %s", u.name, ErrNotOrdinal, u.vt)
	}

	if end < begin {
		return fmt.Errorf("unit %q: %w: [%d, %d)", u.name, ErrInvalidRange, begin, end)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.defined {
		return fmt.Errorf("unit %q: %w", u.name, ErrRangeFixed)
	}

	u.begin, u.end, u.defined = begin, end, true

	return nil
}

// SetRect defines the 2-D range of a point unit. It may be called once.
func (u *Unit) SetRect(r Rect) error {
	if !u.vt.IsPoint() {
		return fmt.Errorf("unit %q: %w: %s is not a point type", u.name, ErrInvalidRange, u.vt)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.defined {
		return fmt.Errorf("unit %q: %w", u.name, ErrRangeFixed)
	}

	u.rect, u.defined = r, true

	return nil
}

// Bounds returns the 1-D range and whether it is defined.
func (u *Unit) Bounds() (int64, int64, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.begin, u.end, u.defined && !u.vt.IsPoint()
}

// Rect returns the 2-D range of a point unit.
func (u *Unit) Rect() (Rect, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.rect, u.defined && u.vt.IsPoint()
}

// Count returns the number of elements, or zero when undefined.
func (u *Unit) Count() int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.countLocked()
}

func (u *Unit) countLocked() int64 {
	if !u.defined {
		return 0
	}

	if u.vt.IsPoint() {
		return int64(u.rect.Cardinality())
	}

	return u.end - u.begin
}

// IsZeroBased reports whether the 1-D range starts at zero.
func (u *Unit) IsZeroBased() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.defined && u.begin == 0
}

// ContainsUndefined reports whether the range includes the undefined value
// of the unit's value type.
func (u *Unit) ContainsUndefined() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if !u.defined || !u.vt.HasUndefined() || u.vt.IsPoint() {
		return false
	}

	var undef int64

	switch u.vt {
	case UInt8:
		undef = int64(Undefined[uint8]())
	case UInt16:
		undef = int64(Undefined[uint16]())
	case UInt32:
		undef = int64(Undefined[uint32]())
	case UInt64:
		// Exceeds int64; representable only as the open end of a range.
		return false
	case Int32:
		undef = int64(Undefined[int32]())
	case Int64:
		undef = Undefined[int64]()
	default:
		return false
	}

	return u.begin <= undef && undef < u.end
}

// RangeOf returns the unit's 1-D range typed as T.
func RangeOf[T Ordinal](u *Unit) (Range[T], error) {
	b, e, ok := u.Bounds()
	if !ok {
		return Range[T]{}, fmt.Errorf("unit %q: %w", u.name, ErrRangeUndefined)
	}

	return Range[T]{Begin: T(b), End: T(e)}, nil
}

// SetTiling attaches tiling metadata. It may be called once; the tiling must
// cover exactly the unit's elements.
func (u *Unit) SetTiling(t *Tiling) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tiling != nil {
		return fmt.Errorf("unit %q: %w", u.name, ErrTilingFixed)
	}

	if !u.defined {
		return fmt.Errorf("unit %q: %w", u.name, ErrRangeUndefined)
	}

	if t.Size() != u.countLocked() {
		return fmt.Errorf("unit %q: %w: tiling covers %d of %d elements", u.name, ErrInvalidRange, t.Size(), u.countLocked())
	}

	u.tiling = t

	return nil
}

// Tiling returns the attached tiling. An untiled, defined unit reports a
// single tile covering all elements.
func (u *Unit) Tiling() *Tiling {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.tiling != nil {
		return u.tiling
	}

	return SingleTile(u.countLocked())
}

// IsTiled reports whether tiling metadata has been attached.
func (u *Unit) IsTiled() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.tiling != nil
}

// Split replaces the tiling by one with tiles of tileSize elements and
// notifies the resize listeners.
func (u *Unit) Split(tileSize int64) (*Tiling, error) {
	u.mu.Lock()

	if !u.defined {
		u.mu.Unlock()

		return nil, fmt.Errorf("unit %q: %w", u.name, ErrRangeUndefined)
	}

	next, err := NewTiling(u.countLocked(), tileSize)
	if err != nil {
		u.mu.Unlock()

		return nil, fmt.Errorf("unit %q: %w", u.name, err)
	}

	u.replaceTilingLocked(next)

	return next, nil
}

// Merge replaces the tiling by a single tile and notifies the resize
// listeners.
func (u *Unit) Merge() (*Tiling, error) {
	u.mu.Lock()

	if !u.defined {
		u.mu.Unlock()

		return nil, fmt.Errorf("unit %q: %w", u.name, ErrRangeUndefined)
	}

	next := SingleTile(u.countLocked())

	u.replaceTilingLocked(next)

	return next, nil
}

// replaceTilingLocked swaps the tiling, releases u.mu and calls the listeners.
func (u *Unit) replaceTilingLocked(next *Tiling) {
	old := u.tiling
	u.tiling = next

	listeners := make([]ResizeListener, 0, len(u.listeners))
	for i := range u.nextListener {
		if l, ok := u.listeners[i]; ok {
			listeners = append(listeners, l)
		}
	}

	u.mu.Unlock()

	for _, l := range listeners {
		l(u, old, next)
	}
}

// OnResize registers a listener called after Split or Merge. The returned
// function removes it.
func (u *Unit) OnResize(fn ResizeListener) func() {
	u.mu.Lock()
	defer u.mu.Unlock()

	id := u.nextListener
	u.nextListener++
	u.listeners[id] = fn

	return func() {
		u.mu.Lock()
		delete(u.listeners, id)
		u.mu.Unlock()
	}
}

// SetMetric sets the physical unit, e.g. "m" or "EUR".
func (u *Unit) SetMetric(m string) {
	u.mu.Lock()
	u.metric = m
	u.mu.Unlock()
}

// Metric returns the physical unit.
func (u *Unit) Metric() string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.metric
}

// SetProjection sets the coordinate reference of a point unit.
func (u *Unit) SetProjection(p string) {
	u.mu.Lock()
	u.projection = p
	u.mu.Unlock()
}

// Projection returns the coordinate reference.
func (u *Unit) Projection() string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.projection
}

func (u *Unit) String() string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	switch {
	case !u.defined:
		return fmt.Sprintf("unit<%s> %s", u.vt, u.name)
	case u.vt.IsPoint():
		return fmt.Sprintf("unit<%s> %s %s", u.vt, u.name, u.rect)
	default:
		return fmt.Sprintf("unit<%s> %s [%d, %d)", u.vt, u.name, u.begin, u.end)
	}
}
