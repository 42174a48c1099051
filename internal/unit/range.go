package unit

import "fmt"

// Range is a half-open interval [Begin, End) over an ordinal type.
type Range[T Ordinal] struct {
	Begin T
	End   T
}

// NewRange returns the range [begin, end). An inverted range is empty.
func NewRange[T Ordinal](begin, end T) Range[T] {
	if end < begin {
		end = begin
	}

	return Range[T]{Begin: begin, End: end}
}

// ZeroRange returns [0, n).
func ZeroRange[T Ordinal](n T) Range[T] {
	return Range[T]{End: n}
}

// Cardinality returns the number of values in the range.
func (r Range[T]) Cardinality() int {
	if r.End <= r.Begin {
		return 0
	}

	return int(int64(r.End) - int64(r.Begin))
}

// Empty reports whether the range has no values.
func (r Range[T]) Empty() bool {
	return r.End <= r.Begin
}

// Contains reports whether v lies in [Begin, End).
func (r Range[T]) Contains(v T) bool {
	return r.Begin <= v && v < r.End
}

// Covers reports whether every value of o lies in r.
func (r Range[T]) Covers(o Range[T]) bool {
	if o.Empty() {
		return true
	}

	return r.Begin <= o.Begin && o.End <= r.End
}

// IsZeroBased reports whether Begin is zero.
func (r Range[T]) IsZeroBased() bool {
	return r.Begin == 0
}

// ContainsUndefined reports whether the undefined value of T lies in the range.
func (r Range[T]) ContainsUndefined() bool {
	return r.Contains(Undefined[T]())
}

// Index returns the zero-based ordinal of v without any check.
func (r Range[T]) Index(v T) int {
	return int(int64(v) - int64(r.Begin))
}

// IndexChecked returns the ordinal of v, or false when v is undefined or
// outside the range.
func (r Range[T]) IndexChecked(v T) (int, bool) {
	if !IsDefined(v) || !r.Contains(v) {
		return 0, false
	}

	return r.Index(v), true
}

// Value returns the value with ordinal i.
func (r Range[T]) Value(i int) T {
	return T(int64(r.Begin) + int64(i))
}

func (r Range[T]) String() string {
	return fmt.Sprintf("[%v, %v)", r.Begin, r.End)
}

// Point is a cell position in a 2-D grid.
type Point struct {
	Row int32
	Col int32
}

// Rect is a half-open 2-D grid range: rows [Top, Bottom), cols [Left, Right).
type Rect struct {
	Top    int32
	Left   int32
	Bottom int32
	Right  int32
}

// GridRect returns the zero-based rect of rows x cols cells.
func GridRect(rows, cols int32) Rect {
	return Rect{Bottom: rows, Right: cols}
}

// Rows returns the number of rows.
func (r Rect) Rows() int {
	if r.Bottom <= r.Top {
		return 0
	}

	return int(r.Bottom - r.Top)
}

// Cols returns the number of columns.
func (r Rect) Cols() int {
	if r.Right <= r.Left {
		return 0
	}

	return int(r.Right - r.Left)
}

// Cardinality returns the number of cells.
func (r Rect) Cardinality() int {
	return r.Rows() * r.Cols()
}

// Contains reports whether p lies inside the rect.
func (r Rect) Contains(p Point) bool {
	return r.Top <= p.Row && p.Row < r.Bottom && r.Left <= p.Col && p.Col < r.Right
}

// Index returns the row-major ordinal of p.
func (r Rect) Index(p Point) int {
	return int(p.Row-r.Top)*r.Cols() + int(p.Col-r.Left)
}

// Point returns the cell with row-major ordinal i.
func (r Rect) Point(i int) Point {
	cols := r.Cols()

	return Point{Row: r.Top + int32(i/cols), Col: r.Left + int32(i%cols)}
}

func (r Rect) String() string {
	return fmt.Sprintf("[(%d,%d), (%d,%d))", r.Top, r.Left, r.Bottom, r.Right)
}
