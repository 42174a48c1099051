package calc

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/calvinalkan/gridcalc/internal/store"
	"github.com/calvinalkan/gridcalc/internal/tile"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// Column is a typed value array laid out over a domain's tiling.
type Column interface {
	ValueType() unit.ValueType
	Len() int64
	Tiling() *unit.Tiling

	// Float64s returns the values as float64; undefined values become NaN.
	Float64s() []float64

	encodeTiles() [][]byte
	retile(t *unit.Tiling) Column
}

type typedColumn[T unit.Number] struct {
	vt  unit.ValueType
	arr *tile.Array[T]
}

// NewColumn copies values into a column over t.
func NewColumn[T unit.Number](t *unit.Tiling, values []T) Column {
	return &typedColumn[T]{vt: valueTypeOf[T](), arr: tile.FromSlice(t, values)}
}

func columnOf[T unit.Number](arr *tile.Array[T]) Column {
	return &typedColumn[T]{vt: valueTypeOf[T](), arr: arr}
}

// ArrayOf returns the tiled array behind c if its element type is T.
func ArrayOf[T unit.Number](c Column) (*tile.Array[T], bool) {
	tc, ok := c.(*typedColumn[T])
	if !ok {
		return nil, false
	}

	return tc.arr, true
}

// ValuesOf returns a copy of c's values if its element type is T.
func ValuesOf[T unit.Number](c Column) ([]T, bool) {
	arr, ok := ArrayOf[T](c)
	if !ok {
		return nil, false
	}

	return arr.Values(), true
}

func (c *typedColumn[T]) ValueType() unit.ValueType { return c.vt }
func (c *typedColumn[T]) Len() int64                { return c.arr.Len() }
func (c *typedColumn[T]) Tiling() *unit.Tiling      { return c.arr.Tiling() }

func (c *typedColumn[T]) Float64s() []float64 {
	out := make([]float64, 0, c.arr.Len())

	_ = c.arr.Each(func(_ uint32, data []T) error {
		for _, v := range data {
			if unit.IsDefined(v) {
				out = append(out, float64(v))
			} else {
				out = append(out, math.NaN())
			}
		}

		return nil
	})

	return out
}

func (c *typedColumn[T]) encodeTiles() [][]byte {
	out := make([][]byte, 0, c.arr.Tiling().Count())

	_ = c.arr.Each(func(_ uint32, data []T) error {
		out = append(out, store.EncodeValues(data))

		return nil
	})

	return out
}

func (c *typedColumn[T]) retile(t *unit.Tiling) Column {
	if c.arr.Tiling().Equal(t) {
		return c
	}

	return &typedColumn[T]{vt: c.vt, arr: c.arr.Retile(t)}
}

// bitColumn holds Bool, UInt2 or UInt4 values packed into block words.
// Every value is defined.
type bitColumn struct {
	vt   unit.ValueType
	t    *unit.Tiling
	bits *tile.Bits
}

// BitsOf returns the packed values behind c if it holds a bit-packed type.
func BitsOf(c Column) (*tile.Bits, bool) {
	bc, ok := c.(*bitColumn)
	if !ok {
		return nil, false
	}

	return bc.bits, true
}

func newBitColumn(vt unit.ValueType, t *unit.Tiling, values []uint8) (Column, error) {
	top := uint8(1)<<vt.BitSize() - 1

	for i, v := range values {
		if v > top {
			return nil, fmt.Errorf("%w: value %d at %d does not fit %s", ErrValueType, v, i, vt)
		}
	}

	return &bitColumn{vt: vt, t: t, bits: tile.BitsFrom(uint8(vt.BitSize()), values)}, nil
}

func (c *bitColumn) ValueType() unit.ValueType { return c.vt }
func (c *bitColumn) Len() int64                { return int64(c.bits.Len()) }
func (c *bitColumn) Tiling() *unit.Tiling      { return c.t }

func (c *bitColumn) Float64s() []float64 {
	out := make([]float64, c.bits.Len())
	for i := range out {
		out[i] = float64(c.bits.Get(i))
	}

	return out
}

// bytes unpacks values [b, e) one per byte.
func (c *bitColumn) bytes(b, e int) []uint8 {
	out := make([]uint8, e-b)
	for i := range out {
		out[i] = c.bits.Get(b + i)
	}

	return out
}

func (c *bitColumn) encodeTiles() [][]byte {
	out := make([][]byte, 0, c.t.Count())

	for id := range c.t.Count() {
		b, e := c.t.TileRange(id)
		out = append(out, store.EncodeValues(c.bytes(int(b), int(e))))
	}

	return out
}

func (c *bitColumn) retile(t *unit.Tiling) Column {
	if c.t.Equal(t) {
		return c
	}

	return &bitColumn{vt: c.vt, t: t, bits: c.bits}
}

// widened returns the values of c as a UInt8 column over the same tiling.
func (c *bitColumn) widened() Column {
	return NewColumn(c.t, c.bytes(0, c.bits.Len()))
}

func decodeBits(vt unit.ValueType, t *unit.Tiling, tiles [][]byte) (Column, error) {
	values := make([]uint8, 0, t.Size())

	for id, raw := range tiles {
		vals, err := store.DecodeValues[uint8](raw)
		if err != nil {
			return nil, fmt.Errorf("tile %d: %w", id, err)
		}

		if len(vals) != t.TileSize(uint32(id)) {
			return nil, fmt.Errorf("tile %d: %w: %d values for %d elements", id, ErrShape, len(vals), t.TileSize(uint32(id)))
		}

		values = append(values, vals...)
	}

	return newBitColumn(vt, t, values)
}

func valueTypeOf[T unit.Number]() unit.ValueType {
	var zero T

	switch any(zero).(type) {
	case uint8:
		return unit.UInt8
	case uint16:
		return unit.UInt16
	case uint32:
		return unit.UInt32
	case uint64:
		return unit.UInt64
	case int32:
		return unit.Int32
	case int64:
		return unit.Int64
	case float32:
		return unit.Float32
	case float64:
		return unit.Float64
	}

	panic("calc: unsupported element type")
}

func decodeTyped[T unit.Number](t *unit.Tiling, tiles [][]byte) (Column, error) {
	arr := tile.NewArray[T](t)

	for id, raw := range tiles {
		vals, err := store.DecodeValues[T](raw)
		if err != nil {
			return nil, fmt.Errorf("tile %d: %w", id, err)
		}

		g := arr.WriteTile(uint32(id))
		n := copy(g.Data(), vals)
		g.Release()

		if n != len(vals) || n != t.TileSize(uint32(id)) {
			return nil, fmt.Errorf("tile %d: %w: %d values for %d elements", id, ErrShape, len(vals), t.TileSize(uint32(id)))
		}
	}

	return columnOf(arr), nil
}

func decodeColumn(vt unit.ValueType, t *unit.Tiling, tiles [][]byte) (Column, error) {
	if uint32(len(tiles)) != t.Count() {
		return nil, fmt.Errorf("%w: %d tiles for tiling of %d", ErrShape, len(tiles), t.Count())
	}

	switch vt {
	case unit.UInt8:
		return decodeTyped[uint8](t, tiles)
	case unit.UInt16:
		return decodeTyped[uint16](t, tiles)
	case unit.UInt32:
		return decodeTyped[uint32](t, tiles)
	case unit.UInt64:
		return decodeTyped[uint64](t, tiles)
	case unit.Int32:
		return decodeTyped[int32](t, tiles)
	case unit.Int64:
		return decodeTyped[int64](t, tiles)
	case unit.Float32:
		return decodeTyped[float32](t, tiles)
	case unit.Float64:
		return decodeTyped[float64](t, tiles)
	case unit.Bool, unit.UInt2, unit.UInt4:
		return decodeBits(vt, t, tiles)
	default:
		return nil, fmt.Errorf("%w: %s", ErrValueType, vt)
	}
}

// columnFromFloats converts values to a column of type vt. NaN becomes the
// undefined value of vt. Bit-packed types have none and reject NaN.
func columnFromFloats(vt unit.ValueType, t *unit.Tiling, values []float64) (Column, error) {
	switch vt {
	case unit.Bool, unit.UInt2, unit.UInt4:
		packed := make([]uint8, len(values))

		for i, v := range values {
			if math.IsNaN(v) || v < 0 || v > 15 || v != math.Trunc(v) {
				return nil, fmt.Errorf("%w: value %v at %d does not fit %s", ErrValueType, v, i, vt)
			}

			packed[i] = uint8(v)
		}

		return newBitColumn(vt, t, packed)
	case unit.UInt8:
		return NewColumn(t, convert[uint8](values)), nil
	case unit.UInt16:
		return NewColumn(t, convert[uint16](values)), nil
	case unit.UInt32:
		return NewColumn(t, convert[uint32](values)), nil
	case unit.UInt64:
		return NewColumn(t, convert[uint64](values)), nil
	case unit.Int32:
		return NewColumn(t, convert[int32](values)), nil
	case unit.Int64:
		return NewColumn(t, convert[int64](values)), nil
	case unit.Float32:
		return NewColumn(t, convert[float32](values)), nil
	case unit.Float64:
		return NewColumn(t, convert[float64](values)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrValueType, vt)
	}
}

func convert[T unit.Number](values []float64) []T {
	out := make([]T, len(values))

	for i, v := range values {
		if math.IsNaN(v) {
			out[i] = unit.Undefined[T]()
		} else {
			out[i] = T(v)
		}
	}

	return out
}

// Data is the computed content of a data item: a column over a domain unit,
// optionally described by a value unit.
type Data struct {
	Domain *unit.Unit
	Values *unit.Unit
	Col    Column

	// Extra holds named secondary outputs, such as the displaced elements
	// of invert_all.
	Extra map[string]Column
}

// Float64s returns the primary column as float64.
func (d *Data) Float64s() []float64 { return d.Col.Float64s() }

type unitMeta struct {
	Name       string    `json:"name"`
	ValueType  string    `json:"value_type"`
	Begin      int64     `json:"begin,omitempty"`
	End        int64     `json:"end,omitempty"`
	Rect       *[4]int32 `json:"rect,omitempty"`
	Bounds     []int64   `json:"tiles,omitempty"`
	Metric     string    `json:"metric,omitempty"`
	Projection string    `json:"projection,omitempty"`
}

// columnMeta locates a column's dataset layout.
type columnMeta struct {
	ValueType string  `json:"value_type"`
	Tiles     []int64 `json:"tiles"`
}

// resultMeta is the record blob of a persisted result.
type resultMeta struct {
	Kind   string                `json:"kind"`
	Unit   *unitMeta             `json:"unit,omitempty"`
	Domain *unitMeta             `json:"domain,omitempty"`
	Values *unitMeta             `json:"values,omitempty"`
	Column *columnMeta           `json:"column,omitempty"`
	Extra  map[string]columnMeta `json:"extra,omitempty"`
}

const (
	metaKindUnit = "unit"
	metaKindData = "data"
)

func unitToMeta(u *unit.Unit) *unitMeta {
	if u == nil {
		return nil
	}

	m := &unitMeta{
		Name:       u.Name(),
		ValueType:  u.ValueType().String(),
		Metric:     u.Metric(),
		Projection: u.Projection(),
	}

	if r, ok := u.Rect(); ok {
		m.Rect = &[4]int32{r.Top, r.Left, r.Bottom, r.Right}
	} else if b, e, ok := u.Bounds(); ok {
		m.Begin, m.End = b, e
	}

	if u.IsTiled() {
		m.Bounds = u.Tiling().Bounds()
	}

	return m
}

func unitFromMeta(m *unitMeta) (*unit.Unit, error) {
	if m == nil {
		return nil, nil
	}

	vt, err := unit.ParseValueType(m.ValueType)
	if err != nil {
		return nil, err
	}

	u := unit.New(m.Name, vt)

	switch {
	case m.Rect != nil:
		err = u.SetRect(unit.Rect{Top: m.Rect[0], Left: m.Rect[1], Bottom: m.Rect[2], Right: m.Rect[3]})
	case !u.IsDefined():
		err = u.SetRange(m.Begin, m.End)
	}

	if err != nil {
		return nil, err
	}

	if len(m.Bounds) > 0 {
		t, err := unit.NewTilingFromBounds(m.Bounds)
		if err != nil {
			return nil, err
		}

		err = u.SetTiling(t)
		if err != nil {
			return nil, err
		}
	}

	u.SetMetric(m.Metric)
	u.SetProjection(m.Projection)

	return u, nil
}

func encodeMeta(payload any) ([]byte, error) {
	var m resultMeta

	switch p := payload.(type) {
	case *unit.Unit:
		m.Kind = metaKindUnit
		m.Unit = unitToMeta(p)
	case *Data:
		m.Kind = metaKindData
		m.Domain = unitToMeta(p.Domain)
		m.Values = unitToMeta(p.Values)
		m.Column = columnToMeta(p.Col)

		for name, c := range p.Extra {
			if m.Extra == nil {
				m.Extra = make(map[string]columnMeta)
			}

			m.Extra[name] = *columnToMeta(c)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrResultType, payload)
	}

	return json.Marshal(m)
}

func columnToMeta(c Column) *columnMeta {
	return &columnMeta{ValueType: c.ValueType().String(), Tiles: c.Tiling().Bounds()}
}

func (m columnMeta) layout() (unit.ValueType, *unit.Tiling, error) {
	vt, err := unit.ParseValueType(m.ValueType)
	if err != nil {
		return unit.Void, nil, err
	}

	t, err := unit.NewTilingFromBounds(m.Tiles)
	if err != nil {
		return unit.Void, nil, err
	}

	return vt, t, nil
}

func decodeMeta(blob []byte) (resultMeta, error) {
	var m resultMeta

	err := json.Unmarshal(blob, &m)
	if err != nil {
		return resultMeta{}, fmt.Errorf("decode record meta: %w", err)
	}

	switch {
	case m.Kind == metaKindUnit && m.Unit != nil:
	case m.Kind == metaKindData && m.Domain != nil && m.Column != nil:
	default:
		return resultMeta{}, fmt.Errorf("decode record meta: %w: kind %q", ErrResultType, m.Kind)
	}

	return m, nil
}
