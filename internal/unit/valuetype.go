// Package unit models typed value domains ("units"): element types, ranges,
// tiling metadata and the index partitioners used by the bulk kernels.
//
// A [Unit] is either undefined (no range yet) or fully defined. Range and
// tiling are attached once during metadata preparation and are immutable
// afterwards, except through [Unit.Split] and [Unit.Merge], which notify the
// registered resize listeners.
package unit

import (
	"fmt"
	"math"
)

// ValueType identifies the element type of a unit.
type ValueType uint8

// Supported value types.
const (
	Void ValueType = iota
	Bool
	UInt2
	UInt4
	UInt8
	UInt16
	UInt32
	UInt64
	Int32
	Int64
	Float32
	Float64
	SPoint
	IPoint
)

var valueTypeNames = [...]string{ //nolint:gochecknoglobals // lookup table
	Void:    "Void",
	Bool:    "Bool",
	UInt2:   "UInt2",
	UInt4:   "UInt4",
	UInt8:   "UInt8",
	UInt16:  "UInt16",
	UInt32:  "UInt32",
	UInt64:  "UInt64",
	Int32:   "Int32",
	Int64:   "Int64",
	Float32: "Float32",
	Float64: "Float64",
	SPoint:  "SPoint",
	IPoint:  "IPoint",
}

func (vt ValueType) String() string {
	if int(vt) < len(valueTypeNames) {
		return valueTypeNames[vt]
	}

	return fmt.Sprintf("ValueType(%d)", uint8(vt))
}

// ParseValueType returns the value type with the given name.
func ParseValueType(name string) (ValueType, error) {
	for i, n := range valueTypeNames {
		if n == name {
			return ValueType(i), nil
		}
	}

	return Void, fmt.Errorf("%w: %q", ErrUnknownValueType, name)
}

// BitSize returns the number of bits per element.
func (vt ValueType) BitSize() int {
	switch vt {
	case Void:
		return 0
	case Bool:
		return 1
	case UInt2:
		return 2
	case UInt4:
		return 4
	case UInt8:
		return 8
	case UInt16:
		return 16
	case UInt32, Int32, Float32, SPoint:
		return 32
	case UInt64, Int64, Float64, IPoint:
		return 64
	default:
		return 0
	}
}

// IsBitPacked reports whether elements are stored several per byte.
func (vt ValueType) IsBitPacked() bool {
	return vt == Bool || vt == UInt2 || vt == UInt4
}

// IsOrdinal reports whether the type is countable and can define a 1-D range.
func (vt ValueType) IsOrdinal() bool {
	switch vt {
	case Bool, UInt2, UInt4, UInt8, UInt16, UInt32, UInt64, Int32, Int64:
		return true
	default:
		return false
	}
}

// IsPoint reports whether the type is a 2-D grid point.
func (vt ValueType) IsPoint() bool {
	return vt == SPoint || vt == IPoint
}

// IsFloat reports whether the type is a floating point type.
func (vt ValueType) IsFloat() bool {
	return vt == Float32 || vt == Float64
}

// HasUndefined reports whether the type reserves an undefined value.
// Bit-packed types use their full value space.
func (vt ValueType) HasUndefined() bool {
	return vt != Void && !vt.IsBitPacked()
}

// Number is the set of element types the generic kernels operate on.
type Number interface {
	uint8 | uint16 | uint32 | uint64 | int32 | int64 | float32 | float64
}

// Ordinal is the set of countable element types usable as range bounds.
type Ordinal interface {
	uint8 | uint16 | uint32 | uint64 | int32 | int64
}

// Undefined returns the undefined value of T.
//
// Unsigned types use their maximum, signed integers their minimum and floats
// the lowest finite value. NaN is never produced; [IsDefined] treats NaN input
// as undefined as well.
func Undefined[T Number]() T {
	var zero T

	switch any(zero).(type) {
	case uint8:
		v := uint8(math.MaxUint8)

		return T(v)
	case uint16:
		v := uint16(math.MaxUint16)

		return T(v)
	case uint32:
		v := uint32(math.MaxUint32)

		return T(v)
	case uint64:
		v := uint64(math.MaxUint64)

		return T(v)
	case int32:
		v := int32(math.MinInt32)

		return T(v)
	case int64:
		v := int64(math.MinInt64)

		return T(v)
	case float32:
		v := float32(-math.MaxFloat32)

		return T(v)
	case float64:
		v := -math.MaxFloat64

		return T(v)
	}

	panic("unit: unsupported element type")
}

// IsDefined reports whether v is not the undefined value of T.
func IsDefined[T Number](v T) bool {
	if v != v { //nolint:gocritic // NaN check
		return false
	}

	return v != Undefined[T]()
}
