package unit

// CheckMode selects how a kernel validates values before using them as
// indices. It is decided once per operation by [SelectCheck].
type CheckMode uint8

// Check modes.
const (
	CheckNone    CheckMode = iota // values are known to be defined and in range
	CheckRange                    // values may fall outside the range
	CheckDefined                  // values may be undefined
	CheckBoth
)

func (m CheckMode) String() string {
	switch m {
	case CheckNone:
		return "none"
	case CheckRange:
		return "range"
	case CheckDefined:
		return "defined"
	case CheckBoth:
		return "both"
	default:
		return "invalid"
	}
}

// ValueInfo describes what is statically known about a value array.
type ValueInfo[T Ordinal] struct {
	// Bounds is the known value range; only meaningful when Bounded is set.
	Bounds  Range[T]
	Bounded bool

	// MayBeUndefined is set when the array can hold the undefined value.
	MayBeUndefined bool
}

// SelectCheck returns the cheapest check mode that is safe for indexing
// domain with values described by info.
func SelectCheck[T Ordinal](domain Range[T], info ValueInfo[T]) CheckMode {
	needRange := !info.Bounded || !domain.Covers(info.Bounds)

	// A range check already rejects an undefined value that lies outside the
	// domain, so a separate null check is only needed when the domain
	// contains it or no range check runs.
	needNull := info.MayBeUndefined && (!needRange || domain.ContainsUndefined())

	switch {
	case needRange && needNull:
		return CheckBoth
	case needRange:
		return CheckRange
	case needNull:
		return CheckDefined
	default:
		return CheckNone
	}
}

// Partitioner maps a value to its ordinal in a range. Implementations are
// small value types so that generic kernels instantiated with them compile
// to a loop without per-element dynamic dispatch.
type Partitioner[T Ordinal] interface {
	Index(v T) (int, bool)
}

// ZeroNaked indexes a zero-based range without checks.
type ZeroNaked[T Ordinal] struct{}

// Index implements [Partitioner].
func (ZeroNaked[T]) Index(v T) (int, bool) { return int(v), true }

// Naked indexes an arbitrary-based range without checks.
type Naked[T Ordinal] struct{ Begin T }

// Index implements [Partitioner].
func (p Naked[T]) Index(v T) (int, bool) { return int(int64(v) - int64(p.Begin)), true }

// RangeChecked rejects values outside [Begin, Begin+N).
type RangeChecked[T Ordinal] struct {
	Begin T
	N     int
}

// Index implements [Partitioner].
func (p RangeChecked[T]) Index(v T) (int, bool) {
	i := int64(v) - int64(p.Begin)
	if v < p.Begin || i < 0 || i >= int64(p.N) {
		return 0, false
	}

	return int(i), true
}

// NullChecked rejects the undefined value only.
type NullChecked[T Ordinal] struct{ Begin T }

// Index implements [Partitioner].
func (p NullChecked[T]) Index(v T) (int, bool) {
	if v == Undefined[T]() {
		return 0, false
	}

	return int(int64(v) - int64(p.Begin)), true
}

// Checked rejects both undefined and out-of-range values.
type Checked[T Ordinal] struct {
	Begin T
	N     int
}

// Index implements [Partitioner].
func (p Checked[T]) Index(v T) (int, bool) {
	if v == Undefined[T]() {
		return 0, false
	}

	return RangeChecked[T]{Begin: p.Begin, N: p.N}.Index(v)
}

// Strategy names the concrete partitioner type for a mode and range.
type Strategy uint8

// Strategies in the order kernels switch over them.
const (
	StrategyZeroNaked Strategy = iota
	StrategyNaked
	StrategyRange
	StrategyNull
	StrategyChecked
	StrategyBits
)

// SelectStrategy maps a check mode and domain to a partitioner strategy.
// Bit-packed domains never need a check.
func SelectStrategy[T Ordinal](domain Range[T], mode CheckMode, bitPacked bool) Strategy {
	if bitPacked {
		return StrategyBits
	}

	switch mode {
	case CheckRange:
		return StrategyRange
	case CheckDefined:
		return StrategyNull
	case CheckBoth:
		return StrategyChecked
	case CheckNone:
	}

	if domain.IsZeroBased() {
		return StrategyZeroNaked
	}

	return StrategyNaked
}
