package unit

import "errors"

// Errors returned by unit metadata operations.
var (
	ErrUnknownValueType = errors.New("unknown value type")
	ErrRangeFixed       = errors.New("range already defined")
	ErrRangeUndefined   = errors.New("range not defined")
	ErrInvalidRange     = errors.New("invalid range")
	ErrTilingFixed      = errors.New("tiling already attached")
	ErrInvalidTileSize  = errors.New("tile size must be positive")
	ErrNotOrdinal       = errors.New("value type is not ordinal")
	ErrNotTiled         = errors.New("unit has no tiling")
)
