package store

import "errors"

var (
	// ErrClosed is returned by operations on a closed [Manager].
	ErrClosed = errors.New("store closed")

	// ErrSchemaVersion is returned when the cache database was written by an
	// incompatible version. The cache directory must be cleared.
	ErrSchemaVersion = errors.New("store schema version mismatch")

	// ErrEmptyKey is returned when a record key is empty.
	ErrEmptyKey = errors.New("empty record key")

	// ErrInvalidTileFile reports a tile file that fails header validation.
	ErrInvalidTileFile = errors.New("invalid tile file")

	// ErrTileOutOfRange is returned for a tile id at or past the tile count.
	ErrTileOutOfRange = errors.New("tile out of range")

	// ErrNoDataset is returned by a driver when no data file exists for a base.
	ErrNoDataset = errors.New("no dataset")

	// ErrIncomplete is returned when committing a dataset with unwritten tiles.
	ErrIncomplete = errors.New("dataset incomplete")
)
