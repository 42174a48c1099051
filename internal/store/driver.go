package store

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
)

// StorageDriver reads and writes the tiles of persisted results. A dataset
// is addressed by its record's file name base.
type StorageDriver interface {
	// ReadUnitRange returns the header of a committed dataset.
	ReadUnitRange(base string) (TileHeader, error)

	// WriteUnitRange starts a new dataset with the given header, discarding
	// any uncommitted tiles for base.
	WriteUnitRange(base string, h TileHeader) error

	ReadTile(base string, id uint32) ([]byte, error)
	WriteTile(base string, id uint32, data []byte) error

	// Commit makes the written dataset visible to readers. All tiles must
	// have been written.
	Commit(base string) error

	Remove(base string) error
}

type pendingDataset struct {
	header  TileHeader
	tiles   [][]byte
	written []bool
}

// LocalDriver stores datasets as tile files in the manager's data
// directory.
type LocalDriver struct {
	m *Manager

	mu      sync.Mutex
	open    map[string]*TileFile
	pending map[string]*pendingDataset
}

var _ StorageDriver = (*LocalDriver)(nil)

// NewLocalDriver returns a driver over m's data directory.
func NewLocalDriver(m *Manager) *LocalDriver {
	return &LocalDriver{
		m:       m,
		open:    make(map[string]*TileFile),
		pending: make(map[string]*pendingDataset),
	}
}

func (d *LocalDriver) file(base string) (*TileFile, error) {
	if f, ok := d.open[base]; ok {
		return f, nil
	}

	f, err := OpenTileFile(d.m.DataPath(base))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoDataset, base)
		}

		return nil, err
	}

	d.open[base] = f

	return f, nil
}

func (d *LocalDriver) ReadUnitRange(base string) (TileHeader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.file(base)
	if err != nil {
		return TileHeader{}, err
	}

	return f.Header(), nil
}

// ReadTile returns a copy of the tile payload.
func (d *LocalDriver) ReadTile(base string, id uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.file(base)
	if err != nil {
		return nil, err
	}

	b, err := f.Tile(id)
	if err != nil {
		return nil, err
	}

	return slices.Clone(b), nil
}

func (d *LocalDriver) WriteUnitRange(base string, h TileHeader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[base] = &pendingDataset{
		header:  h,
		tiles:   make([][]byte, h.Tiles),
		written: make([]bool, h.Tiles),
	}

	return nil
}

func (d *LocalDriver) WriteTile(base string, id uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[base]
	if !ok {
		return fmt.Errorf("%w: no unit range written for %s", ErrNoDataset, base)
	}

	if id >= p.header.Tiles {
		return fmt.Errorf("%w: %d of %d", ErrTileOutOfRange, id, p.header.Tiles)
	}

	p.tiles[id] = slices.Clone(data)
	p.written[id] = true

	return nil
}

// Commit writes the dataset to a temp stream and renames it into place.
func (d *LocalDriver) Commit(base string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[base]
	if !ok {
		return fmt.Errorf("%w: nothing to commit for %s", ErrNoDataset, base)
	}

	if missing := slices.Index(p.written, false); missing >= 0 {
		return fmt.Errorf("%w: tile %d of %s not written", ErrIncomplete, missing, base)
	}

	tmp := d.m.NewStreamName()

	err := WriteTileFile(d.m.fs, tmp, p.header, p.tiles)
	if err != nil {
		_ = d.m.fs.Remove(tmp)

		return err
	}

	err = d.m.fs.Rename(tmp, d.m.DataPath(base))
	if err != nil {
		_ = d.m.fs.Remove(tmp)

		return fmt.Errorf("publish %s: %w", base, err)
	}

	var size int
	for _, t := range p.tiles {
		size += len(t)
	}

	d.m.metrics.tileBytes.Add(float64(size))
	delete(d.pending, base)

	return d.closeLocked(base)
}

func (d *LocalDriver) Remove(base string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.pending, base)

	closeErr := d.closeLocked(base)

	err := d.m.fs.Remove(d.m.DataPath(base))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(closeErr, fmt.Errorf("remove %s: %w", base, err))
	}

	return closeErr
}

func (d *LocalDriver) closeLocked(base string) error {
	f, ok := d.open[base]
	if !ok {
		return nil
	}

	delete(d.open, base)

	return f.Close()
}

// Close unmaps every open tile file.
func (d *LocalDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for base := range d.open {
		errs = append(errs, d.closeLocked(base))
	}

	return errors.Join(errs...)
}
