package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/gridcalc/internal/fs"
	"github.com/calvinalkan/gridcalc/internal/unit"
)

// Tile file format, little endian:
//
//	header (32 bytes)
//	  0  magic "GCT1"
//	  4  version  uint16
//	  6  value type uint8
//	  7  reserved
//	  8  tile count uint32
//	  12 reserved
//	  16 range begin int64
//	  24 range end   int64
//	index (16 bytes per tile)
//	  0  data offset uint64
//	  8  data length uint64
//	data
const (
	tileMagic      = "GCT1"
	tileVersion    = 1
	tileHeaderSize = 32
	tileIndexSize  = 16
)

// TileHeader describes the dataset held by a tile file.
type TileHeader struct {
	ValueType unit.ValueType
	Begin     int64
	End       int64
	Tiles     uint32
}

// EncodeTileFile serializes h and the per-tile payloads.
func EncodeTileFile(h TileHeader, tiles [][]byte) ([]byte, error) {
	if uint64(len(tiles)) != uint64(h.Tiles) {
		return nil, fmt.Errorf("%w: header says %d tiles, got %d", ErrInvalidTileFile, h.Tiles, len(tiles))
	}

	size := tileHeaderSize + len(tiles)*tileIndexSize
	for _, t := range tiles {
		size += len(t)
	}

	buf := make([]byte, size)

	copy(buf[0:4], tileMagic)
	binary.LittleEndian.PutUint16(buf[4:6], tileVersion)
	buf[6] = byte(h.ValueType)
	binary.LittleEndian.PutUint32(buf[8:12], h.Tiles)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Begin))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.End))

	offset := tileHeaderSize + len(tiles)*tileIndexSize

	for i, t := range tiles {
		entry := buf[tileHeaderSize+i*tileIndexSize:]
		binary.LittleEndian.PutUint64(entry[0:8], uint64(offset))
		binary.LittleEndian.PutUint64(entry[8:16], uint64(len(t)))
		copy(buf[offset:], t)
		offset += len(t)
	}

	return buf, nil
}

// WriteTileFile atomically replaces path with an encoded tile file.
func WriteTileFile(fsys fs.FS, path string, h TileHeader, tiles [][]byte) error {
	buf, err := EncodeTileFile(h, tiles)
	if err != nil {
		return err
	}

	err = fsys.WriteFileAtomic(path, buf)
	if err != nil {
		return fmt.Errorf("write tile file: %w", err)
	}

	return nil
}

// TileFile is a read-only, memory mapped tile file. Slices returned by
// [TileFile.Tile] are valid until Close.
type TileFile struct {
	mu     sync.Mutex
	data   []byte
	header TileHeader
}

// OpenTileFile maps path and validates its header and index.
func OpenTileFile(path string) (*TileFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tile file: %w", err)
	}

	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat tile file: %w", err)
	}

	size := info.Size()
	if size < tileHeaderSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrInvalidTileFile, path, size)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap tile file: %w", err)
	}

	h, err := parseTileFile(data)
	if err != nil {
		_ = unix.Munmap(data)

		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &TileFile{data: data, header: h}, nil
}

func parseTileFile(data []byte) (TileHeader, error) {
	if string(data[0:4]) != tileMagic {
		return TileHeader{}, fmt.Errorf("%w: bad magic %q", ErrInvalidTileFile, data[0:4])
	}

	if v := binary.LittleEndian.Uint16(data[4:6]); v != tileVersion {
		return TileHeader{}, fmt.Errorf("%w: version %d, want %d", ErrInvalidTileFile, v, tileVersion)
	}

	h := TileHeader{
		ValueType: unit.ValueType(data[6]),
		Tiles:     binary.LittleEndian.Uint32(data[8:12]),
		Begin:     int64(binary.LittleEndian.Uint64(data[16:24])),
		End:       int64(binary.LittleEndian.Uint64(data[24:32])),
	}

	size := uint64(len(data))

	indexEnd := uint64(tileHeaderSize) + uint64(h.Tiles)*tileIndexSize
	if indexEnd > size {
		return TileHeader{}, fmt.Errorf("%w: index of %d tiles exceeds file", ErrInvalidTileFile, h.Tiles)
	}

	for i := range uint64(h.Tiles) {
		entry := data[tileHeaderSize+i*tileIndexSize:]
		off := binary.LittleEndian.Uint64(entry[0:8])
		n := binary.LittleEndian.Uint64(entry[8:16])

		if off < indexEnd || off > size || n > size-off {
			return TileHeader{}, fmt.Errorf("%w: tile %d data out of bounds", ErrInvalidTileFile, i)
		}
	}

	return h, nil
}

func (f *TileFile) Header() TileHeader { return f.header }

// Tile returns the raw payload of tile id.
func (f *TileFile) Tile(id uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.data == nil {
		return nil, ErrClosed
	}

	if id >= f.header.Tiles {
		return nil, fmt.Errorf("%w: %d of %d", ErrTileOutOfRange, id, f.header.Tiles)
	}

	entry := f.data[tileHeaderSize+int(id)*tileIndexSize:]
	off := binary.LittleEndian.Uint64(entry[0:8])
	n := binary.LittleEndian.Uint64(entry[8:16])

	return f.data[off : off+n : off+n], nil
}

// Close unmaps the file. It is idempotent.
func (f *TileFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.data == nil {
		return nil
	}

	err := unix.Munmap(f.data)
	f.data = nil

	if err != nil {
		return fmt.Errorf("munmap tile file: %w", err)
	}

	return nil
}

// EncodeValues returns the little endian encoding of vals.
func EncodeValues[T unit.Number](vals []T) []byte {
	buf, err := binary.Append(make([]byte, 0, len(vals)*binary.Size(*new(T))), binary.LittleEndian, vals)
	if err != nil {
		panic(fmt.Sprintf("store: encoding %T: %v", vals, err))
	}

	return buf
}

// DecodeValues decodes a payload produced by [EncodeValues].
func DecodeValues[T unit.Number](b []byte) ([]T, error) {
	size := binary.Size(*new(T))
	if len(b)%size != 0 {
		return nil, fmt.Errorf("%w: payload of %d bytes is not a multiple of %d", ErrInvalidTileFile, len(b), size)
	}

	out := make([]T, len(b)/size)

	_, err := binary.Decode(b, binary.LittleEndian, out)
	if err != nil {
		return nil, fmt.Errorf("decode values: %w", err)
	}

	return out, nil
}
