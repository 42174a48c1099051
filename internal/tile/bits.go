package tile

import "fmt"

// Bits is a packed array of 1, 2 or 4 bit values.
type Bits struct {
	width  uint8
	length int
	words  []uint64
}

// NewBits allocates length zero values of the given bit width.
// It panics if width is not 1, 2 or 4.
func NewBits(width uint8, length int) *Bits {
	switch width {
	case 1, 2, 4:
	default:
		panic(fmt.Sprintf("tile: unsupported bit width %d", width))
	}

	per := 64 / int(width)

	return &Bits{width: width, length: length, words: make([]uint64, (length+per-1)/per)}
}

// BitsFrom packs values into a new Bits. Values are masked to width bits.
func BitsFrom(width uint8, values []uint8) *Bits {
	b := NewBits(width, len(values))
	for i, v := range values {
		b.Set(i, v)
	}

	return b
}

// Width returns the number of bits per value.
func (b *Bits) Width() uint8 { return b.width }

// Len returns the number of values.
func (b *Bits) Len() int { return b.length }

// PerWord returns the number of values held by one block word.
func (b *Bits) PerWord() int { return 64 / int(b.width) }

// Words returns the backing block words. Bits beyond Len in the last word
// are zero.
func (b *Bits) Words() []uint64 { return b.words }

func (b *Bits) pos(i int) (int, uint) {
	if i < 0 || i >= b.length {
		panic(fmt.Sprintf("tile: bit index %d out of range (len %d)", i, b.length))
	}

	per := b.PerWord()

	return i / per, uint(i%per) * uint(b.width)
}

// Get returns value i.
func (b *Bits) Get(i int) uint8 {
	w, shift := b.pos(i)
	mask := uint64(1)<<b.width - 1

	return uint8(b.words[w] >> shift & mask)
}

// Set stores v (masked to the bit width) at i.
func (b *Bits) Set(i int, v uint8) {
	w, shift := b.pos(i)
	mask := uint64(1)<<b.width - 1

	b.words[w] = b.words[w]&^(mask<<shift) | (uint64(v)&mask)<<shift
}
