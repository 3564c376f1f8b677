package overlay

import (
	"fmt"
)

// Memory is a contiguous, address-mapped byte range.
type Memory struct {
	Base uint32
	Data []byte
}

// NewMemory allocates a zeroed memory range of size bytes at base.
func NewMemory(base, size uint32) *Memory {
	return &Memory{Base: base, Data: make([]byte, size)}
}

// Size returns the length of the range in bytes.
func (m *Memory) Size() uint32 {
	return uint32(len(m.Data))
}

// End returns the first address past the range.
func (m *Memory) End() uint32 {
	return m.Base + m.Size()
}

// Contains reports whether [addr, addr+size) lies inside the range.
func (m *Memory) Contains(addr, size uint32) bool {
	lo := uint64(m.Base)
	hi := lo + uint64(len(m.Data))
	a := uint64(addr)
	return a >= lo && a+uint64(size) <= hi
}

// Slice returns the bytes of [addr, addr+size) without copying.
func (m *Memory) Slice(addr, size uint32) ([]byte, error) {
	if !m.Contains(addr, size) {
		return nil, fmt.Errorf("%w: [0x%x, +%d) not in [0x%x, 0x%x)", ErrOutOfRange, addr, size, m.Base, uint64(m.Base)+uint64(len(m.Data)))
	}
	off := addr - m.Base
	return m.Data[off : off+size : off+size], nil
}

// overlaps reports whether two address ranges share any byte.
func overlaps(aLo, aSize, bLo, bSize uint32) bool {
	aHi := uint64(aLo) + uint64(aSize)
	bHi := uint64(bLo) + uint64(bSize)
	return uint64(aLo) < bHi && uint64(bLo) < aHi
}
