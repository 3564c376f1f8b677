package core

import (
	"encoding/binary"
	"fmt"
)

// Translate converts a virtual address range to a slice of the backing
// memory. The code segment is read only.
func (ip *Interpreter) Translate(addr, size uint64, write bool) ([]byte, error) {
	lo := addr & 0xFFFF_FFFF
	if lo+size < lo {
		return nil, fmt.Errorf("%w: address overflow at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
	}
	end := lo + size

	switch addr >> 32 {
	case VaddrCode >> 32:
		if write {
			return nil, fmt.Errorf("%w: write to code segment at 0x%x", ErrInvalidMemoryAccess, addr)
		}
		if end > uint64(len(ip.code)) {
			return nil, fmt.Errorf("%w: read beyond code segment at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
		}
		return ip.code[lo:end], nil

	case VaddrStack >> 32:
		if end > uint64(len(ip.stack)) {
			return nil, fmt.Errorf("%w: stack access at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
		}
		return ip.stack[lo:end], nil
	}
	return nil, fmt.Errorf("%w: unmapped address 0x%x", ErrInvalidMemoryAccess, addr)
}

// Read copies len(p) bytes starting at addr.
func (ip *Interpreter) Read(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Write copies p to addr.
func (ip *Interpreter) Write(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

func (ip *Interpreter) load(addr, size uint64) (uint64, error) {
	mem, err := ip.Translate(addr, size, false)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(mem[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(mem)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(mem)), nil
	}
	return binary.LittleEndian.Uint64(mem), nil
}

func (ip *Interpreter) store(addr, size, v uint64) error {
	mem, err := ip.Translate(addr, size, true)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		mem[0] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(mem, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(mem, uint32(v))
	default:
		binary.LittleEndian.PutUint64(mem, v)
	}
	return nil
}
