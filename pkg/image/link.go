package image

import (
	"fmt"

	"github.com/fortiblox/overlay/pkg/core"
	"github.com/fortiblox/overlay/pkg/overlay"
)

// Link lays funcs out in external memory in the order given and emits one
// cold stub per function. Function i gets stub i.
func Link(funcs []Function, layout Layout) (*Image, error) {
	if len(funcs) == 0 {
		return nil, ErrNoFunctions
	}
	if len(funcs) >= int(overlay.NoStub) {
		return nil, fmt.Errorf("%w: %d functions", ErrLayout, len(funcs))
	}
	if layout.Align < core.InstructionSize || layout.Align&(layout.Align-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d", ErrLayout, layout.Align)
	}

	byName := make(map[string]overlay.StubID, len(funcs))
	byHash := make(map[uint32]string, len(funcs))
	offsets := make([]uint64, len(funcs))
	var total uint64
	for i, fn := range funcs {
		switch {
		case len(fn.Code) == 0:
			return nil, fmt.Errorf("%w: %s", ErrEmptyFunction, fn.Name)
		case len(fn.Code)%core.InstructionSize != 0:
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrMisaligned, fn.Name, len(fn.Code))
		}
		if _, ok := byName[fn.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFunction, fn.Name)
		}
		h := core.Hash(fn.Name)
		if other, ok := byHash[h]; ok {
			return nil, fmt.Errorf("%w: %s and %s", ErrHashCollision, other, fn.Name)
		}
		byName[fn.Name] = overlay.StubID(i)
		byHash[h] = fn.Name

		offsets[i] = total
		total += alignUp(uint64(len(fn.Code)), uint64(layout.Align))
	}
	if uint64(layout.ExternalBase)+total > 1<<32 {
		return nil, fmt.Errorf("%w: %d bytes at 0x%x overflow the address space", ErrLayout, total, layout.ExternalBase)
	}

	img := &Image{
		Layout:   layout,
		Symbols:  make([]Symbol, len(funcs)),
		External: overlay.NewMemory(layout.ExternalBase, uint32(total)),
		Stubs:    overlay.NewStubArea(layout.StubBase, len(funcs)),
		relocs:   make([][]core.Reloc, len(funcs)),
		byName:   byName,
	}
	if overlaps(img.Stubs.Base, img.Stubs.Size(), img.External.Base, img.External.Size()) {
		return nil, fmt.Errorf("%w: stub area overlaps external memory", ErrLayout)
	}

	for i, fn := range funcs {
		id := overlay.StubID(i)
		addr := layout.ExternalBase + uint32(offsets[i])
		copy(img.External.Data[offsets[i]:], fn.Code)

		d := overlay.Descriptor{Addr: addr, Size: uint32(len(fn.Code))}
		if err := img.Stubs.Emit(id, d, layout.ColdEntry); err != nil {
			return nil, fmt.Errorf("emit stub for %s: %w", fn.Name, err)
		}
		img.Symbols[i] = Symbol{Name: fn.Name, Stub: id, Hash: core.Hash(fn.Name), Addr: addr, Size: d.Size}
		img.relocs[i] = append([]core.Reloc(nil), fn.Relocs...)
	}
	return img, nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

func overlaps(aLo, aSize, bLo, bSize uint32) bool {
	aHi := uint64(aLo) + uint64(aSize)
	bHi := uint64(bLo) + uint64(bSize)
	return uint64(aLo) < bHi && uint64(bLo) < aHi
}
