// Package image builds overlay images: function bodies laid out in external
// memory, plus the stub area and symbol map the overlay manager runs from.
//
// It stands in for the build and link steps of a real toolchain:
//   - Parse reads functions and call relocations from a BPF ELF object
//   - MarshalELF writes functions back out in the same format
//   - Link places bodies, emits one cold dispatch stub per function and
//     resolves name hashes to stubs
package image

import (
	"errors"

	"github.com/fortiblox/overlay/pkg/core"
	"github.com/fortiblox/overlay/pkg/overlay"
)

// Link errors.
var (
	ErrNoFunctions       = errors.New("image has no functions")
	ErrDuplicateFunction = errors.New("duplicate function name")
	ErrEmptyFunction     = errors.New("function has an empty body")
	ErrMisaligned        = errors.New("function body is not whole instructions")
	ErrHashCollision     = errors.New("function names share a hash")
	ErrLayout            = errors.New("invalid image layout")
)

// Function is one relocatable function body.
type Function struct {
	Name string
	Code []byte

	// Relocs lists the calls in Code that name other functions.
	Relocs []core.Reloc
}

// Layout places an image in the target address space.
type Layout struct {
	// ExternalBase is the address of the first body in external memory.
	ExternalBase uint32

	// StubBase is the address of the stub area.
	StubBase uint32

	// Align is the body alignment in bytes. Must be a power of two and at
	// least one instruction.
	Align uint32

	// ColdEntry is the handler every stub is emitted branching to.
	ColdEntry uint32
}

// DefaultLayout returns the standard layout.
func DefaultLayout() Layout {
	return Layout{
		ExternalBase: 0x8E00_0000,
		StubBase:     0x0100,
		Align:        core.InstructionSize,
		ColdEntry:    overlay.DefaultColdEntry,
	}
}

// Symbol describes a linked function.
type Symbol struct {
	Name string
	Stub overlay.StubID
	Hash uint32
	Addr uint32
	Size uint32
}

// Image is a linked set of functions.
type Image struct {
	Layout   Layout
	Symbols  []Symbol // indexed by stub
	External *overlay.Memory
	Stubs    *overlay.StubArea

	relocs [][]core.Reloc
	byName map[string]overlay.StubID
}

// Lookup returns the symbol for a function name.
func (img *Image) Lookup(name string) (Symbol, bool) {
	id, ok := img.byName[name]
	if !ok {
		return Symbol{}, false
	}
	return img.Symbols[id], true
}

// Names returns function names in stub order.
func (img *Image) Names() []string {
	out := make([]string, len(img.Symbols))
	for i, s := range img.Symbols {
		out[i] = s.Name
	}
	return out
}

// Size returns the total size of the function bodies in bytes.
func (img *Image) Size() uint32 {
	var n uint32
	for _, s := range img.Symbols {
		n += s.Size
	}
	return n
}

// Largest returns the size of the biggest body.
func (img *Image) Largest() uint32 {
	var n uint32
	for _, s := range img.Symbols {
		if s.Size > n {
			n = s.Size
		}
	}
	return n
}

// Functions returns the image's functions in stub order, relocations
// included, ready for MarshalELF.
func (img *Image) Functions() []Function {
	out := make([]Function, len(img.Symbols))
	for i, s := range img.Symbols {
		code := make([]byte, s.Size)
		copy(code, img.External.Data[s.Addr-img.External.Base:])
		relocs := make([]core.Reloc, len(img.relocs[i]))
		copy(relocs, img.relocs[i])
		out[i] = Function{Name: s.Name, Code: code, Relocs: relocs}
	}
	return out
}

// Program returns a fresh overlay program for the image. Each call gets its
// own stub area, so several managers can run the same image.
func (img *Image) Program() *overlay.Program {
	symbols := make(map[uint32]overlay.StubID, len(img.Symbols))
	for _, s := range img.Symbols {
		symbols[s.Hash] = s.Stub
	}
	return &overlay.Program{
		External: img.External,
		Stubs:    img.Stubs.Clone(),
		Symbols:  symbols,
		Names:    img.Names(),
	}
}
