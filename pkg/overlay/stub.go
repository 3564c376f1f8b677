package overlay

import (
	"encoding/binary"
	"fmt"
)

// StubSize is the size of one dispatch stub in bytes:
//
//	[0:4]  branch word (the only word patched at run time)
//	[4:8]  external address of the function body
//	[8:12] size of the body in bytes
const StubSize = 12

// Default handler addresses. The linker emits every stub as a branch to
// DefaultColdEntry.
const (
	DefaultColdEntry    = uint32(0x0040)
	DefaultCountedEntry = uint32(0x0080)
)

// Branch instruction template: an unconditional relative branch whose upper
// 24 bits hold a signed displacement counted in half-words.
const (
	branchOpcode  = 0xE8
	branchOpMask  = 0xFF
	branchDispMin = -(1 << 23)
	branchDispMax = 1<<23 - 1
)

// EncodeBranch returns the branch word that, placed at from, transfers
// control to to.
func EncodeBranch(from, to uint32) (uint32, error) {
	disp := int64(to) - int64(from)
	if disp&1 != 0 {
		return 0, fmt.Errorf("%w: odd displacement %d from 0x%x to 0x%x", ErrBranchRange, disp, from, to)
	}
	half := disp >> 1
	if half < branchDispMin || half > branchDispMax {
		return 0, fmt.Errorf("%w: 0x%x to 0x%x", ErrBranchRange, from, to)
	}
	return uint32(half)<<8 | branchOpcode, nil
}

// DecodeBranch returns the target of the branch word placed at from.
func DecodeBranch(from, word uint32) (uint32, error) {
	if word&branchOpMask != branchOpcode {
		return 0, fmt.Errorf("%w: 0x%08x at 0x%x", ErrInvalidBranch, word, from)
	}
	half := int64(int32(word) >> 8)
	return uint32(int64(from) + half*2), nil
}

// StubArea is the memory holding the dispatch stubs, one per function.
type StubArea struct {
	Base     uint32
	Data     []byte
	Writable bool
}

// NewStubArea allocates a writable area for count stubs at base.
func NewStubArea(base uint32, count int) *StubArea {
	return &StubArea{
		Base:     base,
		Data:     make([]byte, count*StubSize),
		Writable: true,
	}
}

// Len returns the number of stubs in the area.
func (a *StubArea) Len() int {
	return len(a.Data) / StubSize
}

// Size returns the area size in bytes.
func (a *StubArea) Size() uint32 {
	return uint32(len(a.Data))
}

// Addr returns the address of the stub's branch word.
func (a *StubArea) Addr(id StubID) uint32 {
	return a.Base + uint32(id)*StubSize
}

func (a *StubArea) word(id StubID, n int) uint32 {
	off := int(id)*StubSize + n*4
	return binary.LittleEndian.Uint32(a.Data[off : off+4])
}

func (a *StubArea) putWord(id StubID, n int, v uint32) {
	off := int(id)*StubSize + n*4
	binary.LittleEndian.PutUint32(a.Data[off:off+4], v)
}

// Branch returns the raw branch word of a stub.
func (a *StubArea) Branch(id StubID) uint32 {
	return a.word(id, 0)
}

// Descriptor returns the external address and size stored in a stub.
func (a *StubArea) Descriptor(id StubID) Descriptor {
	return Descriptor{Addr: a.word(id, 1), Size: a.word(id, 2)}
}

// Target decodes the handler a stub currently branches to.
func (a *StubArea) Target(id StubID) (uint32, error) {
	return DecodeBranch(a.Addr(id), a.Branch(id))
}

// Emit writes a complete stub branching to handler. It is the build step's
// entry point and ignores Writable.
func (a *StubArea) Emit(id StubID, d Descriptor, handler uint32) error {
	if int(id) >= a.Len() {
		return fmt.Errorf("%w: %d", ErrUnknownStub, id)
	}
	word, err := EncodeBranch(a.Addr(id), handler)
	if err != nil {
		return err
	}
	a.putWord(id, 0, word)
	a.putWord(id, 1, d.Addr)
	a.putWord(id, 2, d.Size)
	return nil
}

// Patch retargets a stub's branch word to handler. Patching a stub to the
// state it already holds leaves the area untouched.
func (a *StubArea) Patch(id StubID, handler uint32) error {
	if !a.Writable {
		return ErrStubAreaReadOnly
	}
	if int(id) >= a.Len() {
		return fmt.Errorf("%w: %d", ErrUnknownStub, id)
	}
	word, err := EncodeBranch(a.Addr(id), handler)
	if err != nil {
		return err
	}
	if a.Branch(id) == word {
		return nil
	}
	a.putWord(id, 0, word)
	return nil
}

// Clone returns an independent copy of the area.
func (a *StubArea) Clone() *StubArea {
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	return &StubArea{Base: a.Base, Data: data, Writable: a.Writable}
}
