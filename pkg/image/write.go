package image

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/overlay/pkg/core"
)

// Section indexes in files written by MarshalELF.
const (
	secText = iota + 1
	secSymtab
	secStrtab
	secRelText
	secShstrtab
	numSections
)

// MarshalELF writes funcs as a relocatable BPF ELF object: one .text
// section holding every body in order, a function symbol per body and an
// R_BPF_64_32 relocation per recorded call. Relocated call immediates are
// written as -1; Parse fills them back in.
func MarshalELF(funcs []Function) ([]byte, error) {
	var (
		text   bytes.Buffer
		strtab = []byte{0}
		syms   = []elfSymbol{{}}
		rels   []elfRel
		symIdx = make(map[string]int)
	)

	addString := func(s string) uint32 {
		off := uint32(len(strtab))
		strtab = append(append(strtab, s...), 0)
		return off
	}

	for _, fn := range funcs {
		if len(fn.Code) == 0 || len(fn.Code)%core.InstructionSize != 0 {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrMisaligned, fn.Name, len(fn.Code))
		}
		if _, ok := symIdx[fn.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFunction, fn.Name)
		}
		symIdx[fn.Name] = len(syms)
		syms = append(syms, elfSymbol{
			Name:  addString(fn.Name),
			Info:  stbGlobal<<4 | sttFunc,
			Shndx: secText,
			Value: uint64(text.Len()),
			Size:  uint64(len(fn.Code)),
		})
		text.Write(fn.Code)
	}

	// Second pass: call targets may be defined later in the file, or not at
	// all (host functions), in which case they become undefined symbols.
	code := text.Bytes()
	for i, fn := range funcs {
		base := syms[i+1].Value
		for _, r := range fn.Relocs {
			if uint64(r.Offset)+core.InstructionSize > uint64(len(fn.Code)) {
				return nil, fmt.Errorf("%w: %s relocation at 0x%x", ErrInvalidSection, fn.Name, r.Offset)
			}
			si, ok := symIdx[r.Symbol]
			if !ok {
				si = len(syms)
				symIdx[r.Symbol] = si
				syms = append(syms, elfSymbol{Name: addString(r.Symbol), Info: stbGlobal<<4 | sttNotype})
			}
			at := base + uint64(r.Offset)
			binary.LittleEndian.PutUint32(code[at+4:], 0xFFFF_FFFF)
			rels = append(rels, elfRel{Offset: at, Info: uint64(si)<<32 | rBPF64_32})
		}
	}

	shstrtab := []byte{0}
	shName := func(s string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, s...), 0)
		return off
	}

	var body bytes.Buffer
	body.Write(make([]byte, ehdrSize))
	place := func(b []byte) uint64 {
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
		off := uint64(body.Len())
		body.Write(b)
		return off
	}
	encode := func(v any) []byte {
		var b bytes.Buffer
		_ = binary.Write(&b, binary.LittleEndian, v)
		return b.Bytes()
	}

	sections := make([]sectionHeader, numSections)
	sections[secText] = sectionHeader{
		Name: shName(".text"), Type: shtProgbits, Flags: shfAlloc | shfExecInstr,
		Offset: place(code), Size: uint64(len(code)), AddrAlign: core.InstructionSize,
	}
	symData := encode(syms)
	sections[secSymtab] = sectionHeader{
		Name: shName(".symtab"), Type: shtSymtab, Offset: place(symData), Size: uint64(len(symData)),
		Link: secStrtab, Info: 1, AddrAlign: 8, EntSize: symSize,
	}
	sections[secStrtab] = sectionHeader{
		Name: shName(".strtab"), Type: shtStrtab, Offset: place(strtab), Size: uint64(len(strtab)), AddrAlign: 1,
	}
	relData := encode(rels)
	sections[secRelText] = sectionHeader{
		Name: shName(".rel.text"), Type: shtRel, Offset: place(relData), Size: uint64(len(relData)),
		Link: secSymtab, Info: secText, AddrAlign: 8, EntSize: relSize,
	}
	nameOff := shName(".shstrtab")
	sections[secShstrtab] = sectionHeader{
		Name: nameOff, Type: shtStrtab, Offset: place(shstrtab), Size: uint64(len(shstrtab)), AddrAlign: 1,
	}
	shoff := place(encode(sections))

	h := elfHeader{
		Type:      elfTypeDyn,
		Machine:   machineBPF,
		Version:   elfVersion,
		SHOff:     shoff,
		EHSize:    ehdrSize,
		SHEntSize: shdrSize,
		SHNum:     numSections,
		SHStrNdx:  secShstrtab,
	}
	copy(h.Ident[:], elfMagic)
	h.Ident[4] = elfClass64
	h.Ident[5] = elfDataLSB
	h.Ident[6] = elfVersion

	out := body.Bytes()
	copy(out, encode(&h))
	return out, nil
}
