package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/overlay/pkg/core"
)

// ELF identification.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	elfClass64   = 2
	elfDataLSB   = 1
	elfVersion   = 1
	elfTypeExec  = 2
	elfTypeDyn   = 3
	machineBPF   = 247
	machineSBPF  = 263
	ehdrSize     = 64
	shdrSize     = 64
	symSize      = 24
	relSize      = 16
	relaSize     = 24
	maxELFSize   = 16 * 1024 * 1024
	maxSections  = 256
	maxSymbols   = 100000
	maxRelocs    = 100000
	stbGlobal    = 1
	sttNotype    = 0
	sttFunc      = 2
	shtProgbits  = 1
	shtSymtab    = 2
	shtStrtab    = 3
	shtRela      = 4
	shtRel       = 9
	shfAlloc     = 0x2
	shfExecInstr = 0x4
	rBPF64_32    = 10
)

// ELF errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrInvalidSection     = errors.New("invalid section")
	ErrInvalidSymbol      = errors.New("invalid symbol")
	ErrTooLarge           = errors.New("ELF file too large")
)

type elfHeader struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PHOff     uint64
	SHOff     uint64
	Flags     uint32
	EHSize    uint16
	PHEntSize uint16
	PHNum     uint16
	SHEntSize uint16
	SHNum     uint16
	SHStrNdx  uint16
}

type sectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type elfSymbol struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

type elfRel struct {
	Offset uint64
	Info   uint64
}

// elfFile is a parsed ELF object.
type elfFile struct {
	data     []byte
	sections []sectionHeader
	names    []string
}

// Parse reads the functions of a BPF ELF object. Every sized STT_FUNC
// symbol in .text becomes a function; R_BPF_64_32 call relocations are
// applied by writing the target name's hash into the call immediate.
// Functions are returned in address order.
func Parse(data []byte) ([]Function, error) {
	f, err := parseELF(data)
	if err != nil {
		return nil, err
	}

	textIdx := f.section(".text")
	if textIdx < 0 {
		return nil, ErrNoTextSection
	}
	text, err := f.contents(textIdx)
	if err != nil {
		return nil, err
	}
	if len(text)%core.InstructionSize != 0 {
		return nil, fmt.Errorf("%w: .text is not whole instructions", ErrInvalidSection)
	}

	symIdx := f.section(".symtab")
	if symIdx < 0 {
		return nil, fmt.Errorf("%w: no .symtab", ErrInvalidSymbol)
	}
	syms, strtab, err := f.symbols(symIdx)
	if err != nil {
		return nil, err
	}

	type span struct {
		name       string
		start, end uint64
	}
	var spans []span
	for _, s := range syms {
		if s.Info&0xf != sttFunc || int(s.Shndx) != textIdx || s.Size == 0 {
			continue
		}
		name := cstring(strtab, s.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: unnamed function at 0x%x", ErrInvalidSymbol, s.Value)
		}
		if s.Value+s.Size > uint64(len(text)) || s.Value+s.Size < s.Value {
			return nil, fmt.Errorf("%w: %s extends past .text", ErrInvalidSymbol, name)
		}
		spans = append(spans, span{name: name, start: s.Value, end: s.Value + s.Size})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return nil, fmt.Errorf("%w: %s overlaps %s", ErrInvalidSymbol, spans[i].name, spans[i-1].name)
		}
	}

	funcs := make([]Function, len(spans))
	for i, sp := range spans {
		code := make([]byte, sp.end-sp.start)
		copy(code, text[sp.start:sp.end])
		funcs[i] = Function{Name: sp.name, Code: code}
	}

	// Call relocations, from either section name the toolchain may use.
	for _, name := range []string{".rel.text", ".rel.dyn"} {
		relIdx := f.section(name)
		if relIdx < 0 {
			continue
		}
		rels, err := f.relocations(relIdx)
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			if uint32(rel.Info) != rBPF64_32 {
				continue
			}
			si := rel.Info >> 32
			if si >= uint64(len(syms)) {
				return nil, fmt.Errorf("%w: relocation names symbol %d", ErrInvalidSymbol, si)
			}
			target := cstring(strtab, syms[si].Name)
			owner := sort.Search(len(spans), func(i int) bool { return spans[i].end > rel.Offset })
			if owner == len(spans) || rel.Offset < spans[owner].start || rel.Offset+core.InstructionSize > spans[owner].end {
				return nil, fmt.Errorf("%w: relocation at 0x%x is outside every function", ErrInvalidSection, rel.Offset)
			}
			off := uint32(rel.Offset - spans[owner].start)
			binary.LittleEndian.PutUint32(funcs[owner].Code[off+4:], core.Hash(target))
			funcs[owner].Relocs = append(funcs[owner].Relocs, core.Reloc{Offset: off, Symbol: target})
		}
	}
	return funcs, nil
}

func parseELF(data []byte) (*elfFile, error) {
	if len(data) > maxELFSize {
		return nil, ErrTooLarge
	}
	if len(data) < ehdrSize || !bytes.Equal(data[:4], elfMagic) {
		return nil, ErrInvalidELF
	}

	var h elfHeader
	if err := binary.Read(bytes.NewReader(data[:ehdrSize]), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidELF, err)
	}
	switch {
	case h.Ident[4] != elfClass64:
		return nil, ErrUnsupportedClass
	case h.Ident[5] != elfDataLSB:
		return nil, ErrUnsupportedEndian
	case h.Machine != machineBPF && h.Machine != machineSBPF:
		return nil, ErrUnsupportedMachine
	case h.Type != elfTypeExec && h.Type != elfTypeDyn:
		return nil, fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, h.Type)
	case h.SHNum > maxSections:
		return nil, fmt.Errorf("%w: too many sections", ErrInvalidELF)
	case h.SHNum > 0 && h.SHEntSize != shdrSize:
		return nil, fmt.Errorf("%w: section header size %d", ErrInvalidELF, h.SHEntSize)
	}

	end := h.SHOff + uint64(h.SHNum)*shdrSize
	if end > uint64(len(data)) || end < h.SHOff {
		return nil, fmt.Errorf("%w: section headers past end of file", ErrInvalidELF)
	}
	f := &elfFile{data: data, sections: make([]sectionHeader, h.SHNum)}
	if err := binary.Read(bytes.NewReader(data[h.SHOff:end]), binary.LittleEndian, f.sections); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidELF, err)
	}

	if h.SHStrNdx >= h.SHNum {
		return nil, ErrInvalidSection
	}
	shstr, err := f.contents(int(h.SHStrNdx))
	if err != nil {
		return nil, err
	}
	f.names = make([]string, len(f.sections))
	for i, s := range f.sections {
		f.names[i] = cstring(shstr, s.Name)
	}
	return f, nil
}

func (f *elfFile) section(name string) int {
	for i, n := range f.names {
		if n == name {
			return i
		}
	}
	return -1
}

func (f *elfFile) contents(i int) ([]byte, error) {
	s := f.sections[i]
	end := s.Offset + s.Size
	if end > uint64(len(f.data)) || end < s.Offset {
		return nil, fmt.Errorf("%w: section %d past end of file", ErrInvalidSection, i)
	}
	return f.data[s.Offset:end], nil
}

func (f *elfFile) symbols(i int) ([]elfSymbol, []byte, error) {
	s := f.sections[i]
	if s.EntSize != 0 && s.EntSize != symSize {
		return nil, nil, fmt.Errorf("%w: symbol size %d", ErrInvalidSection, s.EntSize)
	}
	raw, err := f.contents(i)
	if err != nil {
		return nil, nil, err
	}
	n := len(raw) / symSize
	if n > maxSymbols {
		return nil, nil, fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}
	if int(s.Link) >= len(f.sections) {
		return nil, nil, fmt.Errorf("%w: symbol string table %d", ErrInvalidSection, s.Link)
	}
	strtab, err := f.contents(int(s.Link))
	if err != nil {
		return nil, nil, err
	}
	syms := make([]elfSymbol, n)
	if err := binary.Read(bytes.NewReader(raw[:n*symSize]), binary.LittleEndian, syms); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSection, err)
	}
	return syms, strtab, nil
}

func (f *elfFile) relocations(i int) ([]elfRel, error) {
	s := f.sections[i]
	entSize := uint64(relSize)
	switch {
	case s.Type == shtRela:
		entSize = relaSize
	case s.Type != shtRel:
		return nil, fmt.Errorf("%w: %s has type %d", ErrInvalidSection, f.names[i], s.Type)
	}
	raw, err := f.contents(i)
	if err != nil {
		return nil, err
	}
	n := uint64(len(raw)) / entSize
	if n > maxRelocs {
		return nil, fmt.Errorf("%w: too many relocations", ErrInvalidELF)
	}
	rels := make([]elfRel, n)
	for j := uint64(0); j < n; j++ {
		e := raw[j*entSize:]
		rels[j] = elfRel{
			Offset: binary.LittleEndian.Uint64(e[0:8]),
			Info:   binary.LittleEndian.Uint64(e[8:16]),
		}
	}
	return rels, nil
}

func cstring(tab []byte, off uint32) string {
	if off >= uint32(len(tab)) {
		return ""
	}
	end := bytes.IndexByte(tab[off:], 0)
	if end < 0 {
		return string(tab[off:])
	}
	return string(tab[off : off+uint32(end)])
}
