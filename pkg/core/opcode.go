package core

// Instruction class bits (bits 0-2).
const (
	ClassLdx   = 0x01
	ClassSt    = 0x02
	ClassStx   = 0x03
	ClassAlu   = 0x04 // 32-bit ALU
	ClassJmp   = 0x05
	ClassAlu64 = 0x07
)

// Source bits (bit 3).
const (
	SrcK = 0x00 // Immediate
	SrcX = 0x08 // Register
)

// ALU operation codes (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
)

// Memory access size (bits 3-4 for load/store).
const (
	SizeW  = 0x00
	SizeH  = 0x08
	SizeB  = 0x10
	SizeDW = 0x18
)

// ModeMem is the only supported load/store addressing mode.
const ModeMem = 0x60

// Jump operation codes (bits 4-7).
const (
	JmpJa   = 0x00
	JmpJeq  = 0x10
	JmpJgt  = 0x20
	JmpJge  = 0x30
	JmpJset = 0x40
	JmpJne  = 0x50
	JmpJsgt = 0x60
	JmpJsge = 0x70
	JmpCall = 0x80
	JmpExit = 0x90
	JmpJlt  = 0xa0
	JmpJle  = 0xb0
	JmpJslt = 0xc0
	JmpJsle = 0xd0
)

// Composed opcodes used by the assembler and tests.
const (
	OpAdd64Imm  = ClassAlu64 | SrcK | AluAdd  // 0x07
	OpAdd64Reg  = ClassAlu64 | SrcX | AluAdd  // 0x0f
	OpSub64Imm  = ClassAlu64 | SrcK | AluSub  // 0x17
	OpSub64Reg  = ClassAlu64 | SrcX | AluSub  // 0x1f
	OpMul64Imm  = ClassAlu64 | SrcK | AluMul  // 0x27
	OpMul64Reg  = ClassAlu64 | SrcX | AluMul  // 0x2f
	OpDiv64Imm  = ClassAlu64 | SrcK | AluDiv  // 0x37
	OpDiv64Reg  = ClassAlu64 | SrcX | AluDiv  // 0x3f
	OpLsh64Imm  = ClassAlu64 | SrcK | AluLsh  // 0x67
	OpRsh64Imm  = ClassAlu64 | SrcK | AluRsh  // 0x77
	OpNeg64     = ClassAlu64 | AluNeg         // 0x87
	OpMod64Imm  = ClassAlu64 | SrcK | AluMod  // 0x97
	OpMod64Reg  = ClassAlu64 | SrcX | AluMod  // 0x9f
	OpXor64Reg  = ClassAlu64 | SrcX | AluXor  // 0xaf
	OpMov64Imm  = ClassAlu64 | SrcK | AluMov  // 0xb7
	OpMov64Reg  = ClassAlu64 | SrcX | AluMov  // 0xbf
	OpArsh64Imm = ClassAlu64 | SrcK | AluArsh // 0xc7
	OpAdd32Imm  = ClassAlu | SrcK | AluAdd    // 0x04
	OpMov32Imm  = ClassAlu | SrcK | AluMov    // 0xb4

	OpLdxb  = ClassLdx | ModeMem | SizeB  // 0x71
	OpLdxw  = ClassLdx | ModeMem | SizeW  // 0x61
	OpLdxdw = ClassLdx | ModeMem | SizeDW // 0x79
	OpStw   = ClassSt | ModeMem | SizeW   // 0x62
	OpStdw  = ClassSt | ModeMem | SizeDW  // 0x7a
	OpStxb  = ClassStx | ModeMem | SizeB  // 0x73
	OpStxdw = ClassStx | ModeMem | SizeDW // 0x7b

	OpJa     = ClassJmp | JmpJa         // 0x05
	OpJeqImm = ClassJmp | SrcK | JmpJeq // 0x15
	OpJeqReg = ClassJmp | SrcX | JmpJeq // 0x1d
	OpJgtImm = ClassJmp | SrcK | JmpJgt // 0x25
	OpJgeImm = ClassJmp | SrcK | JmpJge // 0x35
	OpJneImm = ClassJmp | SrcK | JmpJne // 0x55
	OpJltImm = ClassJmp | SrcK | JmpJlt // 0xa5
	OpJltReg = ClassJmp | SrcX | JmpJlt // 0xad
	OpCall   = ClassJmp | JmpCall       // 0x85
	OpExit   = ClassJmp | JmpExit       // 0x95

	// OpLddw loads a 64-bit immediate and spans two instruction slots.
	OpLddw = 0x18
)

// Instruction extracts fields from an encoded instruction.
type Instruction uint64

// Op returns the opcode (bits 0-7).
func (i Instruction) Op() uint8 {
	return uint8(i & 0xFF)
}

// Dst returns the destination register (bits 8-11).
func (i Instruction) Dst() uint8 {
	return uint8((i >> 8) & 0x0F)
}

// Src returns the source register (bits 12-15).
func (i Instruction) Src() uint8 {
	return uint8((i >> 12) & 0x0F)
}

// Off returns the signed offset (bits 16-31).
func (i Instruction) Off() int16 {
	return int16(i >> 16)
}

// Imm returns the signed immediate (bits 32-63).
func (i Instruction) Imm() int32 {
	return int32(i >> 32)
}

// Encode creates an instruction from its components.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}
