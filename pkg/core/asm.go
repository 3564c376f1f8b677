package core

import (
	"encoding/binary"
)

// Reloc marks a call instruction whose immediate names another function.
// Offset is the byte offset of the instruction within its body.
type Reloc struct {
	Offset uint32
	Symbol string
}

// Asm assembles a function body one instruction at a time. Jump and local
// call offsets are in instructions, relative to the next instruction.
type Asm struct {
	ins    []uint64
	relocs []Reloc
}

// NewAsm returns an empty assembler.
func NewAsm() *Asm {
	return &Asm{}
}

// Emit appends raw instructions.
func (a *Asm) Emit(ins ...uint64) *Asm {
	a.ins = append(a.ins, ins...)
	return a
}

// Mov sets dst to imm.
func (a *Asm) Mov(dst uint8, imm int32) *Asm {
	return a.Emit(Encode(OpMov64Imm, dst, 0, 0, imm))
}

// MovReg copies src to dst.
func (a *Asm) MovReg(dst, src uint8) *Asm {
	return a.Emit(Encode(OpMov64Reg, dst, src, 0, 0))
}

// Alu emits an ALU instruction with an immediate operand, e.g. OpAdd64Imm.
func (a *Asm) Alu(op uint8, dst uint8, imm int32) *Asm {
	return a.Emit(Encode(op, dst, 0, 0, imm))
}

// AluReg emits an ALU instruction with a register operand, e.g. OpAdd64Reg.
func (a *Asm) AluReg(op uint8, dst, src uint8) *Asm {
	return a.Emit(Encode(op, dst, src, 0, 0))
}

// Jump emits a conditional jump comparing dst with imm.
func (a *Asm) Jump(op uint8, dst uint8, imm int32, off int16) *Asm {
	return a.Emit(Encode(op, dst, 0, off, imm))
}

// JumpReg emits a conditional jump comparing dst with src.
func (a *Asm) JumpReg(op uint8, dst, src uint8, off int16) *Asm {
	return a.Emit(Encode(op, dst, src, off, 0))
}

// Ja emits an unconditional jump.
func (a *Asm) Ja(off int16) *Asm {
	return a.Emit(Encode(OpJa, 0, 0, off, 0))
}

// Load emits dst = *(src + off) with the width given by op, e.g. OpLdxdw.
func (a *Asm) Load(op uint8, dst, src uint8, off int16) *Asm {
	return a.Emit(Encode(op, dst, src, off, 0))
}

// Store emits *(dst + off) = imm.
func (a *Asm) Store(op uint8, dst uint8, off int16, imm int32) *Asm {
	return a.Emit(Encode(op, dst, 0, off, imm))
}

// StoreReg emits *(dst + off) = src.
func (a *Asm) StoreReg(op uint8, dst, src uint8, off int16) *Asm {
	return a.Emit(Encode(op, dst, src, off, 0))
}

// Lddw loads a 64-bit immediate into dst using two slots.
func (a *Asm) Lddw(dst uint8, v uint64) *Asm {
	return a.Emit(
		Encode(OpLddw, dst, 0, 0, int32(uint32(v))),
		Encode(0, 0, 0, 0, int32(uint32(v>>32))),
	)
}

// Call emits a call to the host or overlay function name and records a
// relocation for it.
func (a *Asm) Call(name string) *Asm {
	a.relocs = append(a.relocs, Reloc{Offset: uint32(len(a.ins)) * InstructionSize, Symbol: name})
	return a.Emit(Encode(OpCall, 0, 0, 0, int32(Hash(name))))
}

// CallLocal emits a PC-relative call within the body.
func (a *Asm) CallLocal(off int32) *Asm {
	return a.Emit(Encode(OpCall, 0, 1, 0, off))
}

// Exit returns r0 to the caller.
func (a *Asm) Exit() *Asm {
	return a.Emit(Encode(OpExit, 0, 0, 0, 0))
}

// Len returns the number of instruction slots emitted.
func (a *Asm) Len() int {
	return len(a.ins)
}

// Bytes returns the encoded body.
func (a *Asm) Bytes() []byte {
	return Code(a.ins...)
}

// Relocs returns the call relocations recorded so far.
func (a *Asm) Relocs() []Reloc {
	out := make([]Reloc, len(a.relocs))
	copy(out, a.relocs)
	return out
}

// Code encodes instructions as a little-endian body.
func Code(ins ...uint64) []byte {
	out := make([]byte, len(ins)*InstructionSize)
	for i, v := range ins {
		binary.LittleEndian.PutUint64(out[i*InstructionSize:], v)
	}
	return out
}
