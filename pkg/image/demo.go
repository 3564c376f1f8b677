package image

import (
	"github.com/fortiblox/overlay/pkg/core"
)

// ChecksumRounds is the number of unrolled rounds in the demo checksum body.
const ChecksumRounds = 48

// Demo returns a small program set that exercises every overlay path:
// recursion, mutual recursion, nested calls, host calls, local calls and a
// body large enough to fall back on a small region.
//
//	square(x)     x*x
//	sumsq(a, b)   square(a) + square(b)
//	fib(n)        recursive Fibonacci
//	sum(n)        1 + 2 + ... + n
//	is_even(n)    mutually recursive with is_odd
//	is_odd(n)
//	digest(x)     first word of keccak256 over x's little-endian bytes
//	mix(a)        2a + 1, doubling in a local subroutine
//	checksum(n)   ChecksumRounds rounds of r = r*31 + i, seeded with n
//	main(n)       fib(n) + sumsq(n, n+1) + sum(n) + checksum(n) + is_even(n)
func Demo() []Function {
	var funcs []Function
	add := func(name string, a *core.Asm) {
		funcs = append(funcs, Function{Name: name, Code: a.Bytes(), Relocs: a.Relocs()})
	}

	add("square", core.NewAsm().
		MovReg(0, 1).
		AluReg(core.OpMul64Reg, 0, 1).
		Exit())

	add("sumsq", core.NewAsm().
		MovReg(6, 2).
		Call("square").
		MovReg(7, 0).
		MovReg(1, 6).
		Call("square").
		AluReg(core.OpAdd64Reg, 0, 7).
		Exit())

	add("fib", core.NewAsm().
		Jump(core.OpJgtImm, 1, 1, 2).
		MovReg(0, 1).
		Exit().
		MovReg(6, 1).
		Alu(core.OpSub64Imm, 1, 1).
		Call("fib").
		MovReg(7, 0).
		MovReg(1, 6).
		Alu(core.OpSub64Imm, 1, 2).
		Call("fib").
		AluReg(core.OpAdd64Reg, 0, 7).
		Exit())

	add("sum", core.NewAsm().
		Mov(0, 0).
		Jump(core.OpJeqImm, 1, 0, 3).
		AluReg(core.OpAdd64Reg, 0, 1).
		Alu(core.OpSub64Imm, 1, 1).
		Ja(-4).
		Exit())

	parity := func(other string, zero int32) *core.Asm {
		return core.NewAsm().
			Jump(core.OpJneImm, 1, 0, 2).
			Mov(0, zero).
			Exit().
			Alu(core.OpSub64Imm, 1, 1).
			Call(other).
			Exit()
	}
	add("is_even", parity("is_odd", 1))
	add("is_odd", parity("is_even", 0))

	add("digest", core.NewAsm().
		StoreReg(core.OpStxdw, 10, 1, -8).
		MovReg(1, 10).Alu(core.OpAdd64Imm, 1, -8).
		Mov(2, 8).
		MovReg(3, 10).Alu(core.OpAdd64Imm, 3, -40).
		Call(core.HostKeccak256).
		Load(core.OpLdxdw, 0, 10, -40).
		Exit())

	add("mix", core.NewAsm().
		CallLocal(2).
		Alu(core.OpAdd64Imm, 0, 1).
		Exit().
		MovReg(0, 1).
		Alu(core.OpLsh64Imm, 0, 1).
		Exit())

	checksum := core.NewAsm().MovReg(0, 1)
	for i := int32(1); i <= ChecksumRounds; i++ {
		checksum.Alu(core.OpMul64Imm, 0, 31).Alu(core.OpAdd64Imm, 0, i)
	}
	add("checksum", checksum.Exit())

	main := core.NewAsm().MovReg(6, 1).Call("fib").MovReg(7, 0).
		MovReg(1, 6).MovReg(2, 6).Alu(core.OpAdd64Imm, 2, 1).Call("sumsq").AluReg(core.OpAdd64Reg, 7, 0)
	for _, fn := range []string{"sum", "checksum"} {
		main.MovReg(1, 6).Call(fn).AluReg(core.OpAdd64Reg, 7, 0)
	}
	main.MovReg(1, 6).Call("is_even").AluReg(core.OpAdd64Reg, 0, 7).Exit()
	add("main", main)

	return funcs
}

// DemoChecksum computes what the demo checksum body returns for n.
func DemoChecksum(n uint64) uint64 {
	r := n
	for i := uint64(1); i <= ChecksumRounds; i++ {
		r = r*31 + i
	}
	return r
}
