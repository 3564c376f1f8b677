// Package core implements the emulated core that runs overlay functions.
//
// Function bodies are sBPF-style programs: 8-byte instructions over eleven
// 64-bit registers (r0-r10), with r10 a read-only frame pointer. The
// interpreter executes straight from the byte range it is handed, which is
// either a resident copy in the on-chip region or, on fallback, the body in
// external memory. It never copies code itself.
//
// Calls leave the body in one of three ways:
//   - Host calls: imm names a registered host function by name hash
//   - Overlay calls: imm names another overlay function; the call goes
//     through the manager, which loads or hits it and runs it on a fresh
//     interpreter
//   - Local calls (src=1): PC-relative calls inside the same body
//
// Memory is split into two segments:
//   - Code  (0x100000000): the body being executed, read only
//   - Stack (0x200000000): per-invocation scratch frames
package core

import (
	"errors"
)

// Virtual memory segment base addresses.
const (
	VaddrCode  = uint64(0x1_0000_0000)
	VaddrStack = uint64(0x2_0000_0000)
)

// Stack layout.
const (
	StackFrameSize   = 512
	MaxInternalDepth = 16
)

// DefaultMaxSteps bounds the instructions one invocation may execute. Nested
// overlay calls get their own budget.
const DefaultMaxSteps = 1 << 20

// InstructionSize is the size of one encoded instruction in bytes.
const InstructionSize = 8

// Errors.
var (
	ErrStepBudgetExceeded  = errors.New("step budget exceeded")
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrInvalidInstruction  = errors.New("invalid instruction")
	ErrCallDepthExceeded   = errors.New("internal call depth exceeded")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrUnknownFunction     = errors.New("unknown function")
	ErrAbort               = errors.New("program aborted")
)
