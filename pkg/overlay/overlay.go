// Package overlay implements a runtime code-overlay manager for cores with a
// small, fast on-chip memory.
//
// Functions live in large, slow external memory. The first call through a
// function's dispatch stub copies its body into the on-chip region, records
// the placement in a fixed-capacity residency table and flips the stub to the
// counted-call handler, so later calls run the resident copy. When the region
// is full, functions that are not on the call stack are evicted. A function
// that still cannot be placed runs directly from external memory for that one
// call.
//
// The manager is made of five cooperating parts:
//   - Residency table: sorted rows of occupied address ranges with reference counts
//   - Placement: first-fit gap search over the sorted table
//   - Eviction: frees every unreferenced row and reverts its stub
//   - Stub patching: rewrites the branch word of a dispatch stub
//   - Tracking stack: records (stub, return address) per active counted call
//
// A Manager is not safe for concurrent use. One goroutine owns it, the same
// way one core owns one table. Other goroutines may read Stats and Published.
package overlay

import (
	"errors"
)

// StubID identifies a dispatch stub, and through it the function it routes to.
type StubID uint16

// NoStub marks a residency row that has no occupant.
const NoStub StubID = 0xFFFF

// Args holds the argument registers passed to an overlay function (r1-r5).
type Args [5]uint64

// Errors.
var (
	ErrInvalidConfig     = errors.New("invalid overlay configuration")
	ErrInvalidProgram    = errors.New("invalid overlay program")
	ErrStubAreaReadOnly  = errors.New("stub area is not writable")
	ErrBranchRange       = errors.New("branch displacement out of range")
	ErrInvalidBranch     = errors.New("invalid branch instruction")
	ErrStubNotCold       = errors.New("stub not in cold state")
	ErrInvalidStub       = errors.New("invalid stub descriptor")
	ErrUnknownStub       = errors.New("unknown stub")
	ErrStubStateMismatch = errors.New("stub state disagrees with residency table")
	ErrTableFull         = errors.New("residency table full")
	ErrTrackingOverflow  = errors.New("tracking stack overflow")
	ErrTrackingUnderflow = errors.New("tracking stack underflow")
	ErrTrackingMismatch  = errors.New("tracking frame does not match returning call")
	ErrOutOfRange        = errors.New("address range outside memory")
)

// Descriptor is the external location of a function body, read from words
// two and three of its dispatch stub.
type Descriptor struct {
	Addr uint32
	Size uint32
}

// Program is everything the build step hands the manager: the external
// memory image holding function bodies, the stub area, and the symbol map
// used to resolve calls made by running code.
type Program struct {
	// External holds the function bodies at their link-time addresses.
	External *Memory

	// Stubs holds one dispatch stub per function, all in cold state.
	Stubs *StubArea

	// Symbols maps a function name hash to its stub.
	Symbols map[uint32]StubID

	// Names holds function names indexed by StubID. Optional.
	Names []string
}

// Invocation describes one execution of a function body.
type Invocation struct {
	Stub StubID
	Name string

	// Code is the body being executed: the resident copy inside the on-chip
	// region, or the external copy when the call fell back.
	Code []byte

	// Addr is the address of Code[0].
	Addr uint32

	// Resident reports whether Code is the on-chip copy.
	Resident bool

	// Return is the caller's return address.
	Return uint32

	Args Args

	// Caller dispatches nested overlay calls made by the body.
	Caller Caller
}

// Executor runs a function body.
type Executor interface {
	Execute(inv Invocation) (uint64, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(inv Invocation) (uint64, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(inv Invocation) (uint64, error) {
	return f(inv)
}

// Caller is the call surface running code sees. Every call goes through a
// dispatch stub.
type Caller interface {
	Call(id StubID, ret uint32, args Args) (uint64, error)
	Lookup(hash uint32) (StubID, bool)
}
