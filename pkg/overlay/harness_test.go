package overlay

import (
	"bytes"
	"fmt"
	"testing"
)

const (
	testExtBase  = uint32(0x8E00_0000)
	testStubBase = uint32(0x0100)
)

type testFn func(h *harness, inv Invocation) (uint64, error)

// harness wires a manager to Go functions standing in for function bodies.
// Every execution checks that the code it was handed is a faithful copy of
// the external body.
type harness struct {
	t     *testing.T
	m     *Manager
	prog  *Program
	fns   []testFn
	execs []Invocation
}

// newProgram lays out one body per size in external memory, each filled
// with a distinct byte pattern, and emits a cold stub for it.
func newProgram(t *testing.T, sizes ...uint32) *Program {
	t.Helper()

	var total uint32
	for _, sz := range sizes {
		total += sz
	}
	ext := NewMemory(testExtBase, total)
	stubs := NewStubArea(testStubBase, len(sizes))
	symbols := make(map[uint32]StubID, len(sizes))
	names := make([]string, len(sizes))

	var off uint32
	for i, sz := range sizes {
		for j := uint32(0); j < sz; j++ {
			ext.Data[off+j] = byte(i*31) ^ byte(j)
		}
		id := StubID(i)
		if err := stubs.Emit(id, Descriptor{Addr: testExtBase + off, Size: sz}, DefaultColdEntry); err != nil {
			t.Fatalf("emit stub %d: %v", i, err)
		}
		symbols[uint32(0x1000+i)] = id
		names[i] = fmt.Sprintf("f%d", i)
		off += sz
	}
	return &Program{External: ext, Stubs: stubs, Symbols: symbols, Names: names}
}

func testConfig(regionSize uint32, capacity int) Config {
	cfg := DefaultConfig()
	cfg.RegionSize = regionSize
	cfg.TableCapacity = capacity
	cfg.Debug = true
	return cfg
}

func newHarness(t *testing.T, cfg Config, sizes ...uint32) *harness {
	t.Helper()

	h := &harness{t: t, fns: make([]testFn, len(sizes))}
	h.prog = newProgram(t, sizes...)
	exec := ExecutorFunc(func(inv Invocation) (uint64, error) {
		if err := h.checkBody(inv); err != nil {
			return 0, err
		}
		h.execs = append(h.execs, inv)
		if fn := h.fns[inv.Stub]; fn != nil {
			return fn(h, inv)
		}
		return uint64(inv.Stub)*1000 + inv.Args[0], nil
	})

	m, err := New(cfg, h.prog, exec)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	h.m = m
	return h
}

// checkBody verifies that inv.Code still matches the external body.
func (h *harness) checkBody(inv Invocation) error {
	d := h.prog.Stubs.Descriptor(inv.Stub)
	off := d.Addr - testExtBase
	if !bytes.Equal(inv.Code, h.prog.External.Data[off:off+d.Size]) {
		return fmt.Errorf("stub %d: body at 0x%x does not match external copy", inv.Stub, inv.Addr)
	}
	return nil
}

func (h *harness) call(id StubID, arg uint64) uint64 {
	h.t.Helper()
	v, err := h.m.Call(id, 0, Args{arg})
	if err != nil {
		h.t.Fatalf("Call(%d) failed: %v", id, err)
	}
	return v
}

func (h *harness) warm(id StubID) bool {
	h.t.Helper()
	info, err := h.m.Stub(id)
	if err != nil {
		h.t.Fatalf("Stub(%d) failed: %v", id, err)
	}
	return info.Warm
}

func (h *harness) refCount(id StubID) (uint32, bool) {
	row, ok := h.m.table.Lookup(id)
	if !ok {
		return 0, false
	}
	return row.RefCount, true
}

func (h *harness) checkInvariants() {
	h.t.Helper()
	if err := h.m.CheckInvariants(); err != nil {
		h.t.Fatalf("invariants: %v", err)
	}
}
