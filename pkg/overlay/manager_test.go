package overlay

import (
	"errors"
	"math/rand"
	"testing"
)

const fnSize = 64

func TestLoadEvictReload(t *testing.T) {
	h := newHarness(t, testConfig(2*fnSize, DefaultTableCapacity), fnSize, fnSize, fnSize)

	if got := h.call(0, 1); got != 1 {
		t.Errorf("f0(1) = %d, want 1", got)
	}
	if got := h.call(1, 2); got != 1002 {
		t.Errorf("f1(2) = %d, want 1002", got)
	}
	rows := h.m.Rows()
	if len(rows) != 2 || rows[0].Start != 0x4000 || rows[1].Start != 0x4040 {
		t.Fatalf("rows after two loads = %+v", rows)
	}

	// Region is full: both unreferenced rows go, f2 lands at the bottom.
	if got := h.call(2, 3); got != 2003 {
		t.Errorf("f2(3) = %d, want 2003", got)
	}
	rows = h.m.Rows()
	if len(rows) != 1 || rows[0].Stub != 2 || rows[0].Start != 0x4000 || rows[0].End != 0x4040 {
		t.Fatalf("rows after eviction = %+v", rows)
	}
	if h.warm(0) || h.warm(1) || !h.warm(2) {
		t.Errorf("warm = %v %v %v, want false false true", h.warm(0), h.warm(1), h.warm(2))
	}
	last := h.execs[len(h.execs)-1]
	if !last.Resident || last.Addr != 0x4000 {
		t.Errorf("f2 ran at 0x%x resident=%v, want 0x4000 resident", last.Addr, last.Resident)
	}

	// f0 comes back into the space above f2.
	h.call(0, 0)
	row, ok := h.m.table.Lookup(0)
	if !ok || row.Start != 0x4040 {
		t.Errorf("f0 reloaded at %+v, want 0x4040", row)
	}

	// A warm call hits without copying.
	h.call(2, 0)

	stats := h.m.Stats()
	want := Stats{Calls: 5, Hits: 1, Loads: 4, Evictions: 2, EvictionPasses: 1, BytesCopied: 4 * fnSize, MaxDepth: 1}
	if stats != want {
		t.Errorf("Stats() = %+v, want %+v", stats, want)
	}
	h.checkInvariants()
}

func TestRecursionHoldsReferences(t *testing.T) {
	h := newHarness(t, testConfig(DefaultRegionSize, DefaultTableCapacity), fnSize, fnSize)

	var (
		maxRef   uint32
		maxDepth int
		freed    int
	)
	h.fns[0] = func(h *harness, inv Invocation) (uint64, error) {
		if inv.Args[0] == 0 {
			maxRef, _ = h.refCount(0)
			maxDepth = h.m.Depth()
			freed = h.m.Evict()
			return 0, h.checkBody(inv)
		}
		v, err := inv.Caller.Call(0, inv.Addr+8, Args{inv.Args[0] - 1})
		if err != nil {
			return 0, err
		}
		return v + 1, h.checkBody(inv)
	}

	h.call(1, 0)
	if got := h.call(0, 4); got != 4 {
		t.Errorf("f0(4) = %d, want 4", got)
	}

	if maxRef != 5 || maxDepth != 5 {
		t.Errorf("at the deepest call ref = %d depth = %d, want 5 and 5", maxRef, maxDepth)
	}
	if freed != 1 {
		t.Errorf("Evict() during recursion freed %d rows, want 1", freed)
	}
	ref, resident := h.refCount(0)
	if !resident || ref != 0 {
		t.Errorf("after unwinding f0 resident=%v ref=%d, want resident with ref 0", resident, ref)
	}
	if !h.warm(0) || h.warm(1) {
		t.Error("expected f0 warm and f1 cold")
	}
	if s := h.m.Stats(); s.Loads != 2 || s.Hits != 4 || s.Calls != 6 || s.MaxDepth != 5 {
		t.Errorf("Stats() = %+v", s)
	}
	h.checkInvariants()
}

func TestMutualRecursion(t *testing.T) {
	h := newHarness(t, testConfig(DefaultRegionSize, DefaultTableCapacity), fnSize, fnSize)

	// f0 is even, f1 is odd.
	for i := range h.fns {
		self, other := StubID(i), StubID(1-i)
		h.fns[i] = func(h *harness, inv Invocation) (uint64, error) {
			if inv.Args[0] == 0 {
				if self == 0 {
					return 1, nil
				}
				return 0, nil
			}
			return inv.Caller.Call(other, inv.Addr, Args{inv.Args[0] - 1})
		}
	}

	tests := []struct {
		id   StubID
		n    uint64
		want uint64
	}{
		{0, 10, 1},
		{0, 7, 0},
		{1, 7, 1},
		{1, 0, 0},
	}
	for _, tt := range tests {
		if got := h.call(tt.id, tt.n); got != tt.want {
			t.Errorf("f%d(%d) = %d, want %d", tt.id, tt.n, got, tt.want)
		}
		if h.m.Depth() != 0 {
			t.Fatalf("depth %d after return", h.m.Depth())
		}
	}
	if s := h.m.Stats(); s.Loads != 2 || s.Fallbacks != 0 {
		t.Errorf("Stats() = %+v, want 2 loads and no fallbacks", s)
	}
	h.checkInvariants()
}

func TestAllRowsReferencedFallsBack(t *testing.T) {
	const n = DefaultTableCapacity
	sizes := make([]uint32, n+1)
	for i := range sizes {
		sizes[i] = fnSize
	}
	h := newHarness(t, testConfig(n*fnSize, n), sizes...)

	var lastResident bool
	var refs []uint32
	for i := 0; i < n; i++ {
		next := StubID(i + 1)
		h.fns[i] = func(h *harness, inv Invocation) (uint64, error) {
			v, err := inv.Caller.Call(next, inv.Addr+8, Args{inv.Args[0] + 1})
			if err != nil {
				return 0, err
			}
			return v, h.checkBody(inv)
		}
	}
	h.fns[n] = func(h *harness, inv Invocation) (uint64, error) {
		lastResident = inv.Resident
		for i := 0; i < n; i++ {
			ref, _ := h.refCount(StubID(i))
			refs = append(refs, ref)
		}
		return inv.Args[0] * 100, nil
	}

	if got := h.call(0, 0); got != n*100 {
		t.Errorf("chain result = %d, want %d", got, n*100)
	}
	if lastResident {
		t.Error("last function in the chain ran resident")
	}
	for i, ref := range refs {
		if ref != 1 {
			t.Errorf("f%d ref during fallback = %d, want 1", i, ref)
		}
	}
	if h.warm(n) {
		t.Error("fallback function left warm")
	}
	if len(h.m.Rows()) != n {
		t.Errorf("%d rows resident, want %d", len(h.m.Rows()), n)
	}
	for _, r := range h.m.Rows() {
		if r.RefCount != 0 {
			t.Errorf("%s ref = %d after unwinding", r.Name, r.RefCount)
		}
	}
	s := h.m.Stats()
	if s.Fallbacks != 1 || s.Evictions != 0 || s.EvictionPasses != 1 || s.Loads != n {
		t.Errorf("Stats() = %+v", s)
	}
	h.checkInvariants()
}

func TestNoFreeRowFallsBack(t *testing.T) {
	// Plenty of space, only two rows.
	h := newHarness(t, testConfig(DefaultRegionSize, 2), fnSize, fnSize, fnSize)
	h.fns[0] = func(h *harness, inv Invocation) (uint64, error) {
		return inv.Caller.Call(1, inv.Addr, inv.Args)
	}
	h.fns[1] = func(h *harness, inv Invocation) (uint64, error) {
		return inv.Caller.Call(2, inv.Addr, inv.Args)
	}

	if got := h.call(0, 5); got != 2005 {
		t.Errorf("f0(5) = %d, want 2005", got)
	}
	if s := h.m.Stats(); s.Fallbacks != 1 || s.Evictions != 0 {
		t.Errorf("Stats() = %+v, want one fallback and no evictions", s)
	}

	// With nothing on the stack the next load evicts and succeeds.
	h.call(2, 0)
	if !h.warm(2) {
		t.Error("f2 not loaded once rows were free")
	}
	if s := h.m.Stats(); s.Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", s.Evictions)
	}
	h.checkInvariants()
}

func TestOversizedFunctionAlwaysFallsBack(t *testing.T) {
	h := newHarness(t, testConfig(2*fnSize, DefaultTableCapacity), fnSize, 4*fnSize)

	h.call(0, 0)
	for i := 0; i < 2; i++ {
		if got := h.call(1, 7); got != 1007 {
			t.Errorf("f1(7) = %d, want 1007", got)
		}
		last := h.execs[len(h.execs)-1]
		if last.Resident || last.Addr != testExtBase+fnSize {
			t.Errorf("f1 ran at 0x%x resident=%v, want its external address", last.Addr, last.Resident)
		}
	}

	if h.warm(1) {
		t.Error("oversized function left warm")
	}
	if !h.warm(0) {
		t.Error("resident function evicted for a body that can never fit")
	}
	if s := h.m.Stats(); s.Fallbacks != 2 || s.Evictions != 0 || s.EvictionPasses != 0 {
		t.Errorf("Stats() = %+v", s)
	}
	h.checkInvariants()
}

func TestFallbackIsNotSticky(t *testing.T) {
	h := newHarness(t, testConfig(fnSize, DefaultTableCapacity), fnSize, fnSize)
	h.fns[0] = func(h *harness, inv Invocation) (uint64, error) {
		return inv.Caller.Call(1, inv.Addr, inv.Args)
	}

	h.call(0, 0)
	if h.warm(1) {
		t.Fatal("f1 loaded while f0 held the whole region")
	}
	h.call(1, 0)
	if !h.warm(1) {
		t.Error("f1 not loaded on a later call once space was available")
	}
	h.checkInvariants()
}

func TestTrackingStackExhaustion(t *testing.T) {
	cfg := testConfig(DefaultRegionSize, DefaultTableCapacity)
	cfg.TrackingDepth = 2
	h := newHarness(t, cfg, fnSize)
	h.fns[0] = func(h *harness, inv Invocation) (uint64, error) {
		if inv.Args[0] == 0 {
			return 0, nil
		}
		v, err := inv.Caller.Call(0, inv.Addr, Args{inv.Args[0] - 1})
		return v + 1, err
	}

	if got := h.call(0, 3); got != 3 {
		t.Errorf("f0(3) = %d, want 3", got)
	}
	s := h.m.Stats()
	if s.MaxDepth != 2 || s.Fallbacks != 2 || s.Hits != 3 || s.Loads != 1 {
		t.Errorf("Stats() = %+v", s)
	}
	if ref, _ := h.refCount(0); ref != 0 || h.m.Depth() != 0 {
		t.Errorf("ref = %d depth = %d after return", ref, h.m.Depth())
	}
	h.checkInvariants()
}

func TestExecutorErrorUnwinds(t *testing.T) {
	boom := errors.New("boom")
	h := newHarness(t, testConfig(DefaultRegionSize, DefaultTableCapacity), fnSize, fnSize)
	h.fns[0] = func(h *harness, inv Invocation) (uint64, error) {
		return inv.Caller.Call(1, inv.Addr, inv.Args)
	}
	h.fns[1] = func(h *harness, inv Invocation) (uint64, error) {
		return 0, boom
	}

	_, err := h.m.Call(0, 0, Args{})
	if !errors.Is(err, boom) {
		t.Fatalf("Call() error = %v, want boom", err)
	}
	if IsFatal(err) {
		t.Error("executor error reported as fatal")
	}
	for _, r := range h.m.Rows() {
		if r.RefCount != 0 {
			t.Errorf("%s ref = %d after error", r.Name, r.RefCount)
		}
	}
	h.checkInvariants()
}

func TestRandomCallsKeepInvariants(t *testing.T) {
	sizes := []uint32{24, 40, 64, 96, 128, 200, 48}
	cfg := testConfig(256, 4)
	h := newHarness(t, cfg, sizes...)

	k := len(sizes)
	var model func(i int, d uint64) uint64
	model = func(i int, d uint64) uint64 {
		v := uint64(i)
		if d > 0 {
			v += model((i+1)%k, d-1) + model((i*3+2)%k, d-1)
		}
		return v
	}
	for i := range h.fns {
		i := i
		h.fns[i] = func(h *harness, inv Invocation) (uint64, error) {
			v := uint64(i)
			if d := inv.Args[0]; d > 0 {
				for _, next := range []int{(i + 1) % k, (i*3 + 2) % k} {
					r, err := inv.Caller.Call(StubID(next), inv.Addr+8, Args{d - 1})
					if err != nil {
						return 0, err
					}
					v += r
				}
			}
			return v, h.checkBody(inv)
		}
	}

	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 300; iter++ {
		i := rng.Intn(k)
		d := uint64(rng.Intn(4))
		if got, want := h.call(StubID(i), d), model(i, d); got != want {
			t.Fatalf("iteration %d: f%d(%d) = %d, want %d", iter, i, d, got, want)
		}
		if h.m.Depth() != 0 {
			t.Fatalf("iteration %d: depth %d after return", iter, h.m.Depth())
		}
	}

	for _, r := range h.m.Rows() {
		if r.RefCount != 0 {
			t.Errorf("%s ref = %d with nothing running", r.Name, r.RefCount)
		}
	}
	s := h.m.Stats()
	if s.Calls != s.Hits+s.Loads+s.Fallbacks {
		t.Errorf("calls %d != hits %d + loads %d + fallbacks %d", s.Calls, s.Hits, s.Loads, s.Fallbacks)
	}
	if s.Evictions == 0 || s.Fallbacks == 0 {
		t.Errorf("workload did not exercise eviction and fallback: %+v", s)
	}
	h.checkInvariants()
}

func TestNewRejects(t *testing.T) {
	nop := ExecutorFunc(func(Invocation) (uint64, error) { return 0, nil })

	tests := []struct {
		name   string
		mutate func(cfg *Config, prog *Program)
		exec   Executor
		want   error
	}{
		{"read-only stubs", func(_ *Config, p *Program) { p.Stubs.Writable = false }, nop, ErrStubAreaReadOnly},
		{"warm stub", func(_ *Config, p *Program) { _ = p.Stubs.Patch(1, DefaultCountedEntry) }, nop, ErrStubNotCold},
		{"descriptor outside external memory", func(_ *Config, p *Program) {
			_ = p.Stubs.Emit(0, Descriptor{Addr: testExtBase + 0x1000, Size: fnSize}, DefaultColdEntry)
		}, nop, ErrInvalidStub},
		{"empty body", func(_ *Config, p *Program) {
			_ = p.Stubs.Emit(0, Descriptor{Addr: testExtBase, Size: 0}, DefaultColdEntry)
		}, nop, ErrInvalidStub},
		{"corrupt branch", func(_ *Config, p *Program) { p.Stubs.putWord(0, 0, 0x12345600) }, nop, ErrInvalidBranch},
		{"region over stubs", func(c *Config, _ *Program) { c.RegionBase = 0x0100 }, nop, ErrInvalidProgram},
		{"handler out of reach", func(c *Config, _ *Program) { c.CountedEntry = 0x2000_0000 }, nop, ErrBranchRange},
		{"zero capacity", func(c *Config, _ *Program) { c.TableCapacity = 0 }, nop, ErrInvalidConfig},
		{"shared handlers", func(c *Config, _ *Program) { c.CountedEntry = c.ColdEntry }, nop, ErrInvalidConfig},
		{"unknown symbol", func(_ *Config, p *Program) { p.Symbols[0xDEAD] = 9 }, nop, ErrUnknownStub},
		{"no executor", func(*Config, *Program) {}, nil, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(DefaultRegionSize, DefaultTableCapacity)
			prog := newProgram(t, fnSize, fnSize)
			tt.mutate(&cfg, prog)
			_, err := New(cfg, prog, tt.exec)
			if !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCallErrors(t *testing.T) {
	h := newHarness(t, testConfig(DefaultRegionSize, DefaultTableCapacity), fnSize)

	if _, err := h.m.Call(5, 0, Args{}); !errors.Is(err, ErrUnknownStub) {
		t.Errorf("Call(5) error = %v, want ErrUnknownStub", err)
	}
	if _, err := h.m.CallByName("nope", Args{}); !errors.Is(err, ErrUnknownStub) {
		t.Errorf("CallByName(nope) error = %v, want ErrUnknownStub", err)
	}

	h.prog.Stubs.putWord(0, 0, 0x12345600)
	_, err := h.m.Call(0, 0, Args{})
	if !errors.Is(err, ErrInvalidBranch) || !IsFatal(err) {
		t.Errorf("Call() through corrupt stub error = %v, want fatal ErrInvalidBranch", err)
	}
}

func TestCallByNameAndLookup(t *testing.T) {
	h := newHarness(t, testConfig(DefaultRegionSize, DefaultTableCapacity), fnSize, fnSize)

	got, err := h.m.CallByName("f1", Args{4})
	if err != nil {
		t.Fatalf("CallByName() failed: %v", err)
	}
	if got != 1004 {
		t.Errorf("f1(4) = %d, want 1004", got)
	}
	if id, ok := h.m.Lookup(0x1001); !ok || id != 1 {
		t.Errorf("Lookup(0x1001) = %d, %v; want 1, true", id, ok)
	}
	if _, ok := h.m.Lookup(0x2000); ok {
		t.Error("Lookup() resolved an unknown hash")
	}
}

func TestObserverEvents(t *testing.T) {
	var events []Event
	cfg := testConfig(2*fnSize, DefaultTableCapacity)
	cfg.Observer = ObserverFunc(func(ev Event) { events = append(events, ev) })
	h := newHarness(t, cfg, fnSize, fnSize, fnSize, 4*fnSize)

	h.call(0, 0)
	h.call(0, 0)
	h.call(1, 0)
	h.call(2, 0)
	h.call(3, 0)

	want := []struct {
		kind EventKind
		stub StubID
		ref  uint32
	}{
		{EventLoad, 0, 1}, {EventReturn, 0, 0},
		{EventHit, 0, 1}, {EventReturn, 0, 0},
		{EventLoad, 1, 1}, {EventReturn, 1, 0},
		{EventEvict, 0, 0}, {EventEvict, 1, 0}, {EventLoad, 2, 1}, {EventReturn, 2, 0},
		{EventFallback, 3, 0},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, w := range want {
		ev := events[i]
		if ev.Kind != w.kind || ev.Stub != w.stub || ev.RefCount != w.ref {
			t.Errorf("event %d = %s f%d ref %d, want %s f%d ref %d",
				i, ev.Kind, ev.Stub, ev.RefCount, w.kind, w.stub, w.ref)
		}
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d", i, ev.Seq)
		}
	}
	if events[0].Name != "f0" || events[0].Start != 0x4000 || events[0].End != 0x4040 {
		t.Errorf("load event = %+v", events[0])
	}
	for _, ev := range events {
		if ev.Depth != 0 {
			t.Errorf("%s event at depth %d for a top-level call", ev.Kind, ev.Depth)
		}
	}
}

func TestObservers(t *testing.T) {
	if Observers() != nil || Observers(nil, nil) != nil {
		t.Error("Observers() of nothing is not nil")
	}
	var a, b int
	oa := ObserverFunc(func(Event) { a++ })
	ob := ObserverFunc(func(Event) { b++ })
	Observers(oa, nil, ob).Observe(Event{})
	if a != 1 || b != 1 {
		t.Errorf("fan-out reached a=%d b=%d", a, b)
	}
}

func TestPublishedSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(DefaultRegionSize, DefaultTableCapacity), fnSize, fnSize)

	snap := h.m.Published()
	if snap == nil || len(snap.Rows) != 0 || snap.RegionSize != DefaultRegionSize || snap.Capacity != DefaultTableCapacity {
		t.Fatalf("initial snapshot = %+v", snap)
	}

	h.call(1, 0)
	snap = h.m.Published()
	if len(snap.Rows) != 1 || snap.Rows[0].Name != "f1" || snap.Stats.Loads != 1 {
		t.Fatalf("snapshot after load = %+v", snap)
	}
	// Counters move on without a table change until the next publish.
	h.call(1, 0)
	if h.m.Published().Stats.Hits != 0 {
		t.Error("hit published without a table change")
	}
	h.m.Publish()
	if h.m.Published().Stats.Hits != 1 {
		t.Error("Publish() did not refresh the snapshot")
	}
}

func TestStubInfo(t *testing.T) {
	h := newHarness(t, testConfig(DefaultRegionSize, DefaultTableCapacity), fnSize, 2*fnSize)

	info, err := h.m.Stub(1)
	if err != nil {
		t.Fatalf("Stub(1) failed: %v", err)
	}
	if info.Name != "f1" || info.Addr != testStubBase+StubSize || info.Warm {
		t.Errorf("Stub(1) = %+v", info)
	}
	if info.Descriptor != (Descriptor{Addr: testExtBase + fnSize, Size: 2 * fnSize}) {
		t.Errorf("descriptor = %+v", info.Descriptor)
	}
	if _, err := h.m.Stub(2); !errors.Is(err, ErrUnknownStub) {
		t.Errorf("Stub(2) error = %v, want ErrUnknownStub", err)
	}
}
