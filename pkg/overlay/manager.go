package overlay

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Manager owns one on-chip region, its residency table, the stub area and
// the tracking stack.
type Manager struct {
	cfg Config
	log *zap.Logger

	region  *Memory
	ext     *Memory
	stubs   *StubArea
	symbols map[uint32]StubID
	names   []string

	table *Table
	stack *TrackingStack
	exec  Executor

	stats     counters
	seq       uint64
	published atomic.Pointer[Snapshot]
}

// New validates the configuration and program and returns a manager with an
// empty region. Every stub must be in cold state and patchable to both
// handlers; these are build defects and are reported here rather than at
// call time.
func New(cfg Config, prog *Program, exec Executor) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if prog == nil || prog.External == nil || prog.Stubs == nil {
		return nil, fmt.Errorf("%w: missing external memory or stub area", ErrInvalidProgram)
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: no executor", ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &Manager{
		cfg:     cfg,
		log:     cfg.Logger.Named("overlay"),
		region:  NewMemory(cfg.RegionBase, cfg.RegionSize),
		ext:     prog.External,
		stubs:   prog.Stubs,
		symbols: prog.Symbols,
		names:   prog.Names,
		table:   NewTable(cfg.RegionBase, cfg.RegionBase+cfg.RegionSize, cfg.TableCapacity),
		stack:   NewTrackingStack(cfg.TrackingDepth),
		exec:    exec,
	}
	if m.symbols == nil {
		m.symbols = make(map[uint32]StubID)
	}

	if err := m.validate(); err != nil {
		m.log.Error("overlay program rejected", zap.Error(err))
		return nil, err
	}

	m.publish()
	m.log.Debug("overlay manager ready",
		zap.Uint32("regionBase", cfg.RegionBase),
		zap.Uint32("regionSize", cfg.RegionSize),
		zap.Int("rows", cfg.TableCapacity),
		zap.Int("stubs", m.stubs.Len()))
	return m, nil
}

// validate checks the build/link contract.
func (m *Manager) validate() error {
	if !m.stubs.Writable {
		return ErrStubAreaReadOnly
	}
	if overlaps(m.stubs.Base, m.stubs.Size(), m.region.Base, m.region.Size()) {
		return fmt.Errorf("%w: stub area overlaps the on-chip region", ErrInvalidProgram)
	}
	if m.stubs.Len() >= int(NoStub) {
		return fmt.Errorf("%w: %d stubs", ErrInvalidProgram, m.stubs.Len())
	}
	for i := 0; i < m.stubs.Len(); i++ {
		id := StubID(i)
		addr := m.stubs.Addr(id)
		if _, err := EncodeBranch(addr, m.cfg.ColdEntry); err != nil {
			return fmt.Errorf("stub %d: cold handler: %w", id, err)
		}
		if _, err := EncodeBranch(addr, m.cfg.CountedEntry); err != nil {
			return fmt.Errorf("stub %d: counted handler: %w", id, err)
		}
		target, err := m.stubs.Target(id)
		if err != nil {
			return fmt.Errorf("stub %d: %w", id, err)
		}
		if target != m.cfg.ColdEntry {
			return fmt.Errorf("%w: stub %d branches to 0x%x", ErrStubNotCold, id, target)
		}
		d := m.stubs.Descriptor(id)
		if d.Size == 0 || !m.ext.Contains(d.Addr, d.Size) {
			return fmt.Errorf("%w: stub %d describes [0x%x, +%d)", ErrInvalidStub, id, d.Addr, d.Size)
		}
	}
	for hash, id := range m.symbols {
		if int(id) >= m.stubs.Len() {
			return fmt.Errorf("%w: symbol 0x%08x names stub %d", ErrUnknownStub, hash, id)
		}
	}
	return nil
}

// Call dispatches a call through stub id. ret is the caller's return
// address; it is recorded in the tracking frame of a counted call.
func (m *Manager) Call(id StubID, ret uint32, args Args) (uint64, error) {
	if int(id) >= m.stubs.Len() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownStub, id)
	}
	m.stats.calls.Add(1)

	target, err := m.stubs.Target(id)
	if err != nil {
		return 0, err
	}
	switch target {
	case m.cfg.CountedEntry:
		return m.countedCall(id, ret, args)
	case m.cfg.ColdEntry:
		return m.coldCall(id, ret, args)
	}
	return 0, fmt.Errorf("%w: stub %d branches to 0x%x", ErrInvalidBranch, id, target)
}

// Lookup resolves a function name hash to its stub.
func (m *Manager) Lookup(hash uint32) (StubID, bool) {
	id, ok := m.symbols[hash]
	return id, ok
}

// StubByName resolves a function name to its stub.
func (m *Manager) StubByName(name string) (StubID, bool) {
	for i, n := range m.names {
		if n == name {
			return StubID(i), true
		}
	}
	return 0, false
}

// CallByName calls a function by name from the host.
func (m *Manager) CallByName(name string, args Args) (uint64, error) {
	id, ok := m.StubByName(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStub, name)
	}
	return m.Call(id, 0, args)
}

// coldCall is the cold handler: load the body, then run it counted. The row
// is inserted with a count of one, which belongs to this invocation.
func (m *Manager) coldCall(id StubID, ret uint32, args Args) (uint64, error) {
	if _, ok := m.findOrLoad(id, m.stubs.Descriptor(id)); !ok {
		return m.direct(id, ret, args)
	}
	return m.enter(id, ret, args)
}

// direct runs a body from external memory without touching the table.
func (m *Manager) direct(id StubID, ret uint32, args Args) (uint64, error) {
	d := m.stubs.Descriptor(id)
	code, err := m.ext.Slice(d.Addr, d.Size)
	if err != nil {
		return 0, err
	}
	m.stats.fallbacks.Add(1)
	m.emit(Event{Kind: EventFallback, Stub: id})
	m.log.Debug("running uncached", zap.String("fn", m.name(id)), zap.Uint32("size", d.Size))

	return m.exec.Execute(Invocation{
		Stub:   id,
		Name:   m.name(id),
		Code:   code,
		Addr:   d.Addr,
		Return: ret,
		Args:   args,
		Caller: m,
	})
}

func (m *Manager) name(id StubID) string {
	if int(id) < len(m.names) {
		return m.names[id]
	}
	return fmt.Sprintf("stub%d", id)
}

func (m *Manager) emit(ev Event) {
	if m.cfg.Observer == nil {
		return
	}
	m.seq++
	ev.Seq = m.seq
	ev.Name = m.name(ev.Stub)
	ev.Depth = m.stack.Depth()
	m.cfg.Observer.Observe(ev)
}

// Evict frees every unreferenced resident function and returns how many
// rows were freed.
func (m *Manager) Evict() int {
	return m.evictUnreferenced()
}

// Stats returns the current counters. Safe from any goroutine.
func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}

// Rows returns the occupied rows in table order.
func (m *Manager) Rows() []RowInfo {
	rows := m.table.Rows()
	out := make([]RowInfo, len(rows))
	for i, r := range rows {
		out[i] = RowInfo{Row: r, Name: m.name(r.Stub)}
	}
	return out
}

// StubInfo describes one dispatch stub.
type StubInfo struct {
	ID         StubID
	Name       string
	Addr       uint32
	Descriptor Descriptor
	Warm       bool
}

// Stub describes the stub with the given id.
func (m *Manager) Stub(id StubID) (StubInfo, error) {
	if int(id) >= m.stubs.Len() {
		return StubInfo{}, fmt.Errorf("%w: %d", ErrUnknownStub, id)
	}
	target, err := m.stubs.Target(id)
	if err != nil {
		return StubInfo{}, err
	}
	return StubInfo{
		ID:         id,
		Name:       m.name(id),
		Addr:       m.stubs.Addr(id),
		Descriptor: m.stubs.Descriptor(id),
		Warm:       target == m.cfg.CountedEntry,
	}, nil
}

// Depth returns the current tracking-stack depth.
func (m *Manager) Depth() int {
	return m.stack.Depth()
}

// Publish stores a fresh Snapshot for Published. The manager publishes after
// every table mutation; owners call this to refresh reference counts.
func (m *Manager) Publish() {
	m.publish()
}

func (m *Manager) publish() {
	m.published.Store(&Snapshot{
		Seq:        m.seq,
		RegionBase: m.region.Base,
		RegionSize: m.region.Size(),
		Capacity:   m.table.Capacity(),
		Rows:       m.Rows(),
		Stats:      m.Stats(),
	})
}

// Published returns the most recent Snapshot. Safe from any goroutine.
func (m *Manager) Published() *Snapshot {
	return m.published.Load()
}

// CheckInvariants verifies the table, the agreement between stubs and rows,
// declared sizes, and that every row's count equals its number of tracking
// frames.
func (m *Manager) CheckInvariants() error {
	if err := m.table.Check(); err != nil {
		return err
	}
	for i := 0; i < m.stubs.Len(); i++ {
		id := StubID(i)
		target, err := m.stubs.Target(id)
		if err != nil {
			return err
		}
		row, resident := m.table.Lookup(id)
		warm := target == m.cfg.CountedEntry
		if warm != resident {
			return fmt.Errorf("%w: stub %d warm=%v resident=%v", ErrStubStateMismatch, id, warm, resident)
		}
		if !resident {
			continue
		}
		if d := m.stubs.Descriptor(id); row.End-row.Start != d.Size {
			return fmt.Errorf("stub %d: row holds %d bytes, body is %d", id, row.End-row.Start, d.Size)
		}
		if frames := m.stack.Count(id); int(row.RefCount) != frames {
			return fmt.Errorf("stub %d: ref count %d with %d tracking frames", id, row.RefCount, frames)
		}
	}
	return nil
}

// assert runs CheckInvariants in debug mode.
func (m *Manager) assert() {
	if !m.cfg.Debug {
		return
	}
	if err := m.CheckInvariants(); err != nil {
		panic(fmt.Errorf("overlay invariant violated: %w", err))
	}
}

// IsFatal reports whether err came from the manager's own bookkeeping rather
// than from the executed function.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStubStateMismatch) ||
		errors.Is(err, ErrTrackingUnderflow) ||
		errors.Is(err, ErrTrackingMismatch) ||
		errors.Is(err, ErrInvalidBranch)
}
