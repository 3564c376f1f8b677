package overlay

import (
	"fmt"
)

// Row is one entry of the residency table.
type Row struct {
	// Start and End bound the resident copy: [Start, End). A free row holds
	// the sentinel in both.
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`

	// RefCount is the number of active invocations; zero means evictable.
	RefCount uint32 `json:"refCount"`

	// Stub is the dispatch stub currently targeting this row.
	Stub StubID `json:"stub"`
}

// Occupied reports whether the row holds a resident function.
func (r Row) Occupied() bool {
	return r.Stub != NoStub
}

// Table is the fixed-capacity residency table.
//
// Layout, for capacity N:
//
//	rows[0]        floor: zero-width row pinned at the region base
//	rows[1..n]     occupied rows, ascending by Start
//	rows[n+1..N]   free rows, all equal to the sentinel
//	rows[N+1]      ceiling: the sentinel
//
// Because free rows and the ceiling hold the region top in both Start and
// End, the gap between any two consecutive rows is next.Start - cur.End,
// with no special case at either edge.
type Table struct {
	low  uint32
	high uint32
	rows []Row
	n    int

	// index maps a stub to the position of its row. It is updated on every
	// move, so lookups always go through identity.
	index map[StubID]int
}

// NewTable creates an empty table for the region [low, high).
func NewTable(low, high uint32, capacity int) *Table {
	t := &Table{
		low:   low,
		high:  high,
		rows:  make([]Row, capacity+2),
		index: make(map[StubID]int, capacity),
	}
	t.rows[0] = Row{Start: low, End: low, Stub: NoStub}
	for i := 1; i < len(t.rows); i++ {
		t.rows[i] = t.sentinel()
	}
	return t
}

func (t *Table) sentinel() Row {
	return Row{Start: t.high, End: t.high, Stub: NoStub}
}

// Capacity returns the maximum number of resident functions.
func (t *Table) Capacity() int {
	return len(t.rows) - 2
}

// Len returns the number of occupied rows.
func (t *Table) Len() int {
	return t.n
}

// Sentinel returns the value held by free rows: the top of the region.
func (t *Table) Sentinel() uint32 {
	return t.high
}

// Lookup returns the row occupied by a stub. The pointer is valid until the
// next table mutation.
func (t *Table) Lookup(id StubID) (*Row, bool) {
	i, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return &t.rows[i], true
}

// Gap returns the start of the first gap of at least size bytes, scanning
// consecutive row pairs from the region base upwards. It fails when no row
// is free.
func (t *Table) Gap(size uint32) (uint32, bool) {
	if t.n >= t.Capacity() {
		return 0, false
	}
	for i := 0; i+1 < len(t.rows); i++ {
		cur, next := t.rows[i], t.rows[i+1]
		if next.Start >= cur.End && next.Start-cur.End >= size {
			return cur.End, true
		}
	}
	return 0, false
}

// Insert writes a new row with a reference count of one into the first free
// slot and bubbles it down to its sorted position. The table is sorted
// except for the new entry, so one sweep restores order.
func (t *Table) Insert(start, size uint32, id StubID) (*Row, error) {
	if t.n >= t.Capacity() {
		return nil, ErrTableFull
	}
	i := t.n + 1
	t.rows[i] = Row{Start: start, End: start + size, RefCount: 1, Stub: id}
	t.index[id] = i
	t.n++
	for i > 1 && t.rows[i-1].Start > t.rows[i].Start {
		t.swap(i-1, i)
		i--
	}
	return &t.rows[i], nil
}

func (t *Table) swap(i, j int) {
	t.rows[i], t.rows[j] = t.rows[j], t.rows[i]
	if t.rows[i].Occupied() {
		t.index[t.rows[i].Stub] = i
	}
	if t.rows[j].Occupied() {
		t.index[t.rows[j].Stub] = j
	}
}

// release resets row i to the sentinel. The table is left with a hole until
// compact runs.
func (t *Table) release(i int) Row {
	old := t.rows[i]
	delete(t.index, old.Stub)
	t.rows[i] = t.sentinel()
	return old
}

// compact moves occupied rows down over the holes left by release in one
// stable pass, gathering the sentinels below the ceiling. Relative order of
// occupied rows is kept, so the sort invariant holds afterwards.
func (t *Table) compact() {
	w := 1
	for r := 1; r <= t.Capacity(); r++ {
		if !t.rows[r].Occupied() {
			continue
		}
		if w != r {
			t.rows[w] = t.rows[r]
			t.index[t.rows[w].Stub] = w
		}
		w++
	}
	t.n = w - 1
	for ; w <= t.Capacity(); w++ {
		t.rows[w] = t.sentinel()
	}
}

// Rows returns a copy of the occupied rows in table order.
func (t *Table) Rows() []Row {
	out := make([]Row, t.n)
	copy(out, t.rows[1:t.n+1])
	return out
}

// Check verifies the structural invariants of the table.
func (t *Table) Check() error {
	last := len(t.rows) - 1
	if floor := t.rows[0]; floor != (Row{Start: t.low, End: t.low, Stub: NoStub}) {
		return fmt.Errorf("floor row corrupted: %+v", floor)
	}
	if t.rows[last] != t.sentinel() {
		return fmt.Errorf("ceiling row corrupted: %+v", t.rows[last])
	}
	if len(t.index) != t.n {
		return fmt.Errorf("index holds %d stubs, table holds %d rows", len(t.index), t.n)
	}
	for i := 1; i <= t.n; i++ {
		r := t.rows[i]
		if !r.Occupied() {
			return fmt.Errorf("row %d: free row inside occupied range", i)
		}
		if r.Start < t.low || r.End > t.high || r.End <= r.Start {
			return fmt.Errorf("row %d: range [0x%x, 0x%x) outside region [0x%x, 0x%x)", i, r.Start, r.End, t.low, t.high)
		}
		if prev := t.rows[i-1]; prev.End > r.Start {
			return fmt.Errorf("row %d: [0x%x, 0x%x) overlaps or precedes [0x%x, 0x%x)", i, r.Start, r.End, prev.Start, prev.End)
		}
		if j, ok := t.index[r.Stub]; !ok || j != i {
			return fmt.Errorf("row %d: index for stub %d points at %d", i, r.Stub, j)
		}
	}
	for i := t.n + 1; i < last; i++ {
		if t.rows[i] != t.sentinel() {
			return fmt.Errorf("row %d: expected sentinel, got %+v", i, t.rows[i])
		}
	}
	return nil
}
