package overlay

import (
	"fmt"

	"go.uber.org/zap"
)

// countedCall is the counted-call handler for a warm stub.
func (m *Manager) countedCall(id StubID, ret uint32, args Args) (uint64, error) {
	row, ok := m.table.Lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: stub %d is warm but has no row", ErrStubStateMismatch, id)
	}
	row.RefCount++
	m.stats.hits.Add(1)
	m.emit(Event{Kind: EventHit, Stub: id, Start: row.Start, End: row.End, RefCount: row.RefCount})
	return m.enter(id, ret, args)
}

// enter runs the resident copy of a function whose row has already been
// counted for this invocation. It pushes the tracking frame, runs the body,
// then finds the row again through the frame's stub, decrements and pops.
func (m *Manager) enter(id StubID, ret uint32, args Args) (uint64, error) {
	if err := m.stack.Push(Frame{Stub: id, Return: ret}); err != nil {
		// Out of tracking frames: give the count back and run uncached.
		if row, ok := m.table.Lookup(id); ok {
			row.RefCount--
		}
		m.log.Warn("tracking stack exhausted", zap.String("fn", m.name(id)), zap.Int("depth", m.stack.Depth()))
		return m.direct(id, ret, args)
	}
	m.stats.observeDepth(m.stack.Depth())
	m.assert()

	row, _ := m.table.Lookup(id)
	code, err := m.region.Slice(row.Start, row.End-row.Start)
	if err != nil {
		return 0, err
	}
	result, execErr := m.exec.Execute(Invocation{
		Stub:     id,
		Name:     m.name(id),
		Code:     code,
		Addr:     row.Start,
		Resident: true,
		Return:   ret,
		Args:     args,
		Caller:   m,
	})

	frame, err := m.stack.Pop()
	if err != nil {
		return 0, err
	}
	row, ok := m.table.Lookup(frame.Stub)
	if !ok || row.RefCount == 0 {
		return 0, fmt.Errorf("%w: returning from stub %d with no counted row", ErrStubStateMismatch, frame.Stub)
	}
	row.RefCount--
	m.emit(Event{Kind: EventReturn, Stub: frame.Stub, Start: row.Start, End: row.End, RefCount: row.RefCount})
	m.assert()

	if frame.Stub != id || frame.Return != ret {
		return 0, fmt.Errorf("%w: popped stub %d ret 0x%x, expected stub %d ret 0x%x",
			ErrTrackingMismatch, frame.Stub, frame.Return, id, ret)
	}
	return result, execErr
}
