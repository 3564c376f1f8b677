package overlay

import (
	"go.uber.org/zap"
)

// evictUnreferenced frees every row whose reference count is zero and
// reverts its stub to the cold handler, then compacts the table. Rows on the
// call stack are never touched; if all rows are referenced this is a no-op.
func (m *Manager) evictUnreferenced() int {
	m.stats.evictionPasses.Add(1)

	freed := 0
	for i := 1; i <= m.table.Capacity(); i++ {
		r := m.table.rows[i]
		if !r.Occupied() || r.RefCount > 0 {
			continue
		}
		m.table.release(i)
		if err := m.stubs.Patch(r.Stub, m.cfg.ColdEntry); err != nil {
			// Unreachable once New has validated the stub area.
			m.log.Error("revert stub", zap.String("fn", m.name(r.Stub)), zap.Error(err))
		}
		freed++
		m.emit(Event{Kind: EventEvict, Stub: r.Stub, Start: r.Start, End: r.End})
	}
	m.table.compact()

	m.stats.evictions.Add(uint64(freed))
	m.log.Debug("eviction pass", zap.Int("freed", freed), zap.Int("resident", m.table.Len()))
	m.publish()
	m.assert()
	return freed
}
