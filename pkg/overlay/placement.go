package overlay

import (
	"go.uber.org/zap"
)

// maxPlacementAttempts bounds a load to two passes over the table: one
// before and one after a single eviction.
const maxPlacementAttempts = 2

// findOrLoad places the body described by d into the first gap that fits,
// evicting unreferenced functions once if needed. On success the row holds a
// reference count of one and the stub is warm. On failure nothing changes
// except for the eviction, and the stub stays cold.
func (m *Manager) findOrLoad(id StubID, d Descriptor) (uint32, bool) {
	// A body larger than the whole region can never be placed; evicting
	// for it would only empty the cache.
	if d.Size > m.region.Size() {
		m.log.Debug("function larger than region",
			zap.String("fn", m.name(id)),
			zap.Uint32("size", d.Size),
			zap.Uint32("region", m.region.Size()))
		return 0, false
	}

	for attempt := 0; attempt < maxPlacementAttempts; attempt++ {
		if attempt > 0 {
			m.evictUnreferenced()
		}
		start, ok := m.table.Gap(d.Size)
		if !ok {
			continue
		}
		if err := m.load(id, d, start); err != nil {
			m.log.Error("load failed", zap.String("fn", m.name(id)), zap.Error(err))
			return 0, false
		}
		return start, true
	}

	m.log.Debug("placement failed",
		zap.String("fn", m.name(id)),
		zap.Uint32("size", d.Size),
		zap.Int("resident", m.table.Len()))
	return 0, false
}

// load copies the body to start, inserts its row and flips the stub warm.
func (m *Manager) load(id StubID, d Descriptor, start uint32) error {
	src, err := m.ext.Slice(d.Addr, d.Size)
	if err != nil {
		return err
	}
	dst, err := m.region.Slice(start, d.Size)
	if err != nil {
		return err
	}
	for i := range src {
		dst[i] = src[i]
	}

	row, err := m.table.Insert(start, d.Size, id)
	if err != nil {
		return err
	}
	if err := m.stubs.Patch(id, m.cfg.CountedEntry); err != nil {
		if i, ok := m.table.index[id]; ok {
			m.table.release(i)
			m.table.compact()
		}
		return err
	}

	m.stats.loads.Add(1)
	m.stats.bytesCopied.Add(uint64(d.Size))
	m.emit(Event{Kind: EventLoad, Stub: id, Start: row.Start, End: row.End, RefCount: row.RefCount})
	m.log.Debug("loaded",
		zap.String("fn", m.name(id)),
		zap.Uint32("start", start),
		zap.Uint32("size", d.Size))
	m.publish()
	return nil
}
