package overlay

import (
	"sync/atomic"
)

// Stats is a point-in-time copy of the manager counters.
type Stats struct {
	Calls          uint64 `json:"calls"`
	Hits           uint64 `json:"hits"`
	Loads          uint64 `json:"loads"`
	Evictions      uint64 `json:"evictions"`
	EvictionPasses uint64 `json:"evictionPasses"`
	Fallbacks      uint64 `json:"fallbacks"`
	BytesCopied    uint64 `json:"bytesCopied"`
	MaxDepth       int    `json:"maxDepth"`
}

// HitRate returns the fraction of calls served by a resident copy without
// a load.
func (s Stats) HitRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Calls)
}

// counters are written by the owning goroutine and read from anywhere.
type counters struct {
	calls          atomic.Uint64
	hits           atomic.Uint64
	loads          atomic.Uint64
	evictions      atomic.Uint64
	evictionPasses atomic.Uint64
	fallbacks      atomic.Uint64
	bytesCopied    atomic.Uint64
	maxDepth       atomic.Int64
}

func (c *counters) observeDepth(depth int) {
	if int64(depth) > c.maxDepth.Load() {
		c.maxDepth.Store(int64(depth))
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Calls:          c.calls.Load(),
		Hits:           c.hits.Load(),
		Loads:          c.loads.Load(),
		Evictions:      c.evictions.Load(),
		EvictionPasses: c.evictionPasses.Load(),
		Fallbacks:      c.fallbacks.Load(),
		BytesCopied:    c.bytesCopied.Load(),
		MaxDepth:       int(c.maxDepth.Load()),
	}
}

// RowInfo is a residency row annotated with its function name.
type RowInfo struct {
	Row
	Name string `json:"name"`
}

// Snapshot is an immutable view of the manager published after every table
// mutation. Reference counts are those at publication time.
type Snapshot struct {
	Seq        uint64    `json:"seq"`
	RegionBase uint32    `json:"regionBase"`
	RegionSize uint32    `json:"regionSize"`
	Capacity   int       `json:"capacity"`
	Rows       []RowInfo `json:"rows"`
	Stats      Stats     `json:"stats"`
}
