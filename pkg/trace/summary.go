package trace

import (
	"sort"

	"github.com/fortiblox/overlay/pkg/overlay"
)

// FunctionSummary counts one function's events in a trace.
type FunctionSummary struct {
	Stub        overlay.StubID `json:"stub"`
	Name        string         `json:"name"`
	Loads       int            `json:"loads"`
	Hits        int            `json:"hits"`
	Evictions   int            `json:"evictions"`
	Fallbacks   int            `json:"fallbacks"`
	BytesLoaded uint64         `json:"bytesLoaded"`
	MaxRefCount uint32         `json:"maxRefCount"`
}

// Calls returns the number of calls that reached the function.
func (s FunctionSummary) Calls() int {
	return s.Loads + s.Hits + s.Fallbacks
}

// Summarize tallies events per function, in stub order.
func Summarize(events []overlay.Event) []FunctionSummary {
	byStub := make(map[overlay.StubID]*FunctionSummary)
	for _, ev := range events {
		s, ok := byStub[ev.Stub]
		if !ok {
			s = &FunctionSummary{Stub: ev.Stub, Name: ev.Name}
			byStub[ev.Stub] = s
		}
		switch ev.Kind {
		case overlay.EventLoad:
			s.Loads++
			s.BytesLoaded += uint64(ev.End - ev.Start)
		case overlay.EventHit:
			s.Hits++
		case overlay.EventEvict:
			s.Evictions++
		case overlay.EventFallback:
			s.Fallbacks++
		}
		if ev.RefCount > s.MaxRefCount {
			s.MaxRefCount = ev.RefCount
		}
	}

	out := make([]FunctionSummary, 0, len(byStub))
	for _, s := range byStub {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stub < out[j].Stub })
	return out
}
