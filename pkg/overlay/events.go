package overlay

import (
	"fmt"
)

// EventKind classifies manager events.
type EventKind uint8

// Event kinds.
const (
	EventLoad     EventKind = iota + 1 // body copied in, stub flipped warm
	EventHit                           // counted call on a resident function
	EventReturn                        // counted call returned
	EventEvict                         // row freed, stub flipped cold
	EventFallback                      // body ran from external memory
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventLoad:
		return "load"
	case EventHit:
		return "hit"
	case EventReturn:
		return "return"
	case EventEvict:
		return "evict"
	case EventFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(text []byte) error {
	parsed, err := ParseEventKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseEventKind returns the kind with the given name.
func ParseEventKind(s string) (EventKind, error) {
	for k := EventLoad; k <= EventFallback; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// Event describes one step of the manager.
type Event struct {
	Seq  uint64    `json:"seq"`
	Kind EventKind `json:"kind"`
	Stub StubID    `json:"stub"`
	Name string    `json:"name"`

	// Start and End are the resident range. Zero for fallbacks.
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`

	// RefCount is the row's count after the event.
	RefCount uint32 `json:"refCount"`

	// Depth is the tracking-stack depth when the event was emitted. Loads
	// and hits are emitted before their frame is pushed.
	Depth int `json:"depth"`
}

// Observer receives manager events. Observe runs on the goroutine that owns
// the manager and must not call back into it.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) {
	f(ev)
}

type multiObserver []Observer

func (m multiObserver) Observe(ev Event) {
	for _, o := range m {
		o.Observe(ev)
	}
}

// Observers fans events out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}
