package overlay

import (
	"encoding/json"
	"testing"
)

func TestEventKindText(t *testing.T) {
	for k := EventLoad; k <= EventFallback; k++ {
		got, err := ParseEventKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseEventKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseEventKind("unknown"); err == nil {
		t.Error("ParseEventKind(unknown) succeeded")
	}

	ev := Event{Seq: 3, Kind: EventEvict, Stub: 2, Name: "f2", Start: 0x4000, End: 0x4010}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	want := `{"seq":3,"kind":"evict","stub":2,"name":"f2","start":16384,"end":16400,"refCount":0,"depth":0}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}
	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if back != ev {
		t.Errorf("Unmarshal() = %+v, want %+v", back, ev)
	}
}
