package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestImageID(t *testing.T) {
	id := ComputeImageID([]byte("image"))
	if id.IsZero() {
		t.Fatal("ComputeImageID() returned zero")
	}
	if id != ComputeImageID([]byte("image")) {
		t.Error("ComputeImageID() is not deterministic")
	}
	if id == ComputeImageID([]byte("other")) {
		t.Error("different inputs share an ID")
	}

	parsed, err := ImageIDFromBase58(id.String())
	if err != nil {
		t.Fatalf("ImageIDFromBase58() failed: %v", err)
	}
	if parsed != id {
		t.Errorf("ImageIDFromBase58(String()) = %s, want %s", parsed, id)
	}
	if len(id.Short()) != 8 || id.String()[:8] != id.Short() {
		t.Errorf("Short() = %q", id.Short())
	}
}

func TestImageIDText(t *testing.T) {
	type doc struct {
		ID ImageID `json:"id"`
	}
	in := doc{ID: ComputeImageID([]byte{1, 2, 3})}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	want := `{"id":"` + in.ID.String() + `"}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}

	var out doc
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if out.ID != in.ID {
		t.Errorf("round trip = %s, want %s", out.ID, in.ID)
	}
}

func TestImageIDInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"short", "abc", ErrInvalidImageID},
		{"long", "11111111111111111111111111111111111", ErrInvalidImageID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ImageIDFromBase58(tt.in); !errors.Is(err, tt.want) {
				t.Errorf("ImageIDFromBase58(%q) error = %v, want %v", tt.in, err, tt.want)
			}
		})
	}
	if _, err := ImageIDFromBase58("0OIl"); err == nil {
		t.Error("ImageIDFromBase58 accepted characters outside the alphabet")
	}
}
