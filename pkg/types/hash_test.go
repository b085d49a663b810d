package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseHash(t *testing.T) {
	raw := strings.Repeat("ab", HashSize)
	for _, in := range []string{raw, "0x" + raw} {
		h, err := ParseHash(in)
		if err != nil {
			t.Fatalf("ParseHash(%q) error: %v", in, err)
		}
		if h.String() != raw {
			t.Errorf("String() = %s, want %s", h.String(), raw)
		}
		if h.Hex() != "0x"+raw {
			t.Errorf("Hex() = %s", h.Hex())
		}
	}

	if _, err := ParseHash("0x1234"); err == nil {
		t.Error("short hash should fail")
	}
}

func TestHash_JSON(t *testing.T) {
	h := Hash{0x01, 0x02}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Hash
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back != h {
		t.Errorf("roundtrip mismatch: %x != %x", back, h)
	}
	if h.IsZero() || !(Hash{}).IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestPosition_Distance(t *testing.T) {
	a := Position{X: 0, Y: 0, Z: 0}
	b := Position{X: 3, Y: 4, Z: 0, Rotation: 1}
	if d := a.Distance(b); d != 5 {
		t.Errorf("Distance = %v, want 5", d)
	}
}

func TestResourceType_Valid(t *testing.T) {
	for _, r := range AllResources {
		if !r.Valid() {
			t.Errorf("%s should be valid", r)
		}
	}
	if ResourceType("gold").Valid() {
		t.Error("unknown resource should be invalid")
	}
}
