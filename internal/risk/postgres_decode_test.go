package risk

import (
	"testing"

	"github.com/mbd888/geoanomaly/internal/geo"
)

func TestDecodeColumns(t *testing.T) {
	var a Assessment
	if err := decodeColumns(&a, []byte(`{"distance":0.5,"time":1}`), "weekend:night"); err != nil {
		t.Fatalf("decodeColumns: %v", err)
	}
	if a.Factors["distance"] != 0.5 || a.Factors["time"] != 1 {
		t.Errorf("Expected decoded factors, got %v", a.Factors)
	}
	if a.Slot != (geo.SlotKey{Day: geo.Weekend, Slot: "night"}) {
		t.Errorf("Expected weekend:night, got %+v", a.Slot)
	}
}

func TestDecodeColumns_EmptyValues(t *testing.T) {
	var a Assessment
	if err := decodeColumns(&a, nil, ""); err != nil {
		t.Fatalf("decodeColumns: %v", err)
	}
	if a.Factors == nil || len(a.Factors) != 0 {
		t.Errorf("Expected empty non-nil factors, got %v", a.Factors)
	}
	if a.Slot != (geo.SlotKey{}) {
		t.Errorf("Expected zero slot, got %+v", a.Slot)
	}
}

func TestDecodeColumns_Corrupt(t *testing.T) {
	tests := []struct {
		name    string
		factors string
		slot    string
	}{
		{"truncated factors", `{"distance":`, "weekday:morning"},
		{"factors not an object", `[1,2]`, "weekday:morning"},
		{"malformed slot", `{}`, "weekday"},
		{"unknown day type", `{}`, "holiday:night"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Assessment{ID: "asm_1"}
			if err := decodeColumns(&a, []byte(tt.factors), tt.slot); err == nil {
				t.Error("Expected an error for corrupt columns")
			}
		})
	}
}
