package idgen

import (
	"strings"
	"testing"
)

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if !Valid(id) {
			t.Fatalf("New returned invalid UUID %q", id)
		}
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("asm_")
	if !strings.HasPrefix(id, "asm_") {
		t.Errorf("missing prefix: %s", id)
	}
	if len(id) != len("asm_")+32 {
		t.Errorf("unexpected length %d: %s", len(id), id)
	}
	if strings.Contains(id, "-") {
		t.Errorf("unexpected dash: %s", id)
	}
}

func TestValid(t *testing.T) {
	if Valid("not-a-uuid") {
		t.Error("expected invalid")
	}
	if !Valid("6ba7b810-9dad-11d1-80b4-00c04fd430c8") {
		t.Error("expected valid")
	}
}
