package idgen

import (
	"strings"
	"testing"
)

func TestNanoID(t *testing.T) {
	gen := NanoID(12)
	a, b := gen(), gen()
	if len(a) != 12 || len(b) != 12 {
		t.Fatalf("length: got %d/%d, want 12", len(a), len(b))
	}
	if a == b {
		t.Error("two NanoIDs collided")
	}
}

func TestUUIDv7Sortable(t *testing.T) {
	gen := UUIDv7()
	a := gen()
	b := gen()
	if a >= b {
		t.Errorf("UUIDv7 not time-sortable: %s >= %s", a, b)
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("app_", Default)
	id := gen()
	if !strings.HasPrefix(id, "app_") {
		t.Errorf("missing prefix: %s", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "app_")); err != nil {
		t.Errorf("suffix not a UUID: %v", err)
	}
}
