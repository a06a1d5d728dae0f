package uuid

import (
	"strings"
	"testing"
)

// =====================================================
// Generation Tests
// =====================================================

func TestNew_unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("New() repeated %s", id)
		}
		seen[id] = true
		if _, _, ok := Split(id); !ok {
			t.Fatalf("New() = %s, not a v4 UUID", id)
		}
	}
}

func TestDerived(t *testing.T) {
	a := Derived("todos", "create")
	b := Derived("todos", "create")
	if a == b {
		t.Fatalf("Derived() returned duplicate id %s", a)
	}
	if !strings.HasPrefix(a, "todos-create-") {
		t.Errorf("Derived() = %s, want todos-create- prefix", a)
	}
}

// =====================================================
// Split Tests
// =====================================================

func TestSplit(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		prefix string
		ok     bool
	}{
		{"derived", "push-f47ac10b-58cc-4372-a567-0e02b2c3d479", "push", true},
		{"multi part", "lists-delete-f47ac10b-58cc-4372-a567-0e02b2c3d479", "lists-delete", true},
		{"bare", "f47ac10b-58cc-4372-a567-0e02b2c3d479", "", true},
		{"v1 suffix", "push-f47ac10b-58cc-1372-a567-0e02b2c3d479", "", false},
		{"short", "push-1", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix, suffix, ok := Split(tt.id)
			if ok != tt.ok {
				t.Fatalf("Split(%q) ok = %v, want %v", tt.id, ok, tt.ok)
			}
			if !ok {
				return
			}
			if prefix != tt.prefix {
				t.Errorf("Split(%q) prefix = %q, want %q", tt.id, prefix, tt.prefix)
			}
			if !strings.HasSuffix(tt.id, suffix) {
				t.Errorf("Split(%q) suffix = %q", tt.id, suffix)
			}
		})
	}
}

func TestSplit_derivedRoundTrip(t *testing.T) {
	prefix, _, ok := Split(Derived("sync"))
	if !ok || prefix != "sync" {
		t.Errorf("Split(Derived(sync)) = %q, %v", prefix, ok)
	}
	if _, _, ok := Split(Derived()); !ok {
		t.Error("Derived() with no parts should split as a bare UUID")
	}
}
