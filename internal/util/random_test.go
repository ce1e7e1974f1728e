package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
	}{
		{"outbox prefix", "outbox_"},
		{"empty prefix", ""},
		{"custom prefix", "note_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := GenerateRandomID(tt.prefix)
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("GenerateRandomID(%q) = %q, missing prefix", tt.prefix, id)
			}
			hex := strings.TrimPrefix(id, tt.prefix)
			if len(hex) != 32 {
				t.Errorf("expected 32 hex characters, got %d in %q", len(hex), hex)
			}
			for _, c := range hex {
				if !strings.ContainsRune("0123456789abcdef", c) {
					t.Errorf("non-hex character %q in %q", c, id)
				}
			}
		})
	}
}

func TestGenerateOutboxID_Unique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := GenerateOutboxID()
		if !strings.HasPrefix(id, "outbox_") {
			t.Fatalf("unexpected outbox id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
