package ingest

import "testing"

func TestDefaultRegistryContainsClaudeCode(t *testing.T) {
	r := DefaultRegistry()
	a, err := r.Get("claude-code")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Info().Name != "claude-code" {
		t.Errorf("name = %s, want claude-code", a.Info().Name)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := DefaultRegistry()
	if _, err := r.Get("nonexistent-tool"); err == nil {
		t.Fatal("expected error for unknown adapter name")
	}
}

func TestRegistryAllReturnsEveryAdapter(t *testing.T) {
	r := DefaultRegistry()
	if len(r.All()) != 1 {
		t.Fatalf("got %d adapters, want 1", len(r.All()))
	}
}

func TestNewRegistryPanicsOnDuplicateName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate adapter name")
		}
	}()
	NewRegistry(ClaudeCodeAdapter{}, ClaudeCodeAdapter{})
}
