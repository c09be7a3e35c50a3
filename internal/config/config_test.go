package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	c := Default()
	if len(c.Watchers) != 1 || c.Watchers[0] != "claude-code" {
		t.Fatalf("unexpected default watchers: %v", c.Watchers)
	}
	if c.AutoLink {
		t.Fatal("auto_link should default to false")
	}
	if c.AutoLinkThreshold != 0.7 {
		t.Fatalf("auto_link_threshold = %v, want 0.7", c.AutoLinkThreshold)
	}
	if c.CommitFooter {
		t.Fatal("commit_footer should default to false")
	}
	if c.MachineID == "" {
		t.Fatal("machine_id should be generated")
	}
}

func TestLoadNonexistentReturnsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent.yaml")
	c, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if c.AutoLinkThreshold != 0.7 {
		t.Fatalf("expected default config, got %+v", c)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	c := Default()
	c.AutoLink = true
	c.AutoLinkThreshold = 0.8
	c.Watchers = []string{"claude-code", "cursor"}

	if err := c.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if !reflect.DeepEqual(loaded, c) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", loaded, c)
	}
}

func TestSaveCreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")
	if err := Default().SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
}

func TestGetSet(t *testing.T) {
	c := Default()

	if v, ok := c.Get("auto_link_threshold"); !ok || v != "0.7" {
		t.Fatalf("Get(auto_link_threshold) = %q, %v", v, ok)
	}
	if _, ok := c.Get("unknown_key"); ok {
		t.Fatal("Get(unknown_key) should report ok=false")
	}

	if err := c.Set("watchers", "claude-code, cursor, copilot"); err != nil {
		t.Fatalf("Set(watchers): %v", err)
	}
	want := []string{"claude-code", "cursor", "copilot"}
	if len(c.Watchers) != len(want) {
		t.Fatalf("watchers = %v, want %v", c.Watchers, want)
	}
	for i := range want {
		if c.Watchers[i] != want[i] {
			t.Fatalf("watchers = %v, want %v", c.Watchers, want)
		}
	}

	for _, tc := range []struct {
		in   string
		want bool
	}{{"true", true}, {"TRUE", true}, {"yes", true}, {"1", true}, {"false", false}, {"no", false}, {"0", false}} {
		if err := c.Set("auto_link", tc.in); err != nil {
			t.Fatalf("Set(auto_link, %q): %v", tc.in, err)
		}
		if c.AutoLink != tc.want {
			t.Fatalf("auto_link after Set(%q) = %v, want %v", tc.in, c.AutoLink, tc.want)
		}
	}

	if err := c.Set("auto_link", "maybe"); err == nil {
		t.Fatal("Set(auto_link, maybe) should error")
	}

	if err := c.Set("auto_link_threshold", "-0.1"); err == nil {
		t.Fatal("threshold below 0 should error")
	}
	if err := c.Set("auto_link_threshold", "1.1"); err == nil {
		t.Fatal("threshold above 1 should error")
	}
	if err := c.Set("auto_link_threshold", "not_a_number"); err == nil {
		t.Fatal("non-numeric threshold should error")
	}

	if err := c.Set("unknown_key", "value"); err == nil {
		t.Fatal("unknown key should error")
	}
}

func TestLoadEmptyFileReturnsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if c.AutoLinkThreshold != 0.7 {
		t.Fatalf("expected default config from empty file, got %+v", c)
	}
}
