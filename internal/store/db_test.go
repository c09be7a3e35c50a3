package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file not created")
	}
	if s.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", s.Path(), dbPath)
	}
}

func TestExclusiveLockRefusesSecondWriter(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	first, err := Open(dbPath, WithExclusiveLock())
	if err != nil {
		t.Fatalf("Open first: %v", err)
	}
	defer first.Close()

	_, err = Open(dbPath, WithExclusiveLock())
	if err == nil {
		t.Fatal("expected second exclusive Open to fail")
	}
}

func TestSchema(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	expected := []string{"sessions", "messages", "annotations", "summaries", "tags", "session_links", "config", "schema_version"}
	for _, table := range expected {
		var name string
		err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	val, err := s.GetConfig(ctx, "missing_key")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if val != "" {
		t.Errorf("missing key should be empty, got %q", val)
	}

	if err := s.SetConfig(ctx, "machine_id", "abc-123"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	val, err = s.GetConfig(ctx, "machine_id")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if val != "abc-123" {
		t.Errorf("GetConfig = %q, want abc-123", val)
	}

	if err := s.SetConfig(ctx, "machine_id", "xyz-789"); err != nil {
		t.Fatalf("SetConfig overwrite: %v", err)
	}
	val, _ = s.GetConfig(ctx, "machine_id")
	if val != "xyz-789" {
		t.Errorf("GetConfig after overwrite = %q, want xyz-789", val)
	}
}

func TestMigrateRejectsFutureSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, CurrentSchemaVersion+1); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	s.Close()

	_, err = Open(dbPath)
	if err == nil {
		t.Fatal("expected SchemaMismatch opening a database from a newer binary")
	}
}
