package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func testState(t *testing.T) *State {
	t.Helper()
	dir := t.TempDir()
	return &State{
		PIDFile:    filepath.Join(dir, "daemon.pid"),
		SocketPath: filepath.Join(dir, "daemon.sock"),
		LogFile:    filepath.Join(dir, "daemon.log"),
	}
}

func TestIsRunningNoPIDFile(t *testing.T) {
	s := testState(t)
	if s.IsRunning() {
		t.Error("should not be running without a pid file")
	}
}

func TestGetPIDNoFile(t *testing.T) {
	s := testState(t)
	if _, ok := s.GetPID(); ok {
		t.Error("expected ok=false without a pid file")
	}
}

func TestWriteAndGetPID(t *testing.T) {
	s := testState(t)
	if err := s.WritePID(12345); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	pid, ok := s.GetPID()
	if !ok || pid != 12345 {
		t.Errorf("GetPID = %d, %v; want 12345, true", pid, ok)
	}
}

func TestRemovePID(t *testing.T) {
	s := testState(t)
	if err := s.WritePID(12345); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	if err := s.RemovePID(); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if _, err := os.Stat(s.PIDFile); !os.IsNotExist(err) {
		t.Error("pid file should be gone after RemovePID")
	}
}

func TestRemovePIDNonexistent(t *testing.T) {
	s := testState(t)
	if err := s.RemovePID(); err != nil {
		t.Errorf("RemovePID on missing file should not error: %v", err)
	}
}

func TestRemoveSocket(t *testing.T) {
	s := testState(t)
	if err := os.WriteFile(s.SocketPath, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.RemoveSocket(); err != nil {
		t.Fatalf("RemoveSocket: %v", err)
	}
	if _, err := os.Stat(s.SocketPath); !os.IsNotExist(err) {
		t.Error("socket file should be gone after RemoveSocket")
	}
}

func TestCleanup(t *testing.T) {
	s := testState(t)
	s.WritePID(12345)
	os.WriteFile(s.SocketPath, nil, 0o644)

	if err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(s.PIDFile); !os.IsNotExist(err) {
		t.Error("pid file should be cleaned up")
	}
	if _, err := os.Stat(s.SocketPath); !os.IsNotExist(err) {
		t.Error("socket file should be cleaned up")
	}
}

func TestIsRunningWithInvalidPID(t *testing.T) {
	s := testState(t)
	s.WritePID(999999999)
	// Should not panic; the real outcome depends on the system, but on a
	// normal test box this PID should not correspond to a live process.
	_ = s.IsRunning()
}

func TestGetPIDInvalidContent(t *testing.T) {
	s := testState(t)
	os.WriteFile(s.PIDFile, []byte("not_a_number"), 0o644)
	if _, ok := s.GetPID(); ok {
		t.Error("expected ok=false for invalid pid file content")
	}
}

func TestNewStatePaths(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	s, err := NewState()
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if filepath.Base(s.PIDFile) != "daemon.pid" {
		t.Errorf("PIDFile = %q", s.PIDFile)
	}
	if filepath.Base(s.SocketPath) != "daemon.sock" {
		t.Errorf("SocketPath = %q", s.SocketPath)
	}
	if filepath.Base(s.LogFile) != "daemon.log" {
		t.Errorf("LogFile = %q", s.LogFile)
	}
}
