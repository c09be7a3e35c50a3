// Package daemon runs Lore's background process: the file watcher, the
// local IPC control plane, and the periodic cloud sync task, wired together
// and supervised until a shutdown signal arrives.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/varalys/lore/internal/config"
	"github.com/varalys/lore/internal/errs"
)

// State tracks the daemon's on-disk coordination files: the PID file,
// the IPC socket, and the log file, all under ~/.lore.
type State struct {
	PIDFile    string
	SocketPath string
	LogFile    string
}

// NewState builds a State with the default paths under ~/.lore, creating
// that directory if necessary.
func NewState() (*State, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create lore home directory: %v", errs.IoError, err)
	}
	return &State{
		PIDFile:    filepath.Join(dir, "daemon.pid"),
		SocketPath: filepath.Join(dir, "daemon.sock"),
		LogFile:    filepath.Join(dir, "daemon.log"),
	}, nil
}

// IsRunning reports whether a PID file exists and names a live process.
func (s *State) IsRunning() bool {
	pid, ok := s.GetPID()
	return ok && processExists(pid)
}

// GetPID reads the PID file, if present.
func (s *State) GetPID() (int, bool) {
	data, err := os.ReadFile(s.PIDFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// WritePID records the current process ID.
func (s *State) WritePID(pid int) error {
	if err := os.WriteFile(s.PIDFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("%w: write pid file: %v", errs.IoError, err)
	}
	return nil
}

// RemovePID deletes the PID file. It is not an error if it is already gone.
func (s *State) RemovePID() error {
	if err := os.Remove(s.PIDFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove pid file: %v", errs.IoError, err)
	}
	return nil
}

// RemoveSocket deletes the IPC socket file. It is not an error if it is
// already gone.
func (s *State) RemoveSocket() error {
	if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove socket file: %v", errs.IoError, err)
	}
	return nil
}

// Cleanup removes both the PID file and the socket file. Called during
// graceful shutdown.
func (s *State) Cleanup() error {
	if err := s.RemovePID(); err != nil {
		return err
	}
	return s.RemoveSocket()
}

// processExists reports whether pid names a live process, via the signal-0
// convention: sending signal 0 performs permission/existence checks without
// actually delivering a signal.
func processExists(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
