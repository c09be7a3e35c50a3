package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/varalys/lore/internal/config"
	"github.com/varalys/lore/internal/errs"
	"github.com/varalys/lore/internal/ingest"
	"github.com/varalys/lore/internal/ipc"
	"github.com/varalys/lore/internal/store"
	"github.com/varalys/lore/internal/sync"
	"github.com/varalys/lore/internal/watcher"
)

// shutdownGrace is how long Run waits for goroutines to notice a closed
// quit channel and exit cleanly before the process simply returns; Go has
// no task-abort primitive, so a straggling goroutine is abandoned when the
// process exits, same as the source's `.abort()` calls.
const shutdownGrace = time.Second

// Run starts the daemon in the foreground: it refuses to start a second
// instance, writes the PID file, wires together the session watcher, the
// IPC server, and the periodic cloud sync task, and blocks until SIGINT,
// SIGTERM, or an IPC stop command arrives.
func Run(ctx context.Context) error {
	state, err := NewState()
	if err != nil {
		return err
	}
	if state.IsRunning() {
		pid, _ := state.GetPID()
		return fmt.Errorf("%w: daemon is already running (pid %d)", errs.Shutdown, pid)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Load mints a new machine_id when no config file exists; writing the
	// file out keeps that id across restarts.
	if path, err := config.Path(); err == nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			if err := cfg.Save(); err != nil {
				log.Warn().Err(err).Msg("failed to save config with new machine id")
			}
		}
	}

	if err := setupFileLogging(state.LogFile); err != nil {
		log.Warn().Err(err).Msg("failed to set up daemon log file, logging to stderr only")
	}

	log.Info().Msg("starting lore daemon")

	if err := state.WritePID(os.Getpid()); err != nil {
		return err
	}
	defer state.Cleanup()

	log.Info().Int("pid", os.Getpid()).Msg("daemon started")

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	st, err := store.Open(filepath.Join(dir, "lore.db"), store.WithExclusiveLock())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	startedAt := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	builtin := ingest.DefaultRegistry()
	var enabled []ingest.Adapter
	seen := make(map[string]bool)
	for _, name := range cfg.Watchers {
		a, err := builtin.Get(name)
		if err != nil {
			log.Warn().Str("watcher", name).Msg("unknown watcher in config, ignoring")
			continue
		}
		if !seen[name] {
			seen[name] = true
			enabled = append(enabled, a)
		}
	}
	w := watcher.New(ingest.NewRegistry(enabled...), st, cfg.MachineID)

	server := &ipc.Server{
		SocketPath: state.SocketPath,
		StartedAt:  startedAt,
		StatsFunc: func() ipc.Stats {
			ws := w.Stats()
			return ipc.Stats{
				FilesWatched:     ws.FilesWatched,
				SessionsImported: ws.SessionsImported,
				MessagesImported: ws.MessagesImported,
				StartedAt:        startedAt,
				Errors:           ws.Errors,
			}
		},
		StopFunc: cancel,
	}
	if err := server.Listen(); err != nil {
		return err
	}
	defer server.Close()

	syncRunner := &sync.Runner{Store: st}

	done := make(chan struct{}, 3)
	go func() { defer func() { done <- struct{}{} }(); runWatcher(runCtx, w) }()
	go func() { defer func() { done <- struct{}{} }(); runIPCServer(runCtx, server) }()
	go func() { defer func() { done <- struct{}{} }(); syncRunner.Run(runCtx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-runCtx.Done():
		log.Info().Msg("received stop command, shutting down")
	}
	cancel()

	grace := time.After(shutdownGrace)
	remaining := 3
	for remaining > 0 {
		select {
		case <-done:
			remaining--
		case <-grace:
			log.Warn().Msg("grace period elapsed, abandoning remaining tasks")
			remaining = 0
		}
	}

	log.Info().Msg("daemon stopped")
	return nil
}

func runWatcher(ctx context.Context, w *watcher.Watcher) {
	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("watcher exited with error")
	}
}

func runIPCServer(ctx context.Context, s *ipc.Server) {
	if err := s.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("ipc server exited with error")
	}
}

// setupFileLogging configures zerolog to additionally write to the daemon
// log file. stderr keeps receiving console-formatted output for a
// foreground run.
func setupFileLogging(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open daemon log file: %v", errs.IoError, err)
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
	return nil
}
