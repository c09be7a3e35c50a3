// Package watcher watches AI coding assistant session directories for new
// and modified transcript files and imports them into the session store.
//
// It tracks the last-seen byte size of each file so an unmodified file
// (position unchanged since last check) is skipped cheaply; a file that has
// shrunk is treated as truncated and re-imported from scratch. The teacher's
// own fsnotify usage (internal/core/db.go's WatchFile) only reacts to single
// Write events with no debouncing; session files get rewritten rapidly while
// an assistant is mid-turn, so here events are coalesced with a short debounce
// window before each changed file is (re)processed.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/varalys/lore/internal/errs"
	"github.com/varalys/lore/internal/ingest"
	"github.com/varalys/lore/internal/store"
)

// DebounceWindow is how long the watcher waits after the last observed
// filesystem event for a path before reprocessing it, to avoid re-parsing a
// file once per line it gains.
const DebounceWindow = 500 * time.Millisecond

// Stats is a snapshot of watcher activity, safe to copy.
type Stats struct {
	FilesWatched      int
	SessionsImported  uint64
	MessagesImported  uint64
	Errors            uint64
}

// Watcher watches adapter-supplied directories for session files and
// incrementally imports them into st.
type Watcher struct {
	registry  *ingest.Registry
	store     *store.Store
	machineID string

	mu        sync.Mutex
	positions map[string]int64
	stats     Stats
}

// New creates a Watcher over every available adapter in reg.
func New(reg *ingest.Registry, st *store.Store, machineID string) *Watcher {
	return &Watcher{
		registry:  reg,
		store:     st,
		machineID: machineID,
		positions: make(map[string]int64),
	}
}

// Stats returns a snapshot of the watcher's cumulative counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.FilesWatched = len(w.positions)
	return s
}

// Run performs an initial scan of every adapter's source files, then watches
// their directories for changes until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.initialScan(ctx); err != nil {
		log.Warn().Err(err).Msg("initial scan encountered errors")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	for _, adapter := range w.registry.Available() {
		for _, dir := range adapter.WatchPaths() {
			if _, err := os.Stat(dir); err != nil {
				log.Info().Str("dir", dir).Msg("watch directory does not exist, not watching it")
				continue
			}
			if err := addRecursive(fsw, dir); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("failed to watch directory")
			}
		}
	}

	pending := make(map[string]*time.Timer)
	changed := make(chan string, 64)
	var pendingMu sync.Mutex

	debounce := func(path string) {
		pendingMu.Lock()
		defer pendingMu.Unlock()
		if t, ok := pending[path]; ok {
			t.Stop()
		}
		pending[path] = time.AfterFunc(DebounceWindow, func() {
			pendingMu.Lock()
			delete(pending, path)
			pendingMu.Unlock()
			select {
			case changed <- path:
			case <-ctx.Done():
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".jsonl" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if event.Op&fsnotify.Remove != 0 {
				w.mu.Lock()
				delete(w.positions, event.Name)
				w.mu.Unlock()
				continue
			}
			debounce(event.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		case path := <-changed:
			if err := w.processPath(ctx, path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to process session file")
				w.mu.Lock()
				w.stats.Errors++
				w.mu.Unlock()
			}
		}
	}
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

// initialScan imports every source file the store does not already know
// about. A file already present by source_path is assumed unchanged since
// the last run and is only marked as seen (at its current size) rather than
// reparsed — once the watcher is running, growth in that file is instead
// caught by processPath below, which always reparses.
func (w *Watcher) initialScan(ctx context.Context) error {
	log.Info().Msg("performing initial scan of session files")
	for _, adapter := range w.registry.Available() {
		sources, err := adapter.FindSources()
		if err != nil {
			log.Warn().Err(err).Str("adapter", adapter.Info().Name).Msg("failed to enumerate sources")
			continue
		}
		for _, path := range sources {
			if err := w.initialScanPath(ctx, path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to import during initial scan")
				w.mu.Lock()
				w.stats.Errors++
				w.mu.Unlock()
			}
		}
	}
	return nil
}

func (w *Watcher) initialScanPath(ctx context.Context, path string) error {
	if filepath.Ext(path) != ".jsonl" {
		return nil
	}
	if strings.HasPrefix(filepath.Base(path), "agent-") {
		return nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	currentSize := info.Size()

	exists, err := w.store.SessionExistsBySource(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		w.mu.Lock()
		w.positions[path] = currentSize
		w.mu.Unlock()
		return nil
	}

	return w.reparse(ctx, path, currentSize)
}

// processPath re-reads path if it has grown or shrunk since last seen. Every
// growth event reparses the whole file, not only the first one a session
// ever produces: a live session file is appended to turn by turn, and each
// append must reach the store for incremental import to actually be
// incremental. Messages already present in the store are tolerated as
// duplicates (see reparse) rather than used to short-circuit reparsing.
func (w *Watcher) processPath(ctx context.Context, path string) error {
	if filepath.Ext(path) != ".jsonl" {
		return nil
	}
	if strings.HasPrefix(filepath.Base(path), "agent-") {
		return nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		w.mu.Lock()
		delete(w.positions, path)
		w.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	currentSize := info.Size()

	w.mu.Lock()
	lastSize, seen := w.positions[path]
	w.mu.Unlock()

	if seen && currentSize < lastSize {
		// Truncated: reset to 0 and reparse whatever the file now holds.
		lastSize = 0
		w.mu.Lock()
		w.positions[path] = 0
		w.mu.Unlock()
	}
	if seen && currentSize == lastSize {
		return nil
	}

	return w.reparse(ctx, path, currentSize)
}

// reparse parses path in full and inserts every message it contains.
// InsertSession is an upsert, so re-parsing a known session only ever grows
// its fields; InsertMessage is insert-only keyed on (session_id, idx), so a
// message already recorded on a previous pass comes back as
// errs.UniqueViolation here and is skipped rather than treated as failure.
func (w *Watcher) reparse(ctx context.Context, path string, currentSize int64) error {
	adapter := w.adapterFor(path)
	if adapter == nil {
		w.mu.Lock()
		w.positions[path] = currentSize
		w.mu.Unlock()
		return nil
	}

	parsedSessions, err := adapter.ParseSource(path)
	if err != nil {
		return err
	}

	for _, parsed := range parsedSessions {
		sess, msgs := parsed.ToStorageModels(w.machineID)
		if len(msgs) == 0 {
			continue
		}
		if err := w.store.InsertSession(ctx, sess); err != nil {
			return err
		}

		var newMessages int
		for _, m := range msgs {
			if err := w.store.InsertMessage(ctx, m); err != nil {
				if errors.Is(err, errs.UniqueViolation) {
					continue
				}
				return err
			}
			newMessages++
		}

		w.mu.Lock()
		if newMessages > 0 {
			w.stats.SessionsImported++
			w.stats.MessagesImported += uint64(newMessages)
		}
		w.mu.Unlock()

		if newMessages > 0 {
			log.Info().
				Str("session", sess.ID[:min(8, len(sess.ID))]).
				Int("messages", newMessages).
				Str("file", filepath.Base(path)).
				Msg("imported session")
		}
	}

	w.mu.Lock()
	w.positions[path] = currentSize
	w.mu.Unlock()

	return nil
}

func (w *Watcher) adapterFor(path string) ingest.Adapter {
	for _, a := range w.registry.Available() {
		for _, dir := range a.Info().DefaultDirs {
			if withinDir(dir, path) {
				return a
			}
		}
	}
	// Fall back to the only available adapter, if there's exactly one.
	all := w.registry.Available()
	if len(all) == 1 {
		return all[0]
	}
	return nil
}

func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && len(rel) > 0 && rel[0] != '.'
}
