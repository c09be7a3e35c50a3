// Package store wraps a single embedded SQLite database that is the sole
// owner of Lore's persistent state: sessions, messages, links, and the
// full-text index over message content.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
	"golang.org/x/sys/unix"

	"github.com/varalys/lore/internal/errs"
)

// CurrentSchemaVersion is the schema version this binary expects. Opening a
// database stamped with a higher version is a fatal SchemaMismatch; a lower
// version is migrated forward in order.
const CurrentSchemaVersion = 1

// Store wraps the embedded database. One Store per process; the daemon
// holds it for its lifetime, short-lived CLI processes open and close one
// per invocation.
type Store struct {
	db     *sql.DB
	path   string
	lockFd int
	isLock bool

	mu        sync.RWMutex
	prefixLRU *lru.Cache[string, string]

	log zerolog.Logger
}

// Option configures Open.
type Option func(*options)

type options struct {
	exclusiveLock bool
	logger        zerolog.Logger
}

// WithExclusiveLock acquires the advisory file lock on the database path,
// enforcing this process as the single writer. The daemon should pass this;
// short-lived readers should not.
func WithExclusiveLock() Option {
	return func(o *options) { o.exclusiveLock = true }
}

// WithLogger attaches a logger; defaults to a disabled logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// Open opens (creating if absent) the database at path, applies pending
// migrations, and returns a ready Store.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	cache, err := lru.New[string, string](256)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create prefix cache: %w", err)
	}

	s := &Store{db: db, path: path, prefixLRU: cache, log: cfg.logger, lockFd: -1}

	if cfg.exclusiveLock {
		if err := s.acquireLock(); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// acquireLock takes a non-blocking exclusive flock on path+".lock", refusing
// if another writer already holds it. This is the single-writer-DB
// discipline the daemon relies on across process restarts and accidental
// double-starts.
func (s *Store) acquireLock() error {
	lockPath := s.path + ".lock"
	fd, err := unix.Open(lockPath, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open lock file %s: %v", errs.IoError, lockPath, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: another process holds the write lock on %s", errs.StoreBusy, s.path)
	}
	s.lockFd = fd
	s.isLock = true
	return nil
}

// migrate applies forward-only schema migrations inside a single
// transaction, comparing the stored version tag to CurrentSchemaVersion.
func (s *Store) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version > CurrentSchemaVersion {
		return fmt.Errorf("%w: database is at schema version %d, this binary expects %d", errs.SchemaMismatch, version, CurrentSchemaVersion)
	}

	for v := version; v < CurrentSchemaVersion; v++ {
		stmt, ok := migrations[v+1]
		if !ok {
			return fmt.Errorf("%w: no migration defined for schema version %d", errs.SchemaMismatch, v+1)
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration to version %d: %w", v+1, err)
		}
	}

	if version == 0 {
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	} else if version < CurrentSchemaVersion {
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, CurrentSchemaVersion); err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
	}

	return tx.Commit()
}

// migrations maps target schema version to the SQL that reaches it from the
// immediately prior version.
var migrations = map[int]string{
	1: schemaV1,
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	tool TEXT NOT NULL,
	tool_version TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	working_directory TEXT NOT NULL DEFAULT '',
	git_branch TEXT,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	source_path TEXT,
	message_count INTEGER NOT NULL DEFAULT 0,
	machine_id TEXT NOT NULL DEFAULT '',
	synced_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_source_path ON sessions(source_path) WHERE source_path IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_sessions_synced_at ON sessions(synced_at);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	parent_id TEXT,
	idx INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
	content_json TEXT NOT NULL,
	content_text TEXT NOT NULL DEFAULT '',
	model TEXT,
	git_branch TEXT,
	cwd TEXT,

	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE,
	FOREIGN KEY(parent_id) REFERENCES messages(id),
	UNIQUE(session_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, idx);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	content_text,
	content='messages',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, content_text) VALUES (new.rowid, new.content_text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, content_text) VALUES ('delete', old.rowid, old.content_text);
	INSERT INTO messages_fts(rowid, content_text) VALUES (new.rowid, new.content_text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, content_text) VALUES ('delete', old.rowid, old.content_text);
END;

CREATE TABLE IF NOT EXISTS annotations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL,

	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS summaries (
	session_id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL,

	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS tags (
	session_id TEXT NOT NULL,
	label TEXT NOT NULL,

	PRIMARY KEY(session_id, label),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS session_links (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	link_type TEXT NOT NULL,
	commit_sha TEXT,
	branch TEXT,
	remote TEXT,
	created_at TEXT NOT NULL,
	created_by TEXT NOT NULL CHECK (created_by IN ('user', 'auto')),
	confidence REAL,

	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE,
	UNIQUE(session_id, commit_sha)
);
`

// Close releases the database handle and the write lock, if held.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.db.Close()
	if s.isLock && s.lockFd >= 0 {
		unix.Flock(s.lockFd, unix.LOCK_UN)
		unix.Close(s.lockFd)
	}
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// GetConfig retrieves a config value; empty string if unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig upserts a config value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// withBusyRetry retries fn a bounded number of times when SQLite reports the
// database is busy, per the "readers tolerate writer-busy" concurrency rule.
func withBusyRetry(fn func() error) error {
	var err error
	backoff := 20 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", errs.StoreBusy, err)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
