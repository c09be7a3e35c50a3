package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/varalys/lore/internal/errs"
)

// timeLayout always writes nine fractional digits, so stored timestamps
// compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// InsertSession inserts s, or if a row with s.ID already exists, replaces
// its non-null fields without ever decreasing message_count.
func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	return withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, tool, tool_version, model, working_directory, git_branch, started_at, ended_at, source_path, message_count, machine_id, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				tool = excluded.tool,
				tool_version = CASE WHEN excluded.tool_version != '' THEN excluded.tool_version ELSE sessions.tool_version END,
				model = CASE WHEN excluded.model != '' THEN excluded.model ELSE sessions.model END,
				working_directory = CASE WHEN excluded.working_directory != '' THEN excluded.working_directory ELSE sessions.working_directory END,
				git_branch = COALESCE(excluded.git_branch, sessions.git_branch),
				started_at = excluded.started_at,
				ended_at = COALESCE(excluded.ended_at, sessions.ended_at),
				source_path = COALESCE(excluded.source_path, sessions.source_path),
				message_count = MAX(excluded.message_count, sessions.message_count),
				machine_id = CASE WHEN excluded.machine_id != '' THEN excluded.machine_id ELSE sessions.machine_id END,
				synced_at = COALESCE(sessions.synced_at, excluded.synced_at)
		`,
			sess.ID, sess.Tool, sess.ToolVersion, sess.Model, sess.WorkingDirectory,
			nullableString(sess.GitBranch), formatTime(sess.StartedAt), formatTimePtr(sess.EndedAt),
			nullableString(sess.SourcePath), sess.MessageCount, sess.MachineID, formatTimePtr(sess.SyncedAt),
		)
		return err
	})
}

// InsertMessage inserts m. Fails with errs.UniqueViolation if (session_id,
// idx) already exists, or errs.ForeignKeyMissing if parent_id is set but
// does not reference an existing message.
func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	contentJSON, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("marshal message content: %w", err)
	}

	return withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, parent_id, idx, timestamp, role, content_json, content_text, model, git_branch, cwd)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			m.ID, m.SessionID, nullableString(m.ParentID), m.Index, formatTime(m.Timestamp),
			string(m.Role), string(contentJSON), m.Content.PlainText(),
			nullableString(m.Model), nullableString(m.GitBranch), nullableString(m.Cwd),
		)
		if err == nil {
			return nil
		}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "unique"):
			return fmt.Errorf("%w: message (session_id=%s, idx=%d) already exists", errs.UniqueViolation, m.SessionID, m.Index)
		case strings.Contains(msg, "foreign key"):
			return fmt.Errorf("%w: parent message %s does not exist", errs.ForeignKeyMissing, m.ParentID)
		default:
			return err
		}
	})
}

// SessionExistsBySource reports whether some session has exactly this
// source_path.
func (s *Store) SessionExistsBySource(ctx context.Context, path string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE source_path = ?`, path).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// FindSessionByIDPrefix returns the session whose id starts with prefix.
// Fails with errs.AmbiguousPrefix if 2 or more match, errs.NotFound if none
// match. A small LRU cache short-circuits repeat lookups of the same
// already-resolved full ID (the common case when callers pass an ID they
// already resolved once, e.g. repeated IPC/link queries in one process).
func (s *Store) FindSessionByIDPrefix(ctx context.Context, prefix string) (Session, error) {
	if full, ok := s.prefixLRU.Get(prefix); ok {
		sess, err := s.getSessionByID(ctx, full)
		if err == nil {
			return sess, nil
		}
		s.prefixLRU.Remove(prefix)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE id LIKE ? || '%' LIMIT 2`, prefix)
	if err != nil {
		return Session{}, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Session{}, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return Session{}, err
	}

	switch len(ids) {
	case 0:
		return Session{}, fmt.Errorf("%w: no session matches prefix %q", errs.NotFound, prefix)
	case 1:
		if ids[0] == prefix {
			s.prefixLRU.Add(prefix, ids[0])
		}
		return s.getSessionByID(ctx, ids[0])
	default:
		return Session{}, fmt.Errorf("%w: prefix %q matches %d sessions", errs.AmbiguousPrefix, prefix, len(ids))
	}
}

func (s *Store) getSessionByID(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool, tool_version, model, working_directory, git_branch, started_at, ended_at, source_path, message_count, machine_id, synced_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (Session, error) {
	var (
		sess                                      Session
		gitBranch, endedAt, sourcePath, syncedAt   sql.NullString
		startedAt                                  string
	)
	err := row.Scan(
		&sess.ID, &sess.Tool, &sess.ToolVersion, &sess.Model, &sess.WorkingDirectory,
		&gitBranch, &startedAt, &endedAt, &sourcePath, &sess.MessageCount, &sess.MachineID, &syncedAt,
	)
	if err == sql.ErrNoRows {
		return Session{}, fmt.Errorf("%w: session not found", errs.NotFound)
	}
	if err != nil {
		return Session{}, err
	}
	t, err := parseTime(startedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	sess.StartedAt = t
	return finishSessionScan(sess, gitBranch, endedAt, sourcePath, syncedAt)
}

// ListSessions returns sessions ordered by started_at DESC, up to limit (0
// means unlimited).
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	query := `
		SELECT id, tool, tool_version, model, working_directory, git_branch, started_at, ended_at, source_path, message_count, machine_id, synced_at
		FROM sessions ORDER BY started_at DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		var (
			sess                                    Session
			gitBranch, endedAt, sourcePath, syncedAt sql.NullString
			startedAt                                string
		)
		if err := rows.Scan(
			&sess.ID, &sess.Tool, &sess.ToolVersion, &sess.Model, &sess.WorkingDirectory,
			&gitBranch, &startedAt, &endedAt, &sourcePath, &sess.MessageCount, &sess.MachineID, &syncedAt,
		); err != nil {
			return nil, err
		}
		t, err := parseTime(startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at for session %s: %w", sess.ID, err)
		}
		sess.StartedAt = t
		filled, err := finishSessionScan(sess, gitBranch, endedAt, sourcePath, syncedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, filled)
	}
	return out, rows.Err()
}

func finishSessionScan(sess Session, gitBranch, endedAt, sourcePath, syncedAt sql.NullString) (Session, error) {
	if gitBranch.Valid {
		sess.GitBranch = gitBranch.String
	}
	if sourcePath.Valid {
		sess.SourcePath = sourcePath.String
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at: %w", err)
		}
		sess.EndedAt = &t
	}
	if syncedAt.Valid {
		t, err := parseTime(syncedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse synced_at: %w", err)
		}
		sess.SyncedAt = &t
	}
	return sess, nil
}

// GetMessages returns messages for sessionID ordered by index ascending.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, parent_id, idx, timestamp, role, content_json, model, git_branch, cwd
		FROM messages WHERE session_id = ? ORDER BY idx ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                                 Message
			parentID, model, gitBranch, cwd   sql.NullString
			timestamp, role, contentJSON      string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &parentID, &m.Index, &timestamp, &role, &contentJSON, &model, &gitBranch, &cwd); err != nil {
			return nil, err
		}
		t, err := parseTime(timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse message timestamp: %w", err)
		}
		m.Timestamp = t
		m.Role = Role(role)
		if parentID.Valid {
			m.ParentID = parentID.String
		}
		if model.Valid {
			m.Model = model.String
		}
		if gitBranch.Valid {
			m.GitBranch = gitBranch.String
		}
		if cwd.Valid {
			m.Cwd = cwd.String
		}
		if err := json.Unmarshal([]byte(contentJSON), &m.Content); err != nil {
			return nil, fmt.Errorf("unmarshal content for message %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindSessionsNearCommitTime returns sessions whose [started_at,
// ended_at∨now] interval intersects [t-window, t+window] and whose
// working_directory starts with repoRoot.
func (s *Store) FindSessionsNearCommitTime(ctx context.Context, t time.Time, window time.Duration, repoRoot string) ([]Session, error) {
	lo := formatTime(t.Add(-window))
	hi := formatTime(t.Add(window))
	now := formatTime(time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool, tool_version, model, working_directory, git_branch, started_at, ended_at, source_path, message_count, machine_id, synced_at
		FROM sessions
		WHERE working_directory LIKE ? || '%'
		  AND started_at <= ?
		  AND COALESCE(ended_at, ?) >= ?
		ORDER BY started_at DESC
	`, repoRoot, hi, now, lo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// InsertLink inserts l, unique on (session_id, commit_sha). An existing Auto
// link is replaced only if l.Confidence is greater than or equal to the
// stored confidence; a User link is never replaced by an Auto link.
func (s *Store) InsertLink(ctx context.Context, l SessionLink) error {
	return withBusyRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var existingCreator string
		var existingConfidence sql.NullFloat64
		err = tx.QueryRowContext(ctx, `
			SELECT created_by, confidence FROM session_links WHERE session_id = ? AND commit_sha = ?
		`, l.SessionID, l.CommitSHA).Scan(&existingCreator, &existingConfidence)

		switch {
		case err == sql.ErrNoRows:
			// fall through to insert
		case err != nil:
			return err
		default:
			if existingCreator == string(CreatedByUser) {
				return nil
			}
			if l.Confidence != nil && existingConfidence.Valid && *l.Confidence < existingConfidence.Float64 {
				return nil
			}
		}

		var confidence sql.NullFloat64
		if l.Confidence != nil {
			confidence = sql.NullFloat64{Float64: *l.Confidence, Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_links (id, session_id, link_type, commit_sha, branch, remote, created_at, created_by, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, commit_sha) DO UPDATE SET
				branch = excluded.branch,
				remote = excluded.remote,
				created_at = excluded.created_at,
				created_by = excluded.created_by,
				confidence = excluded.confidence
		`, l.ID, l.SessionID, string(l.LinkType), l.CommitSHA, nullableString(l.Branch), nullableString(l.Remote),
			formatTime(l.CreatedAt), string(l.CreatedBy), confidence)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// LinkExists reports whether sessionID is already linked to commitSHA.
func (s *Store) LinkExists(ctx context.Context, sessionID, commitSHA string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_links WHERE session_id = ? AND commit_sha = ?
	`, sessionID, commitSHA).Scan(&count)
	return count > 0, err
}

// GetUnsyncedSessions returns sessions with synced_at NULL, or earlier than
// the session's most recent message timestamp (its last local mutation).
func (s *Store) GetUnsyncedSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.tool, s.tool_version, s.model, s.working_directory, s.git_branch, s.started_at, s.ended_at, s.source_path, s.message_count, s.machine_id, s.synced_at
		FROM sessions s
		WHERE s.synced_at IS NULL
		   OR s.synced_at < COALESCE((SELECT MAX(m.timestamp) FROM messages m WHERE m.session_id = s.id), s.started_at)
		ORDER BY s.started_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// MarkSessionsSynced sets synced_at = serverTime for every id, in one
// transaction.
func (s *Store) MarkSessionsSynced(ctx context.Context, ids []string, serverTime time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return withBusyRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `UPDATE sessions SET synced_at = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, formatTime(serverTime), id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}
