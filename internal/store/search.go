package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SearchFilters narrows a full-text search by session metadata.
type SearchFilters struct {
	Tool          string
	SessionPrefix string
	DirPrefix     string
	Since         *time.Time
	Until         *time.Time
}

// SearchHit is one session-scoped full-text match.
type SearchHit struct {
	SessionID string
	MessageID string
	Snippet   string
	StartedAt time.Time
}

// Search runs a full-text query against message content, optionally
// filtered by tool, session id prefix, directory prefix, and date range.
// Ties break by started_at DESC then session id, since FTS5 relevance
// ranking alone is not deterministic across equally-ranked rows.
func (s *Store) Search(ctx context.Context, query string, filters SearchFilters) ([]SearchHit, error) {
	sqlQuery := strings.Builder{}
	sqlQuery.WriteString(`
		SELECT s.id, m.id, snippet(messages_fts, 0, '[', ']', '...', 8), s.started_at
		FROM messages_fts
		JOIN messages m ON m.rowid = messages_fts.rowid
		JOIN sessions s ON s.id = m.session_id
		WHERE messages_fts MATCH ?
	`)
	args := []any{query}

	if filters.Tool != "" {
		sqlQuery.WriteString(` AND s.tool = ?`)
		args = append(args, filters.Tool)
	}
	if filters.SessionPrefix != "" {
		sqlQuery.WriteString(` AND s.id LIKE ? || '%'`)
		args = append(args, filters.SessionPrefix)
	}
	if filters.DirPrefix != "" {
		sqlQuery.WriteString(` AND s.working_directory LIKE ? || '%'`)
		args = append(args, filters.DirPrefix)
	}
	if filters.Since != nil {
		sqlQuery.WriteString(` AND s.started_at >= ?`)
		args = append(args, formatTime(*filters.Since))
	}
	if filters.Until != nil {
		sqlQuery.WriteString(` AND s.started_at <= ?`)
		args = append(args, formatTime(*filters.Until))
	}

	sqlQuery.WriteString(` ORDER BY messages_fts.rank, s.started_at DESC, s.id ASC`)

	rows, err := s.db.QueryContext(ctx, sqlQuery.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var (
			hit       SearchHit
			startedAt string
		)
		if err := rows.Scan(&hit.SessionID, &hit.MessageID, &hit.Snippet, &startedAt); err != nil {
			return nil, err
		}
		t, err := parseTime(startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		hit.StartedAt = t
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// InsertAnnotation adds a user note to a session.
func (s *Store) InsertAnnotation(ctx context.Context, a Annotation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, session_id, content, created_at) VALUES (?, ?, ?, ?)
	`, a.ID, a.SessionID, a.Content, formatTime(a.CreatedAt))
	return err
}

// GetAnnotations returns a session's annotations in creation order.
func (s *Store) GetAnnotations(ctx context.Context, sessionID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, content, created_at FROM annotations WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Annotation
	for rows.Next() {
		var a Annotation
		var createdAt string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		a.CreatedAt = t
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertSummary replaces the derived summary for a session.
func (s *Store) UpsertSummary(ctx context.Context, summary Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (session_id, content, created_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET content = excluded.content, created_at = excluded.created_at
	`, summary.SessionID, summary.Content, formatTime(summary.CreatedAt))
	return err
}

// AddTag labels a session. Labels are stored lowercase.
func (s *Store) AddTag(ctx context.Context, sessionID, label string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tags (session_id, label) VALUES (?, ?)
	`, sessionID, strings.ToLower(label))
	return err
}

// GetTags returns a session's tags.
func (s *Store) GetTags(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label FROM tags WHERE session_id = ? ORDER BY label ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}
