package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/varalys/lore/internal/errs"
)

func mustSession(t *testing.T, id string, started time.Time) Session {
	t.Helper()
	return Session{
		ID:               id,
		Tool:             "claude-code",
		WorkingDirectory: "/home/user/project",
		StartedAt:        started,
		MachineID:        "machine-1",
	}
}

func TestInsertAndGetSession(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id := uuid.New().String()
	started := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	sess := mustSession(t, id, started)
	sess.MessageCount = 1

	if err := s.InsertSession(ctx, sess); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	got, err := s.FindSessionByIDPrefix(ctx, id[:8])
	if err != nil {
		t.Fatalf("FindSessionByIDPrefix: %v", err)
	}
	if got.ID != id {
		t.Errorf("got id %s, want %s", got.ID, id)
	}
	if got.MessageCount != 1 {
		t.Errorf("got message_count %d, want 1", got.MessageCount)
	}
}

func TestInsertSessionNeverDecreasesMessageCount(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id := uuid.New().String()
	sess := mustSession(t, id, time.Now())
	sess.MessageCount = 5
	if err := s.InsertSession(ctx, sess); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	sess.MessageCount = 2
	if err := s.InsertSession(ctx, sess); err != nil {
		t.Fatalf("InsertSession update: %v", err)
	}

	got, err := s.getSessionByID(ctx, id)
	if err != nil {
		t.Fatalf("getSessionByID: %v", err)
	}
	if got.MessageCount != 5 {
		t.Errorf("message_count regressed to %d, want 5", got.MessageCount)
	}
}

func TestFindSessionByIDPrefixAmbiguous(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.InsertSession(ctx, mustSession(t, "abc111", time.Now())); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if err := s.InsertSession(ctx, mustSession(t, "abc222", time.Now())); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	_, err := s.FindSessionByIDPrefix(ctx, "abc")
	if !errors.Is(err, errs.AmbiguousPrefix) {
		t.Fatalf("expected AmbiguousPrefix, got %v", err)
	}
}

func TestFindSessionByIDPrefixNotFound(t *testing.T) {
	s := openTest(t)
	_, err := s.FindSessionByIDPrefix(context.Background(), "doesnotexist")
	if !errors.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestInsertMessageDenseIndex(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	sessID := uuid.New().String()
	if err := s.InsertSession(ctx, mustSession(t, sessID, time.Now())); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	m0 := Message{ID: uuid.New().String(), SessionID: sessID, Index: 0, Timestamp: time.Now(), Role: RoleUser, Content: MessageContent{Text: "hi"}}
	if err := s.InsertMessage(ctx, m0); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	m1 := Message{ID: uuid.New().String(), SessionID: sessID, ParentID: m0.ID, Index: 1, Timestamp: time.Now(), Role: RoleAssistant, Content: MessageContent{Text: "hello"}}
	if err := s.InsertMessage(ctx, m1); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	msgs, err := s.GetMessages(ctx, sessID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Index != 0 || msgs[1].Index != 1 {
		t.Fatalf("indices not dense: %d, %d", msgs[0].Index, msgs[1].Index)
	}
	if msgs[1].ParentID != m0.ID {
		t.Fatalf("parent_id = %s, want %s", msgs[1].ParentID, m0.ID)
	}
}

func TestInsertMessageDuplicateIndexFails(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	sessID := uuid.New().String()
	if err := s.InsertSession(ctx, mustSession(t, sessID, time.Now())); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	m := Message{ID: uuid.New().String(), SessionID: sessID, Index: 0, Timestamp: time.Now(), Role: RoleUser, Content: MessageContent{Text: "hi"}}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	m2 := m
	m2.ID = uuid.New().String()
	err := s.InsertMessage(ctx, m2)
	if !errors.Is(err, errs.UniqueViolation) {
		t.Fatalf("expected UniqueViolation, got %v", err)
	}
}

func TestMessageContentRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	sessID := uuid.New().String()
	if err := s.InsertSession(ctx, mustSession(t, sessID, time.Now())); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	blocks := MessageContent{Blocks: []ContentBlock{
		{Type: ContentBlockText, Text: "let me check"},
		{Type: ContentBlockToolUse, ToolUseID: "tu1", ToolUseName: "Read", ToolUseInput: []byte(`{"path":"x.go"}`)},
	}}
	m := Message{ID: uuid.New().String(), SessionID: sessID, Index: 0, Timestamp: time.Now(), Role: RoleAssistant, Content: blocks}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	msgs, err := s.GetMessages(ctx, sessID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if msgs[0].Content.IsText() {
		t.Fatal("expected block content, got text")
	}
	if len(msgs[0].Content.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(msgs[0].Content.Blocks))
	}
	if msgs[0].Content.Blocks[1].ToolUseName != "Read" {
		t.Errorf("tool use name = %q, want Read", msgs[0].Content.Blocks[1].ToolUseName)
	}
}

func TestLinkUniqueAndConfidenceReplace(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	sessID := uuid.New().String()
	if err := s.InsertSession(ctx, mustSession(t, sessID, time.Now())); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	low := 0.5
	link := SessionLink{ID: uuid.New().String(), SessionID: sessID, LinkType: LinkTypeCommit, CommitSHA: "abc123", CreatedAt: time.Now(), CreatedBy: CreatedByAuto, Confidence: &low}
	if err := s.InsertLink(ctx, link); err != nil {
		t.Fatalf("InsertLink: %v", err)
	}

	lower := 0.3
	link.ID = uuid.New().String()
	link.Confidence = &lower
	if err := s.InsertLink(ctx, link); err != nil {
		t.Fatalf("InsertLink lower confidence: %v", err)
	}

	exists, err := s.LinkExists(ctx, sessID, "abc123")
	if err != nil {
		t.Fatalf("LinkExists: %v", err)
	}
	if !exists {
		t.Fatal("link should exist")
	}

	var storedConfidence float64
	row := s.db.QueryRow(`SELECT confidence FROM session_links WHERE session_id = ? AND commit_sha = ?`, sessID, "abc123")
	if err := row.Scan(&storedConfidence); err != nil {
		t.Fatalf("scan confidence: %v", err)
	}
	if storedConfidence != 0.5 {
		t.Errorf("confidence regressed to %v, want 0.5 (lower-confidence replace should be rejected)", storedConfidence)
	}
}

func TestGetUnsyncedSessions(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	unsynced := uuid.New().String()
	if err := s.InsertSession(ctx, mustSession(t, unsynced, time.Now())); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	synced := uuid.New().String()
	syncedSess := mustSession(t, synced, time.Now().Add(-time.Hour))
	now := time.Now()
	syncedSess.SyncedAt = &now
	if err := s.InsertSession(ctx, syncedSess); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	results, err := s.GetUnsyncedSessions(ctx)
	if err != nil {
		t.Fatalf("GetUnsyncedSessions: %v", err)
	}
	if len(results) != 1 || results[0].ID != unsynced {
		t.Fatalf("unexpected unsynced sessions: %+v", results)
	}
}

func TestMarkSessionsSynced(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id := uuid.New().String()
	if err := s.InsertSession(ctx, mustSession(t, id, time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	serverTime := time.Now()
	if err := s.MarkSessionsSynced(ctx, []string{id}, serverTime); err != nil {
		t.Fatalf("MarkSessionsSynced: %v", err)
	}

	unsynced, err := s.GetUnsyncedSessions(ctx)
	if err != nil {
		t.Fatalf("GetUnsyncedSessions: %v", err)
	}
	for _, sess := range unsynced {
		if sess.ID == id {
			t.Fatal("session should no longer be unsynced")
		}
	}
}

func TestFindSessionsNearCommitTime(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	commitTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	near := mustSession(t, uuid.New().String(), commitTime.Add(-10*time.Minute))
	near.WorkingDirectory = "/repo"
	if err := s.InsertSession(ctx, near); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	far := mustSession(t, uuid.New().String(), commitTime.Add(-2*time.Hour))
	far.WorkingDirectory = "/repo"
	farEnded := commitTime.Add(-90 * time.Minute)
	far.EndedAt = &farEnded
	if err := s.InsertSession(ctx, far); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	otherDir := mustSession(t, uuid.New().String(), commitTime)
	otherDir.WorkingDirectory = "/elsewhere"
	if err := s.InsertSession(ctx, otherDir); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	results, err := s.FindSessionsNearCommitTime(ctx, commitTime, 30*time.Minute, "/repo")
	if err != nil {
		t.Fatalf("FindSessionsNearCommitTime: %v", err)
	}
	if len(results) != 1 || results[0].ID != near.ID {
		t.Fatalf("unexpected results: %+v", results)
	}
}
