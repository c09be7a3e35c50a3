// Package ingest discovers and parses AI coding assistant session transcripts
// into storage-ready models.
package ingest

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/varalys/lore/internal/store"
)

// AdapterInfo describes an adapter for display and configuration.
type AdapterInfo struct {
	Name        string
	Description string
	DefaultDirs []string
}

// Adapter discovers and parses session transcripts for one AI tool.
type Adapter interface {
	Info() AdapterInfo

	// IsAvailable reports whether this tool's session directory exists on
	// this machine.
	IsAvailable() bool

	// FindSources returns every session file currently on disk.
	FindSources() ([]string, error)

	// ParseSource parses one session file. A file with no recognizable
	// messages returns an empty slice, not an error.
	ParseSource(path string) ([]ParsedSession, error)

	// WatchPaths returns the directories a watcher should monitor for new
	// and changed session files.
	WatchPaths() []string
}

// ParsedSession is the intermediate representation of one session file,
// produced by an Adapter before conversion to storage models.
type ParsedSession struct {
	Tool        string
	SessionID   string
	ToolVersion string
	Cwd         string
	GitBranch   string
	Model       string
	Messages    []ParsedMessage
	SourcePath  string
}

// ParsedMessage is one message extracted from a session file.
type ParsedMessage struct {
	UUID      string
	ParentUUID string
	Timestamp time.Time
	Role      store.Role
	Content   store.MessageContent
	Model     string
	GitBranch string
	Cwd       string
}

// ToStorageModels converts a parsed session into a Session and its ordered
// Messages, assigning dense indices and resolving parent/child links from
// the within-file UUID map. IDs that parse as UUIDs are kept; anything else
// is replaced with a freshly minted UUID, exactly as the source tool would
// if two different sessions happened to collide on a non-UUID identifier.
func (p ParsedSession) ToStorageModels(machineID string) (store.Session, []store.Message) {
	sessionID := p.SessionID
	if _, err := uuid.Parse(sessionID); err != nil {
		sessionID = uuid.NewString()
	}

	var startedAt time.Time
	var endedAt *time.Time
	if len(p.Messages) > 0 {
		startedAt = p.Messages[0].Timestamp
		minTS, maxTS := startedAt, startedAt
		for _, m := range p.Messages[1:] {
			if m.Timestamp.Before(minTS) {
				minTS = m.Timestamp
			}
			if m.Timestamp.After(maxTS) {
				maxTS = m.Timestamp
			}
		}
		startedAt = minTS
		last := maxTS
		endedAt = &last
	} else {
		startedAt = time.Now()
	}

	sourcePath := p.SourcePath
	cwd := p.Cwd
	if cwd == "" {
		cwd = "."
	}

	sess := store.Session{
		ID:               sessionID,
		Tool:             p.Tool,
		ToolVersion:      p.ToolVersion,
		Model:            p.Model,
		WorkingDirectory: cwd,
		GitBranch:        p.GitBranch,
		StartedAt:        startedAt,
		EndedAt:          endedAt,
		SourcePath:       sourcePath,
		MessageCount:     len(p.Messages),
		MachineID:        machineID,
	}

	idMap := make(map[string]string, len(p.Messages))
	for _, m := range p.Messages {
		id := m.UUID
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		idMap[m.UUID] = id
	}

	messages := make([]store.Message, len(p.Messages))
	for i, m := range p.Messages {
		var parentID string
		if m.ParentUUID != "" {
			parentID = idMap[m.ParentUUID]
		}
		messages[i] = store.Message{
			ID:        idMap[m.UUID],
			SessionID: sessionID,
			ParentID:  parentID,
			Index:     i,
			Timestamp: m.Timestamp,
			Role:      m.Role,
			Content:   m.Content,
			Model:     m.Model,
			GitBranch: m.GitBranch,
			Cwd:       m.Cwd,
		}
	}

	return sess, messages
}

func basename(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}
