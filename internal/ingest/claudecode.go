package ingest

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/varalys/lore/internal/store"
)

// ClaudeCodeAdapter parses session transcripts written by the Claude Code
// CLI. Sessions live at ~/.claude/projects/<project-hash>/<session-uuid>.jsonl,
// one JSON object per line.
type ClaudeCodeAdapter struct{}

var _ Adapter = ClaudeCodeAdapter{}

func (ClaudeCodeAdapter) Info() AdapterInfo {
	return AdapterInfo{
		Name:        "claude-code",
		Description: "Claude Code CLI sessions",
		DefaultDirs: []string{claudeProjectsDir()},
	}
}

func (ClaudeCodeAdapter) IsAvailable() bool {
	_, err := os.Stat(claudeProjectsDir())
	return err == nil
}

func (ClaudeCodeAdapter) WatchPaths() []string {
	return []string{claudeProjectsDir()}
}

func claudeProjectsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".claude", "projects")
}

// FindSources walks the projects directory for UUID-named JSONL files,
// skipping the agent-*.jsonl sidechain files Claude Code writes alongside
// the main transcript.
func (ClaudeCodeAdapter) FindSources() ([]string, error) {
	root := claudeProjectsDir()
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, projectEntry := range entries {
		if !projectEntry.IsDir() {
			continue
		}
		projectDir := filepath.Join(root, projectEntry.Name())
		children, err := os.ReadDir(projectDir)
		if err != nil {
			continue
		}
		for _, f := range children {
			name := f.Name()
			if strings.HasPrefix(name, "agent-") {
				continue
			}
			if !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			// UUID-named files are 36 chars plus ".jsonl"; anything
			// shorter is unlikely to be a session transcript.
			if len(name) > 40 {
				files = append(files, filepath.Join(projectDir, name))
			}
		}
	}
	return files, nil
}

func (ClaudeCodeAdapter) ParseSource(path string) ([]ParsedSession, error) {
	parsed, err := parseClaudeCodeFile(path)
	if err != nil {
		return nil, err
	}
	if len(parsed.Messages) == 0 {
		return nil, nil
	}
	return []ParsedSession{parsed}, nil
}

// rawClaudeMessage mirrors one line of a Claude Code JSONL transcript.
type rawClaudeMessage struct {
	Type        string               `json:"type"`
	SessionID   string               `json:"sessionId"`
	UUID        string               `json:"uuid"`
	ParentUUID  string               `json:"parentUuid"`
	Timestamp   string               `json:"timestamp"`
	Cwd         string               `json:"cwd"`
	GitBranch   string               `json:"gitBranch"`
	Version     string               `json:"version"`
	Message     *rawClaudeMessageBody `json:"message"`
	IsSidechain bool                 `json:"isSidechain"`
}

type rawClaudeMessageBody struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

type rawClaudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   string          `json:"content"`
	IsError   bool            `json:"is_error"`
}

// parseClaudeCodeFile reads one session file line by line. Malformed or
// irrelevant lines are skipped rather than failing the whole file: a
// single corrupt line in an otherwise-healthy multi-megabyte transcript
// should not lose the rest of the session.
func parseClaudeCodeFile(path string) (ParsedSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return ParsedSession{}, err
	}
	defer f.Close()

	var (
		messages    []ParsedMessage
		sessionID   string
		toolVersion string
		cwd         string
		gitBranch   string
		model       string
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var raw rawClaudeMessage
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			log.Debug().Err(err).Int("line", lineNum).Str("path", path).Msg("skipping unparseable claude-code line")
			continue
		}

		if raw.Type != "user" && raw.Type != "assistant" {
			continue
		}
		if raw.IsSidechain {
			continue
		}

		if sessionID == "" {
			sessionID = raw.SessionID
		}
		if toolVersion == "" {
			toolVersion = raw.Version
		}
		if cwd == "" {
			cwd = raw.Cwd
		}
		if gitBranch == "" {
			gitBranch = raw.GitBranch
		}

		if raw.Message == nil {
			continue
		}

		if model == "" && raw.Message.Role == "assistant" {
			model = raw.Message.Model
		}

		content, err := parseClaudeContent(raw.Message.Content)
		if err != nil {
			log.Debug().Err(err).Int("line", lineNum).Str("path", path).Msg("skipping unparseable claude-code message content")
			continue
		}

		role := store.Role(raw.Message.Role)
		switch role {
		case store.RoleUser, store.RoleAssistant, store.RoleSystem:
		default:
			role = store.RoleUser
		}

		ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
		if err != nil {
			ts = time.Now()
		}

		messages = append(messages, ParsedMessage{
			UUID:       raw.UUID,
			ParentUUID: raw.ParentUUID,
			Timestamp:  ts,
			Role:       role,
			Content:    content,
			Model:      raw.Message.Model,
			GitBranch:  raw.GitBranch,
			Cwd:        raw.Cwd,
		})
	}
	if err := scanner.Err(); err != nil {
		return ParsedSession{}, err
	}

	if sessionID == "" {
		sessionID = basename(path)
	}
	if cwd == "" {
		cwd = "."
	}

	return ParsedSession{
		Tool:        "claude-code",
		SessionID:   sessionID,
		ToolVersion: toolVersion,
		Cwd:         cwd,
		GitBranch:   gitBranch,
		Model:       model,
		Messages:    messages,
		SourcePath:  path,
	}, nil
}

// parseClaudeContent decodes a message's content field, which Claude Code
// writes as either a bare string or an array of typed content blocks.
func parseClaudeContent(raw json.RawMessage) (store.MessageContent, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return store.MessageContent{Text: asString}, nil
	}

	var rawBlocks []rawClaudeBlock
	if err := json.Unmarshal(raw, &rawBlocks); err != nil {
		return store.MessageContent{}, err
	}

	blocks := make([]store.ContentBlock, 0, len(rawBlocks))
	for _, b := range rawBlocks {
		switch b.Type {
		case "text":
			blocks = append(blocks, store.ContentBlock{Type: store.ContentBlockText, Text: b.Text})
		case "thinking":
			blocks = append(blocks, store.ContentBlock{Type: store.ContentBlockThinking, Thinking: b.Thinking})
		case "tool_use":
			blocks = append(blocks, store.ContentBlock{
				Type:         store.ContentBlockToolUse,
				ToolUseID:    b.ID,
				ToolUseName:  b.Name,
				ToolUseInput: b.Input,
			})
		case "tool_result":
			blocks = append(blocks, store.ContentBlock{
				Type:                store.ContentBlockToolResult,
				ToolResultToolUseID: b.ToolUseID,
				ToolResultContent:   b.Content,
				ToolResultIsError:   b.IsError,
			})
		}
	}
	return store.MessageContent{Blocks: blocks}, nil
}
