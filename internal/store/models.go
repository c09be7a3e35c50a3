package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session is one conversation with one AI tool.
type Session struct {
	ID               string
	Tool             string
	ToolVersion      string
	Model            string
	WorkingDirectory string
	GitBranch        string // empty means null
	StartedAt        time.Time
	EndedAt          *time.Time
	SourcePath       string
	MessageCount     int
	MachineID        string
	SyncedAt         *time.Time
}

// Message is one turn within a session.
type Message struct {
	ID        string
	SessionID string
	ParentID  string // empty means null
	Index     int
	Timestamp time.Time
	Role      Role
	Content   MessageContent
	Model     string
	GitBranch string
	Cwd       string
}

// MessageContent is a tagged union: either plain text or an ordered list of
// content blocks. It marshals to the same JSON shape the ingest adapters
// receive, so a content_json column round-trips without translation.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
}

// IsText reports whether the content is the plain-text variant.
func (c MessageContent) IsText() bool { return c.Blocks == nil }

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsText() {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		c.Text = asString
		c.Blocks = nil
		return nil
	}

	var asBlocks []ContentBlock
	if err := json.Unmarshal(data, &asBlocks); err != nil {
		return fmt.Errorf("message content is neither a string nor a block list: %w", err)
	}
	c.Blocks = asBlocks
	c.Text = ""
	return nil
}

// PlainText returns the content rendered as flat text, concatenating block
// text, thinking and tool-result fields in order, each block followed by a
// newline. Used for full-text indexing.
func (c MessageContent) PlainText() string {
	if c.IsText() {
		return c.Text
	}
	var out string
	for _, b := range c.Blocks {
		switch b.Type {
		case ContentBlockText:
			out += b.Text
		case ContentBlockThinking:
			out += b.Thinking
		case ContentBlockToolResult:
			out += b.ToolResultContent
		}
		out += "\n"
	}
	return out
}

// ContentBlockType tags the variant of a ContentBlock.
type ContentBlockType string

const (
	ContentBlockText       ContentBlockType = "text"
	ContentBlockThinking   ContentBlockType = "thinking"
	ContentBlockToolUse    ContentBlockType = "tool_use"
	ContentBlockToolResult ContentBlockType = "tool_result"
)

// ContentBlock is a tagged variant of assistant/tool content.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// Text variant.
	Text string `json:"text,omitempty"`

	// Thinking variant.
	Thinking string `json:"thinking,omitempty"`

	// ToolUse variant.
	ToolUseID    string          `json:"id,omitempty"`
	ToolUseName  string          `json:"name,omitempty"`
	ToolUseInput json.RawMessage `json:"input,omitempty"`

	// ToolResult variant.
	ToolResultToolUseID string `json:"tool_use_id,omitempty"`
	ToolResultContent   string `json:"content,omitempty"`
	ToolResultIsError   bool   `json:"is_error,omitempty"`
}

// Annotation is a user-added note on a session.
type Annotation struct {
	ID        string
	SessionID string
	Content   string
	CreatedAt time.Time
}

// Summary is a derived text blob per session.
type Summary struct {
	SessionID string
	Content   string
	CreatedAt time.Time
}

// Tag is a label on a session.
type Tag struct {
	SessionID string
	Label     string
}

// LinkCreator distinguishes who created a SessionLink.
type LinkCreator string

const (
	CreatedByUser LinkCreator = "user"
	CreatedByAuto LinkCreator = "auto"
)

// LinkType is the kind of external object a SessionLink points at.
type LinkType string

const (
	LinkTypeCommit LinkType = "commit"
)

// SessionLink correlates a session to an external object (currently, a git
// commit).
type SessionLink struct {
	ID         string
	SessionID  string
	LinkType   LinkType
	CommitSHA  string
	Branch     string
	Remote     string
	CreatedAt  time.Time
	CreatedBy  LinkCreator
	Confidence *float64 // required when CreatedBy == CreatedByAuto
}
