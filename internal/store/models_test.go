package store

import (
	"encoding/json"
	"testing"
)

func TestMessageContentTextRoundTrip(t *testing.T) {
	c := MessageContent{Text: "hello world"}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"hello world"` {
		t.Fatalf("Marshal = %s, want plain JSON string", data)
	}

	var decoded MessageContent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.IsText() || decoded.Text != "hello world" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestMessageContentBlocksRoundTrip(t *testing.T) {
	c := MessageContent{Blocks: []ContentBlock{
		{Type: ContentBlockThinking, Thinking: "let me think"},
		{Type: ContentBlockToolResult, ToolResultToolUseID: "tu1", ToolResultContent: "ok", ToolResultIsError: false},
	}}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded MessageContent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.IsText() {
		t.Fatal("expected block content")
	}
	if len(decoded.Blocks) != 2 || decoded.Blocks[0].Thinking != "let me think" {
		t.Fatalf("decoded = %+v", decoded.Blocks)
	}
}

func TestMessageContentPlainText(t *testing.T) {
	c := MessageContent{Blocks: []ContentBlock{
		{Type: ContentBlockText, Text: "first"},
		{Type: ContentBlockThinking, Thinking: "second"},
	}}
	got := c.PlainText()
	if got != "first\nsecond\n" {
		t.Fatalf("PlainText() = %q", got)
	}
}
