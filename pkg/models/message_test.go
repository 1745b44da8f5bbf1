package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileRef(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantURI bool
	}{
		{"local path", "/tmp/notes.txt", false},
		{"relative path", "src/main.go", false},
		{"https uri", "https://example.com/doc.pdf", true},
		{"file uri", "file:///tmp/x", true},
		{"windows-ish path", "C:/Users/x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := NewFileRef(tt.raw)
			assert.Equal(t, tt.wantURI, ref.IsURI())
			assert.Equal(t, tt.raw, ref.String())
		})
	}
}

func TestMessageImmutability(t *testing.T) {
	orig := NewUserMessage("hello")
	edited := orig.WithContent("goodbye")

	assert.Equal(t, "hello", orig.Content)
	assert.Equal(t, "goodbye", edited.Content)
}

func TestUsageTotalAndAdd(t *testing.T) {
	u := Usage{InputTokens: 100, OutputTokens: 50, CacheReadTokens: 20, CacheCreationTokens: 30}
	assert.Equal(t, 200, u.Total())

	u.Add(&Usage{InputTokens: 1, OutputTokens: 2, Cost: 0.5})
	assert.Equal(t, 101, u.InputTokens)
	assert.Equal(t, 52, u.OutputTokens)
	assert.Equal(t, 0.5, u.Cost)
}

func TestStripThinking(t *testing.T) {
	tests := []struct {
		name          string
		content       string
		wantVisible   string
		wantReasoning string
	}{
		{"no block", "plain text", "plain text", ""},
		{"single block", "<think>hmm</think>answer", "answer", "hmm"},
		{"interleaved", "a <think>x</think> b <think>y</think> c", "a  b  c", "xy"},
		{"unterminated", "a <think>still going", "a", "still going"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visible, reasoning := StripThinking(tt.content)
			assert.Equal(t, tt.wantVisible, visible)
			assert.Equal(t, tt.wantReasoning, reasoning)
		})
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := NewMessage(RoleAssistant, "done").WithFiles("/tmp/out.txt", "https://example.com/a")
	msg.CallID = "call_1"
	msg.Metadata = &Usage{Model: "anthropic/claude-sonnet-4-20250514", InputTokens: 10, OutputTokens: 5}

	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, msg.Role, back.Role)
	assert.Equal(t, msg.CallID, back.CallID)
	require.Len(t, back.Files, 2)
	assert.False(t, back.Files[0].IsURI())
	assert.True(t, back.Files[1].IsURI())
	assert.Equal(t, 10, back.Metadata.InputTokens)
}

func TestToolUseJSONArgs(t *testing.T) {
	tu := ToolUse{Tool: "shell", Kwargs: map[string]string{"command": "ls"}}
	var m map[string]string
	require.NoError(t, json.Unmarshal(tu.JSONArgs(), &m))
	assert.Equal(t, "ls", m["command"])

	tu = ToolUse{Tool: "shell", Content: "ls -la"}
	require.NoError(t, json.Unmarshal(tu.JSONArgs(), &m))
	assert.Equal(t, "ls -la", m["content"])
}
