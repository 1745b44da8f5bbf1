// Package models defines the core data types shared across the gptme
// orchestrator: conversation messages, tool invocations, usage metadata,
// and session events.
package models

import (
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// FileRef is an ordered attachment on a message: either a local filesystem
// path or a URI. A URI has a scheme:// prefix and is never treated as a path.
type FileRef struct {
	Path string `json:"path,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// NewFileRef classifies raw into a path or URI reference.
func NewFileRef(raw string) FileRef {
	if i := strings.Index(raw, "://"); i > 0 {
		return FileRef{URI: raw}
	}
	return FileRef{Path: raw}
}

// IsURI reports whether the reference is a URI rather than a local path.
func (f FileRef) IsURI() bool { return f.URI != "" }

// String returns the underlying path or URI.
func (f FileRef) String() string {
	if f.URI != "" {
		return f.URI
	}
	return f.Path
}

// Usage records token counts and cost for a single provider request.
// Attached to assistant messages as metadata and aggregated by the cost
// tracker.
type Usage struct {
	Model               string  `json:"model,omitempty"`
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int     `json:"cache_creation_tokens,omitempty"`
	Cost                float64 `json:"cost,omitempty"`
}

// Total returns the total token count across all categories.
func (u *Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.Cost += other.Cost
}

// Message is the atomic unit of a conversation log.
//
// Content is never mutated in place; edits produce a new Message. A
// tool-result message carrying CallID must refer to an earlier assistant
// message containing a tool invocation with the same id.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Files is an ordered sequence of attachments (paths or URIs).
	Files []FileRef `json:"files,omitempty"`

	// Pinned messages survive context trimming.
	Pinned bool `json:"pinned,omitempty"`

	// Hide omits the message from terminal display; it is still sent to
	// the model.
	Hide bool `json:"hide,omitempty"`

	// CallID binds a tool-result message to a specific assistant tool
	// invocation.
	CallID string `json:"call_id,omitempty"`

	// Metadata carries usage counts for assistant messages.
	Metadata *Usage `json:"metadata,omitempty"`
}

// NewMessage creates a message with the timestamp set.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// WithFiles returns a copy of the message with the given file references
// attached, classified into paths and URIs.
func (m Message) WithFiles(refs ...string) Message {
	files := make([]FileRef, 0, len(refs))
	for _, r := range refs {
		files = append(files, NewFileRef(r))
	}
	m.Files = files
	return m
}

// WithContent returns a copy of the message with replaced content. The
// original is left untouched.
func (m Message) WithContent(content string) Message {
	m.Content = content
	return m
}

// ThinkStart and ThinkEnd delimit reasoning blocks in message content.
// Native reasoning blocks, provider thinking APIs, and textual think tags
// all round-trip through this sentinel form.
const (
	ThinkStart = "<think>"
	ThinkEnd   = "</think>"
)

// StripThinking removes <think>...</think> blocks from content, returning
// the visible text and the extracted reasoning separately.
func StripThinking(content string) (visible, reasoning string) {
	for {
		start := strings.Index(content, ThinkStart)
		if start < 0 {
			break
		}
		end := strings.Index(content[start:], ThinkEnd)
		if end < 0 {
			// Unterminated block: everything after the marker is reasoning.
			reasoning += content[start+len(ThinkStart):]
			content = content[:start]
			break
		}
		reasoning += content[start+len(ThinkStart) : start+end]
		content = content[:start] + content[start+end+len(ThinkEnd):]
	}
	return strings.TrimSpace(content), strings.TrimSpace(reasoning)
}
