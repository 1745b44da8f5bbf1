package models

import "encoding/json"

// ToolFormat selects how tool invocations are encoded in model output.
// Exactly one format is active per conversation.
type ToolFormat string

const (
	// FormatMarkdown encodes invocations as fenced code blocks.
	FormatMarkdown ToolFormat = "markdown"

	// FormatXML encodes invocations as <tool name="..."> elements.
	FormatXML ToolFormat = "xml"

	// FormatTool routes invocations through the provider's native
	// function-calling API.
	FormatTool ToolFormat = "tool"
)

// Valid reports whether the format is one of the three known formats.
func (f ToolFormat) Valid() bool {
	switch f {
	case FormatMarkdown, FormatXML, FormatTool:
		return true
	}
	return false
}

// ToolUse is a parsed tool invocation. It is derived from assistant message
// content and never stored directly; re-parsing the message reproduces it.
type ToolUse struct {
	Tool    string            `json:"tool"`
	Args    []string          `json:"args,omitempty"`
	Kwargs  map[string]string `json:"kwargs,omitempty"`
	Content string            `json:"content,omitempty"`
	CallID  string            `json:"call_id,omitempty"`
}

// JSONArgs renders kwargs (or content, for schema-less invocations) as a
// JSON object for native tool-call payloads.
func (t *ToolUse) JSONArgs() json.RawMessage {
	if len(t.Kwargs) > 0 {
		b, err := json.Marshal(t.Kwargs)
		if err == nil {
			return b
		}
	}
	b, _ := json.Marshal(map[string]string{"content": t.Content})
	return b
}

// ToolStatus tracks the lifecycle of a pending tool execution.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
	ToolSkipped   ToolStatus = "skipped"
)

// ToolExecution is a session-scoped record of one tool invocation awaiting
// or undergoing execution.
type ToolExecution struct {
	ID          string     `json:"tool_id"`
	Status      ToolStatus `json:"status"`
	ToolUse     ToolUse    `json:"tooluse"`
	AutoConfirm bool       `json:"auto_confirm"`
}
