package models

// EventType discriminates session event payloads on the SSE stream.
type EventType string

const (
	// EventConnected is sent once when a client subscribes.
	EventConnected EventType = "connected"

	// EventPing is the periodic keepalive frame.
	EventPing EventType = "ping"

	// EventGenerationStarted signals a model call has begun.
	EventGenerationStarted EventType = "generation_started"

	// EventGenerationProgress carries one streamed token.
	EventGenerationProgress EventType = "generation_progress"

	// EventGenerationComplete carries the finalized, persisted assistant
	// message.
	EventGenerationComplete EventType = "generation_complete"

	// EventMessageAdded carries any non-assistant message appended to the
	// log (tool output, hook output, system).
	EventMessageAdded EventType = "message_added"

	// EventToolPending signals a tool invocation awaiting confirmation.
	EventToolPending EventType = "tool_pending"

	// EventToolExecuting signals tool execution has begun.
	EventToolExecuting EventType = "tool_executing"

	// EventConfigChanged signals a chat config update (including
	// auto-naming).
	EventConfigChanged EventType = "config_changed"

	// EventInterrupted signals generation or tool execution was cancelled.
	EventInterrupted EventType = "interrupted"

	// EventError carries an unrecoverable error from the step worker.
	EventError EventType = "error"
)

// Event is one entry on a session's event queue. Fields are populated
// according to Type; unset fields are omitted from the wire encoding.
type Event struct {
	Type EventType `json:"type"`

	SessionID string `json:"session_id,omitempty"` // connected
	Token     string `json:"token,omitempty"`      // generation_progress
	Message   *Message `json:"message,omitempty"`  // generation_complete, message_added

	ToolID      string   `json:"tool_id,omitempty"`      // tool_pending, tool_executing
	ToolUse     *ToolUse `json:"tooluse,omitempty"`      // tool_pending
	AutoConfirm bool     `json:"auto_confirm,omitempty"` // tool_pending

	Config        map[string]any `json:"config,omitempty"`         // config_changed
	ChangedFields []string       `json:"changed_fields,omitempty"` // config_changed

	Error string `json:"error,omitempty"` // error
}
