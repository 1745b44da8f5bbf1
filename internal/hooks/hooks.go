// Package hooks provides the typed publish/subscribe bus for conversation
// lifecycle events. Handlers run in priority order and may yield messages
// that the step engine appends to the conversation.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gptme/gptme/pkg/models"
)

// Type identifies a hook point. The set is closed; handlers registering an
// unknown type are rejected.
type Type string

const (
	SessionStart       Type = "SESSION_START"
	SessionEnd         Type = "SESSION_END"
	MessagePreProcess  Type = "MESSAGE_PRE_PROCESS"
	MessagePostProcess Type = "MESSAGE_POST_PROCESS"
	GenerationPre      Type = "GENERATION_PRE"
	GenerationPost     Type = "GENERATION_POST"
	ToolPreExecute     Type = "TOOL_PRE_EXECUTE"
	ToolPostExecute    Type = "TOOL_POST_EXECUTE"
	LoopContinue       Type = "LOOP_CONTINUE"
)

var knownTypes = map[Type]bool{
	SessionStart: true, SessionEnd: true,
	MessagePreProcess: true, MessagePostProcess: true,
	GenerationPre: true, GenerationPost: true,
	ToolPreExecute: true, ToolPostExecute: true,
	LoopContinue: true,
}

// ErrStopPropagation halts further handlers for the current trigger.
// Messages returned alongside it are still collected.
var ErrStopPropagation = errors.New("hooks: stop propagation")

// ErrSessionComplete terminates the chat loop cleanly. Autonomous-mode
// termination conditions raise it from LOOP_CONTINUE handlers.
var ErrSessionComplete = errors.New("hooks: session complete")

// Context is the typed payload passed to handlers. Fields are set per hook
// type; unset fields are nil.
type Context struct {
	ConversationID string
	Message        *models.Message
	ToolUse        *models.ToolUse
	Usage          *models.Usage

	// Extra carries hook-specific values (e.g. the generation output for
	// GENERATION_POST).
	Extra map[string]any
}

// Handler processes one hook trigger and may yield messages.
type Handler func(ctx context.Context, hc *Context) ([]models.Message, error)

// Priority orders handlers; higher runs first.
type Priority int

const (
	PriorityLow    Priority = -10
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

type registration struct {
	id       string
	hookType Type
	name     string
	priority Priority
	handler  Handler
}

// Option configures a registration.
type Option func(*registration)

// WithPriority sets the handler priority.
func WithPriority(p Priority) Option {
	return func(r *registration) { r.priority = p }
}

// WithName names the handler for logging.
func WithName(name string) Option {
	return func(r *registration) { r.name = name }
}

// Registry dispatches hook triggers to registered handlers. Read-mostly
// after startup; safe for concurrent sessions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type][]*registration
	byID     map[string]*registration
	logger   *slog.Logger
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[Type][]*registration),
		byID:     make(map[string]*registration),
		logger:   logger.With("component", "hooks"),
	}
}

// Register adds a handler and returns its registration id.
func (r *Registry) Register(hookType Type, handler Handler, opts ...Option) (string, error) {
	if !knownTypes[hookType] {
		return "", fmt.Errorf("hooks: unknown hook type %q", hookType)
	}
	reg := &registration{
		id:       uuid.New().String(),
		hookType: hookType,
		priority: PriorityNormal,
		handler:  handler,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[hookType] = append(r.handlers[hookType], reg)
	sort.SliceStable(r.handlers[hookType], func(i, j int) bool {
		return r.handlers[hookType][i].priority > r.handlers[hookType][j].priority
	})
	r.byID[reg.id] = reg

	r.logger.Debug("registered hook", "type", hookType, "name", reg.name, "priority", reg.priority)
	return reg.id, nil
}

// Unregister removes a handler by registration id.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	handlers := r.handlers[reg.hookType]
	for i, h := range handlers {
		if h.id == id {
			r.handlers[reg.hookType] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return true
}

// Trigger runs all handlers for a hook type in priority order and collects
// the messages they yield. ErrStopPropagation halts the chain without
// becoming an error; ErrSessionComplete and any other error propagate.
func (r *Registry) Trigger(ctx context.Context, hookType Type, hc *Context) ([]models.Message, error) {
	r.mu.RLock()
	handlers := make([]*registration, len(r.handlers[hookType]))
	copy(handlers, r.handlers[hookType])
	r.mu.RUnlock()

	if hc == nil {
		hc = &Context{}
	}

	var collected []models.Message
	for _, reg := range handlers {
		msgs, err := reg.handler(ctx, hc)
		collected = append(collected, msgs...)
		if err != nil {
			if errors.Is(err, ErrStopPropagation) {
				r.logger.Debug("hook stopped propagation", "type", hookType, "name", reg.name)
				break
			}
			if errors.Is(err, ErrSessionComplete) {
				return collected, err
			}
			return collected, fmt.Errorf("hooks: %s handler %q: %w", hookType, reg.name, err)
		}
	}
	return collected, nil
}
