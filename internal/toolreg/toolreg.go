// Package toolreg holds tool specifications and the unified invocation
// parser. Tools register at startup (or dynamically, for MCP servers), an
// allowlist narrows the active set per conversation, and the parser lifts
// ToolUse records out of assistant output in any of the three formats.
package toolreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gptme/gptme/internal/llm"
	"github.com/gptme/gptme/pkg/models"
)

// ConfirmFunc asks for permission before a tool runs. Implementations range
// from always-true to interactive prompts to the server's asynchronous
// confirm round-trip.
type ConfirmFunc func(prompt string) bool

// ExecuteFunc runs one parsed invocation and returns the result messages.
// The first message summarizes the action; implementations should honor ctx
// cancellation between substeps.
type ExecuteFunc func(ctx context.Context, tu *models.ToolUse, confirm ConfirmFunc) ([]models.Message, error)

// ToolSpec is an immutable tool registration.
type ToolSpec struct {
	Name         string
	Description  string
	Instructions string

	// Parameters is the JSON schema for native function calling; nil for
	// content-only tools.
	Parameters json.RawMessage

	// BlockTypes are the aliases under which the tool appears as a
	// markdown fence tag or xml name. The tool name itself is always an
	// alias.
	BlockTypes []string

	Execute ExecuteFunc

	// Available reports whether the tool can run in this environment; nil
	// means always available.
	Available func() bool

	// IsMCP marks tools registered from an MCP server connection.
	IsMCP bool
}

// ErrNotRegistered is returned when a tool name cannot be resolved.
var ErrNotRegistered = errors.New("toolreg: tool not registered")

// Registry maps tool names and aliases to specs.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*ToolSpec
	aliases map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*ToolSpec),
		aliases: make(map[string]string),
	}
}

// Register adds a tool. Re-registering a name replaces the previous spec.
func (r *Registry) Register(spec *ToolSpec) error {
	if spec.Name == "" {
		return errors.New("toolreg: tool name is required")
	}
	if spec.Available != nil && !spec.Available() {
		return fmt.Errorf("toolreg: tool %q unavailable in this environment", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec
	r.aliases[spec.Name] = spec.Name
	for _, alias := range spec.BlockTypes {
		r.aliases[alias] = spec.Name
	}
	return nil
}

// Unregister removes a tool and its aliases. MCP server unload calls this
// for every tool the server contributed.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.tools[name]
	if !ok {
		return
	}
	delete(r.tools, name)
	delete(r.aliases, name)
	for _, alias := range spec.BlockTypes {
		if r.aliases[alias] == name {
			delete(r.aliases, alias)
		}
	}
}

// Get returns the spec for a tool name.
func (r *Registry) Get(name string) (*ToolSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return spec, nil
}

// Resolve maps a block tag or alias to its tool spec.
func (r *Registry) Resolve(alias string) (*ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.aliases[alias]
	if !ok {
		return nil, false
	}
	spec, ok := r.tools[name]
	return spec, ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subset returns a registry restricted to an allowlist. Unknown names are
// ignored. An empty allowlist returns the registry unchanged.
func (r *Registry) Subset(allowlist []string) *Registry {
	if len(allowlist) == 0 {
		return r
	}
	sub := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range allowlist {
		if spec, ok := r.tools[name]; ok {
			sub.tools[spec.Name] = spec
			sub.aliases[spec.Name] = spec.Name
			for _, alias := range spec.BlockTypes {
				sub.aliases[alias] = spec.Name
			}
		}
	}
	return sub
}

// ToolDefs renders the active set as provider-facing tool definitions for
// native function calling.
func (r *Registry) ToolDefs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDef, 0, len(names))
	for _, name := range names {
		spec := r.tools[name]
		params := spec.Parameters
		if params == nil {
			params = json.RawMessage(`{"type":"object","properties":{"content":{"type":"string"}}}`)
		}
		defs = append(defs, llm.ToolDef{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  params,
		})
	}
	return defs
}

// Instructions renders the per-tool usage instructions included in the
// system prompt, in the conversation's active format.
func (r *Registry) Instructions(format models.ToolFormat) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		spec := r.tools[name]
		fmt.Fprintf(&b, "## %s\n\n%s\n", spec.Name, spec.Description)
		if spec.Instructions != "" {
			b.WriteString("\n" + spec.Instructions + "\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

var schemaCache sync.Map

// ValidateArgs checks native-format tool arguments against the tool's JSON
// schema. Tools without a schema accept anything.
func ValidateArgs(spec *ToolSpec, args json.RawMessage) error {
	if spec.Parameters == nil {
		return nil
	}
	schema, err := compileSchema(spec.Parameters)
	if err != nil {
		return fmt.Errorf("toolreg: compile schema for %s: %w", spec.Name, err)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("toolreg: decode args for %s: %w", spec.Name, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("toolreg: invalid args for %s: %w", spec.Name, err)
	}
	return nil
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
