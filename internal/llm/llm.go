// Package llm defines the provider abstraction: a uniform chat/stream
// interface over heterogeneous LLM wire protocols, model metadata with
// pricing, and provider/model resolution.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gptme/gptme/pkg/models"
)

// ToolDef is a provider-facing tool definition for native function calling.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a normalized completion request. Messages are already prepared
// (files materialized, trimming applied) before reaching an adapter.
type Request struct {
	Model    ModelMeta
	Messages []models.Message

	// Tools enables native function calling when the conversation's tool
	// format is "tool"; empty otherwise.
	Tools []ToolDef

	// MaxTokens caps the response length; 0 uses the model's maximum.
	MaxTokens int

	// ReasoningBudget is the thinking token budget for reasoning-capable
	// models. 0 uses the default budget.
	ReasoningBudget int

	// DisableReasoning suppresses thinking blocks even on capable models.
	DisableReasoning bool

	Temperature float64
	TopP        float64
}

// StreamChunk is one item on a streaming response. Exactly one of Token,
// Err, or Done-with-Usage is meaningful per chunk.
//
// Tool-call fragments from native function calling are flattened into the
// token stream behind a synthetic "\n@<name>(<call_id>): " marker followed
// by the JSON argument fragments, so the downstream parser is
// format-agnostic. Reasoning fragments are bracketed by <think> markers.
type StreamChunk struct {
	Token string
	Done  bool
	Usage *models.Usage
	Err   error
}

// Provider is the two-method capability set every adapter implements.
//
// Implementations must be safe for concurrent use; each Stream call owns an
// independent goroutine and channel.
type Provider interface {
	// Chat performs a non-streaming completion.
	Chat(ctx context.Context, req *Request) (string, *models.Usage, error)

	// Stream performs a streaming completion. The channel is closed after
	// a final chunk carrying Done and Usage (or Err).
	Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// ErrUnknownModel is returned when a model string cannot be resolved.
var ErrUnknownModel = errors.New("llm: unknown model")

// ErrNoProvider is returned when no provider is configured for a model.
var ErrNoProvider = errors.New("llm: provider not configured")

// Registry holds configured providers and resolves qualified model strings.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defModel  string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// SetDefaultModel sets the model used when requests do not specify one.
func (r *Registry) SetDefaultModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defModel = model
}

// DefaultModel returns the configured default model string.
func (r *Registry) DefaultModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defModel
}

// Providers returns the names of all registered providers.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Resolve parses a model string and returns the provider and metadata.
// The string is qualified as "provider/model"; a bare provider name
// resolves to that provider's recommended model. An empty string resolves
// to the registry default.
func (r *Registry) Resolve(model string) (Provider, ModelMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if model == "" {
		model = r.defModel
	}
	if model == "" {
		return nil, ModelMeta{}, fmt.Errorf("%w: no model specified and no default", ErrUnknownModel)
	}

	providerName := model
	modelName := ""
	if i := strings.Index(model, "/"); i >= 0 {
		providerName = model[:i]
		modelName = model[i+1:]
	}
	if modelName == "" {
		modelName = RecommendedModel(providerName)
		if modelName == "" {
			return nil, ModelMeta{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
		}
	}

	p, ok := r.providers[providerName]
	if !ok {
		return nil, ModelMeta{}, fmt.Errorf("%w: %q", ErrNoProvider, providerName)
	}
	return p, Lookup(providerName, modelName), nil
}
