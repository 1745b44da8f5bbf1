package llm

import (
	"strings"

	"github.com/gptme/gptme/pkg/models"
)

// ModelMeta is immutable metadata for one provider model.
type ModelMeta struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	ContextWindow     int     `json:"context_window"`
	MaxOutput         int     `json:"max_output"`
	SupportsStreaming bool    `json:"supports_streaming"`
	SupportsVision    bool    `json:"supports_vision"`
	SupportsReasoning bool    `json:"supports_reasoning"`
	PriceInput        float64 `json:"price_input"`  // USD per million input tokens
	PriceOutput       float64 `json:"price_output"` // USD per million output tokens
}

// FullName returns the qualified provider/model string.
func (m ModelMeta) FullName() string { return m.Provider + "/" + m.Model }

// Cost computes the request cost in USD from usage counts.
//
// Anthropic prices cache writes at 1.25x input and cache reads at 0.1x
// output; the OpenAI family prices cache reads at 0.5x output.
func (m ModelMeta) Cost(u *models.Usage) float64 {
	if u == nil {
		return 0
	}
	cost := float64(u.InputTokens)*m.PriceInput + float64(u.OutputTokens)*m.PriceOutput
	if m.Provider == "anthropic" {
		cost += float64(u.CacheCreationTokens) * m.PriceInput * 1.25
		cost += float64(u.CacheReadTokens) * m.PriceOutput * 0.1
	} else {
		cost += float64(u.CacheReadTokens) * m.PriceOutput * 0.5
	}
	return cost / 1_000_000
}

// reasoningModelPrefixes flags model families that only accept developer/user
// roles and need system messages demoted.
var reasoningModelPrefixes = []string{
	"o1", "o3", "o4", "gpt-5", "deepseek-reasoner", "kimi", "magistral",
}

// IsReasoningModel reports whether the model is reasoning-only: flagged in
// metadata or matching a known reasoning family prefix.
func (m ModelMeta) IsReasoningModel() bool {
	if m.SupportsReasoning {
		return true
	}
	name := strings.ToLower(m.Model)
	for _, prefix := range reasoningModelPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// knownModels is the built-in model metadata table, keyed provider→model.
var knownModels = map[string]map[string]ModelMeta{
	"anthropic": {
		"claude-sonnet-4-20250514": {
			Provider: "anthropic", Model: "claude-sonnet-4-20250514",
			ContextWindow: 200_000, MaxOutput: 64_000,
			SupportsStreaming: true, SupportsVision: true, SupportsReasoning: true,
			PriceInput: 3, PriceOutput: 15,
		},
		"claude-opus-4-20250514": {
			Provider: "anthropic", Model: "claude-opus-4-20250514",
			ContextWindow: 200_000, MaxOutput: 32_000,
			SupportsStreaming: true, SupportsVision: true, SupportsReasoning: true,
			PriceInput: 15, PriceOutput: 75,
		},
		"claude-3-5-haiku-20241022": {
			Provider: "anthropic", Model: "claude-3-5-haiku-20241022",
			ContextWindow: 200_000, MaxOutput: 8_192,
			SupportsStreaming: true, SupportsVision: true,
			PriceInput: 0.8, PriceOutput: 4,
		},
	},
	"openai": {
		"gpt-4o": {
			Provider: "openai", Model: "gpt-4o",
			ContextWindow: 128_000, MaxOutput: 16_384,
			SupportsStreaming: true, SupportsVision: true,
			PriceInput: 2.5, PriceOutput: 10,
		},
		"gpt-4o-mini": {
			Provider: "openai", Model: "gpt-4o-mini",
			ContextWindow: 128_000, MaxOutput: 16_384,
			SupportsStreaming: true, SupportsVision: true,
			PriceInput: 0.15, PriceOutput: 0.6,
		},
		"o3-mini": {
			Provider: "openai", Model: "o3-mini",
			ContextWindow: 200_000, MaxOutput: 100_000,
			SupportsStreaming: true, SupportsReasoning: true,
			PriceInput: 1.1, PriceOutput: 4.4,
		},
	},
	"openrouter": {
		"anthropic/claude-sonnet-4": {
			Provider: "openrouter", Model: "anthropic/claude-sonnet-4",
			ContextWindow: 200_000, MaxOutput: 64_000,
			SupportsStreaming: true, SupportsVision: true,
			PriceInput: 3, PriceOutput: 15,
		},
	},
	"deepseek": {
		"deepseek-chat": {
			Provider: "deepseek", Model: "deepseek-chat",
			ContextWindow: 64_000, MaxOutput: 8_192,
			SupportsStreaming: true,
			PriceInput: 0.27, PriceOutput: 1.1,
		},
		"deepseek-reasoner": {
			Provider: "deepseek", Model: "deepseek-reasoner",
			ContextWindow: 64_000, MaxOutput: 8_192,
			SupportsStreaming: true, SupportsReasoning: true,
			PriceInput: 0.55, PriceOutput: 2.19,
		},
	},
	"groq": {
		"llama-3.3-70b-versatile": {
			Provider: "groq", Model: "llama-3.3-70b-versatile",
			ContextWindow: 128_000, MaxOutput: 32_768,
			SupportsStreaming: true,
			PriceInput: 0.59, PriceOutput: 0.79,
		},
	},
	"xai": {
		"grok-3": {
			Provider: "xai", Model: "grok-3",
			ContextWindow: 131_072, MaxOutput: 16_384,
			SupportsStreaming: true,
			PriceInput: 3, PriceOutput: 15,
		},
	},
	"gemini": {
		"gemini-2.0-flash": {
			Provider: "gemini", Model: "gemini-2.0-flash",
			ContextWindow: 1_000_000, MaxOutput: 8_192,
			SupportsStreaming: true, SupportsVision: true,
			PriceInput: 0.1, PriceOutput: 0.4,
		},
	},
}

// recommendedModels maps a bare provider name to its recommended model.
var recommendedModels = map[string]string{
	"anthropic":  "claude-sonnet-4-20250514",
	"openai":     "gpt-4o",
	"openrouter": "anthropic/claude-sonnet-4",
	"deepseek":   "deepseek-chat",
	"groq":       "llama-3.3-70b-versatile",
	"xai":        "grok-3",
	"gemini":     "gemini-2.0-flash",
	"azure":      "gpt-4o",
	"nvidia":     "meta/llama-3.3-70b-instruct",
	"local":      "local",
}

// summaryModels maps a provider to its cheap summary/naming model.
var summaryModels = map[string]string{
	"anthropic": "claude-3-5-haiku-20241022",
	"openai":    "gpt-4o-mini",
	"deepseek":  "deepseek-chat",
}

// RecommendedModel returns the recommended model for a bare provider name.
func RecommendedModel(provider string) string {
	return recommendedModels[provider]
}

// SummaryModel returns the cheap summary model for a provider, falling back
// to the provider's recommended model.
func SummaryModel(provider string) string {
	if m, ok := summaryModels[provider]; ok {
		return m
	}
	return RecommendedModel(provider)
}

// Lookup returns metadata for a provider/model pair. Unknown models get
// conservative defaults so user-configured endpoints still work.
func Lookup(provider, model string) ModelMeta {
	if byModel, ok := knownModels[provider]; ok {
		if meta, ok := byModel[model]; ok {
			return meta
		}
	}
	return ModelMeta{
		Provider:          provider,
		Model:             model,
		ContextWindow:     128_000,
		MaxOutput:         4_096,
		SupportsStreaming: true,
	}
}
