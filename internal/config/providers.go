package config

import (
	"errors"
	"log/slog"
	"os"

	"github.com/gptme/gptme/internal/llm"
	"github.com/gptme/gptme/internal/llm/anthropic"
	"github.com/gptme/gptme/internal/llm/openaichat"
)

// ErrNoProviders is returned when no API key is present for any provider.
var ErrNoProviders = errors.New("config: no provider configured; set ANTHROPIC_API_KEY, OPENAI_API_KEY, or another provider key")

// providerEnvKeys maps built-in OpenAI-compatible providers to their key
// variables, in default-model preference order (after anthropic/openai).
var providerEnvKeys = []struct {
	name   string
	envKey string
}{
	{"openrouter", "OPENROUTER_API_KEY"},
	{"gemini", "GEMINI_API_KEY"},
	{"groq", "GROQ_API_KEY"},
	{"xai", "XAI_API_KEY"},
	{"deepseek", "DEEPSEEK_API_KEY"},
}

// InitRegistry builds the provider registry from the environment and the
// user config's [[providers]] entries, and picks a default model from the
// first configured provider.
func InitRegistry(user UserConfig, logger *slog.Logger) (*llm.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry := llm.NewRegistry()
	var order []string

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := anthropic.New(anthropic.Config{APIKey: key, Logger: logger})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
		order = append(order, "anthropic")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := openaichat.New(openaichat.Config{Provider: "openai", APIKey: key, Logger: logger})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
		order = append(order, "openai")
	}
	if base := os.Getenv("AZURE_OPENAI_ENDPOINT"); base != "" {
		if key := os.Getenv("AZURE_OPENAI_API_KEY"); key != "" {
			p, err := openaichat.New(openaichat.Config{Provider: "azure", APIKey: key, BaseURL: base, Logger: logger})
			if err != nil {
				return nil, err
			}
			registry.Register(p)
			order = append(order, "azure")
		}
	}
	for _, entry := range providerEnvKeys {
		key := os.Getenv(entry.envKey)
		if key == "" {
			continue
		}
		p, err := openaichat.New(openaichat.Config{Provider: entry.name, APIKey: key, Logger: logger})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
		order = append(order, entry.name)
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			key = "local"
		}
		p, err := openaichat.New(openaichat.Config{Provider: "local", APIKey: key, BaseURL: base, Logger: logger})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
		order = append(order, "local")
	}
	// A unified proxy fronts every family behind one endpoint.
	if base := os.Getenv("LLM_PROXY_URL"); base != "" {
		key := os.Getenv("LLM_PROXY_API_KEY")
		if key == "" {
			key = "proxy"
		}
		p, err := openaichat.New(openaichat.Config{Provider: "proxy", APIKey: key, BaseURL: base, Logger: logger})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
		order = append(order, "proxy")
	}

	for _, custom := range user.Providers {
		key := custom.Key()
		if custom.Name == "" || custom.BaseURL == "" || key == "" {
			logger.Warn("skipping incomplete custom provider", "name", custom.Name)
			continue
		}
		p, err := openaichat.New(openaichat.Config{Provider: custom.Name, APIKey: key, BaseURL: custom.BaseURL, Logger: logger})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
		if custom.DefaultModel != "" && len(order) == 0 {
			registry.SetDefaultModel(custom.Name + "/" + custom.DefaultModel)
		}
		order = append(order, custom.Name)
	}

	if len(order) == 0 {
		return nil, ErrNoProviders
	}
	if registry.DefaultModel() == "" {
		for _, name := range order {
			if rec := llm.RecommendedModel(name); rec != "" {
				registry.SetDefaultModel(name + "/" + rec)
				break
			}
		}
	}
	return registry, nil
}
