// Package config loads the user config, project config, and environment
// settings, and materializes the provider registry from them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/gptme/gptme/internal/logstore"
)

// PromptSection is the [prompt] table of the user config.
type PromptSection struct {
	AboutUser          string            `toml:"about_user,omitempty"`
	ResponsePreference string            `toml:"response_preference,omitempty"`
	Project            map[string]string `toml:"project,omitempty"`
}

// CustomProvider is one [[providers]] entry: an OpenAI-compatible endpoint
// beyond the built-in families.
type CustomProvider struct {
	Name         string `toml:"name"`
	BaseURL      string `toml:"base_url"`
	APIKey       string `toml:"api_key,omitempty"`
	APIKeyEnv    string `toml:"api_key_env,omitempty"`
	DefaultModel string `toml:"default_model,omitempty"`
}

// Key resolves the provider's API key, preferring the env indirection.
func (p CustomProvider) Key() string {
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	return p.APIKey
}

// UserConfig is ~/.config/gptme/config.toml.
type UserConfig struct {
	Prompt    PromptSection        `toml:"prompt,omitempty"`
	Env       map[string]string    `toml:"env,omitempty"`
	MCP       logstore.MCPSection  `toml:"mcp,omitempty"`
	Providers []CustomProvider     `toml:"providers,omitempty"`
}

// UserConfigPath returns the user config location, honoring
// XDG_CONFIG_HOME.
func UserConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "gptme", "config.toml")
}

// LoadUser reads the user config. A missing file yields an empty config.
func LoadUser() (UserConfig, error) {
	return LoadUserFrom(UserConfigPath())
}

// LoadUserFrom reads a user config from an explicit path.
func LoadUserFrom(path string) (UserConfig, error) {
	var cfg UserConfig
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv exports the [env] table into the process environment without
// overriding variables already set.
func (c UserConfig) ApplyEnv() {
	for k, v := range c.Env {
		if os.Getenv(k) == "" {
			os.Setenv(k, v)
		}
	}
}

// LoadDotenv loads a workspace .env file into the process environment.
// Existing variables win.
func LoadDotenv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// Settings are the env-derived generation knobs.
type Settings struct {
	Temperature      float64
	TopP             float64
	ReasoningBudget  int
	DisableReasoning bool
	TimeoutSeconds   int
	BreakOnToolUse   bool

	// TokenBudget is the session token ceiling; 0 disables budget
	// awareness messages.
	TokenBudget int
}

// SettingsFromEnv reads TEMPERATURE, TOP_P, GPTME_REASONING,
// GPTME_REASONING_BUDGET, LLM_API_TIMEOUT, GPTME_BREAK_ON_TOOLUSE, and
// GPTME_TOKEN_BUDGET.
func SettingsFromEnv() Settings {
	s := Settings{BreakOnToolUse: true}
	if v, err := strconv.ParseFloat(os.Getenv("TEMPERATURE"), 64); err == nil {
		s.Temperature = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("TOP_P"), 64); err == nil {
		s.TopP = v
	}
	if v, err := strconv.Atoi(os.Getenv("GPTME_REASONING_BUDGET")); err == nil {
		s.ReasoningBudget = v
	}
	if v := os.Getenv("GPTME_REASONING"); v != "" && !truthy(v) {
		s.DisableReasoning = true
	}
	if v, err := strconv.Atoi(os.Getenv("LLM_API_TIMEOUT")); err == nil {
		s.TimeoutSeconds = v
	}
	if v := os.Getenv("GPTME_BREAK_ON_TOOLUSE"); v != "" && !truthy(v) {
		s.BreakOnToolUse = false
	}
	if v, err := strconv.Atoi(os.Getenv("GPTME_TOKEN_BUDGET")); err == nil && v > 0 {
		s.TokenBudget = v
	}
	return s
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// LogsHome returns the conversation logs root: GPTME_LOGS_HOME, else
// XDG_DATA_HOME/gptme/logs, else ~/.local/share/gptme/logs.
func LogsHome() string {
	if v := os.Getenv("GPTME_LOGS_HOME"); v != "" {
		return v
	}
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gptme-logs"
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "gptme", "logs")
}
