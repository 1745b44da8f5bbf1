package logstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const chatConfigName = "config.toml"

// ChatConfig is the per-conversation configuration stored as config.toml in
// the log directory.
type ChatConfig struct {
	Chat ChatSection       `toml:"chat"`
	Env  map[string]string `toml:"env,omitempty"`
	MCP  MCPSection        `toml:"mcp,omitempty"`
}

// ChatSection holds the [chat] table.
type ChatSection struct {
	Name        string   `toml:"name,omitempty"`
	Model       string   `toml:"model,omitempty"`
	Tools       []string `toml:"tools,omitempty"`
	ToolFormat  string   `toml:"tool_format,omitempty"`
	Stream      bool     `toml:"stream"`
	Interactive bool     `toml:"interactive"`
	Workspace   string   `toml:"workspace,omitempty"`
}

// MCPSection holds the [mcp] table.
type MCPSection struct {
	Servers []MCPServer `toml:"servers,omitempty"`
}

// MCPServer describes one MCP server: stdio (command) or HTTP (url).
type MCPServer struct {
	Name    string            `toml:"name"`
	Enabled bool              `toml:"enabled"`
	Command string            `toml:"command,omitempty"`
	Args    []string          `toml:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty"`
	URL     string            `toml:"url,omitempty"`
	Headers map[string]string `toml:"headers,omitempty"`
}

// DefaultChatConfig returns a chat config with streaming and interactivity
// enabled and the markdown tool format.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		Chat: ChatSection{
			ToolFormat:  "markdown",
			Stream:      true,
			Interactive: true,
		},
	}
}

// LoadChatConfig reads config.toml from a conversation directory. A missing
// file yields the default config.
func LoadChatConfig(dir string) (ChatConfig, error) {
	cfg := DefaultChatConfig()
	path := filepath.Join(dir, chatConfigName)
	if _, err := os.Stat(path); err != nil {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("logstore: decode %s: %w", chatConfigName, err)
	}
	if cfg.Chat.ToolFormat == "" {
		cfg.Chat.ToolFormat = "markdown"
	}
	return cfg, nil
}

// SaveChatConfig writes config.toml atomically.
func SaveChatConfig(dir string, cfg ChatConfig) error {
	path := filepath.Join(dir, chatConfigName)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("logstore: save %s: %w", chatConfigName, err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		_ = f.Close()
		return fmt.Errorf("logstore: encode %s: %w", chatConfigName, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("logstore: save %s: %w", chatConfigName, err)
	}
	return os.Rename(tmp, path)
}
