package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/gptme/gptme/internal/logstore"
)

// ProjectConfig is gptme.toml at the workspace root (or .github/gptme.toml).
type ProjectConfig struct {
	// BasePrompt replaces the built-in base prompt entirely.
	BasePrompt string `toml:"base_prompt,omitempty"`

	// Prompt is appended project context.
	Prompt string `toml:"prompt,omitempty"`

	// Files are glob patterns for files to include as initial context.
	Files []string `toml:"files,omitempty"`

	// ContextCmd runs at session start; its output becomes context.
	ContextCmd string `toml:"context_cmd,omitempty"`

	RAG   map[string]any      `toml:"rag,omitempty"`
	Env   map[string]string   `toml:"env,omitempty"`
	MCP   logstore.MCPSection `toml:"mcp,omitempty"`
	Agent AgentSection        `toml:"agent,omitempty"`
}

// AgentSection holds the [agent] table.
type AgentSection struct {
	Name string `toml:"name,omitempty"`
}

// LoadProject reads the project config from a workspace, checking
// gptme.toml then .github/gptme.toml. A missing file yields an empty
// config.
func LoadProject(workspace string) (ProjectConfig, error) {
	var cfg ProjectConfig
	if workspace == "" {
		return cfg, nil
	}
	for _, candidate := range []string{
		filepath.Join(workspace, "gptme.toml"),
		filepath.Join(workspace, ".github", "gptme.toml"),
	} {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if _, err := toml.DecodeFile(candidate, &cfg); err != nil {
			return cfg, fmt.Errorf("config: decode %s: %w", candidate, err)
		}
		return cfg, nil
	}
	return cfg, nil
}

// ContextFiles expands the Files globs relative to the workspace.
func (p ProjectConfig) ContextFiles(workspace string) []string {
	var out []string
	for _, pattern := range p.Files {
		matches, err := filepath.Glob(filepath.Join(workspace, pattern))
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	return out
}

// RunContextCmd executes context_cmd in the workspace and returns its
// output trimmed.
func (p ProjectConfig) RunContextCmd(workspace string) (string, error) {
	if p.ContextCmd == "" {
		return "", nil
	}
	cmd := exec.Command("sh", "-c", p.ContextCmd)
	cmd.Dir = workspace
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("config: context_cmd: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
