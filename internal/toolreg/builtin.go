package toolreg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gptme/gptme/pkg/models"
)

// maxShellOutput caps shell output fed back to the model; the middle is
// elided when exceeded.
const maxShellOutput = 64000

// RegisterBuiltins registers the built-in shell and save tools, rooted at
// workspace. Richer tool implementations (editors, browsers, MCP bridges)
// plug in through the same ToolSpec contract.
func RegisterBuiltins(reg *Registry, workspace string) error {
	if err := reg.Register(ShellTool(workspace)); err != nil {
		return err
	}
	return reg.Register(SaveTool(workspace))
}

// ShellTool runs commands through the system shell in the workspace.
func ShellTool(workspace string) *ToolSpec {
	return &ToolSpec{
		Name:        "shell",
		Description: "Run a command in the system shell and return its output.",
		Instructions: "Use a code block with the `shell` tag:\n\n" +
			"```shell\nls -la\n```",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The shell command to run"}
			},
			"required": ["command"]
		}`),
		BlockTypes: []string{"shell", "bash", "sh"},
		Execute: func(ctx context.Context, tu *models.ToolUse, confirm ConfirmFunc) ([]models.Message, error) {
			command := tu.Content
			if c, ok := tu.Kwargs["command"]; ok && c != "" {
				command = c
			}
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, fmt.Errorf("shell: empty command")
			}
			if !confirm("Run command?\n\n" + command) {
				return []models.Message{models.NewSystemMessage("Command not run: user denied.")}, nil
			}

			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = workspace
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			runErr := cmd.Run()

			var b strings.Builder
			fmt.Fprintf(&b, "Ran command: `%s`\n", command)
			if out := strings.TrimRight(stdout.String(), "\n"); out != "" {
				fmt.Fprintf(&b, "\n```stdout\n%s\n```\n", truncateMiddle(out, maxShellOutput))
			}
			if errOut := strings.TrimRight(stderr.String(), "\n"); errOut != "" {
				fmt.Fprintf(&b, "\n```stderr\n%s\n```\n", truncateMiddle(errOut, maxShellOutput))
			}
			if code := exitCode(runErr); code != 0 {
				fmt.Fprintf(&b, "\nReturn code: %d\n", code)
			}
			return []models.Message{models.NewSystemMessage(strings.TrimRight(b.String(), "\n"))}, nil
		},
	}
}

// SaveTool writes model-provided content to a file. The path comes from the
// first block argument (or the fence tag itself, for path-tagged blocks).
func SaveTool(workspace string) *ToolSpec {
	return &ToolSpec{
		Name:        "save",
		Description: "Write content to a file, creating parent directories as needed.",
		Instructions: "Use a code block tagged with the target path:\n\n" +
			"```save hello.py\nprint(\"hello\")\n```",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Target file path"},
				"content": {"type": "string", "description": "File contents"}
			},
			"required": ["path", "content"]
		}`),
		BlockTypes: []string{"save"},
		Execute: func(ctx context.Context, tu *models.ToolUse, confirm ConfirmFunc) ([]models.Message, error) {
			path := ""
			if len(tu.Args) > 0 {
				path = tu.Args[0]
			}
			if p, ok := tu.Kwargs["path"]; ok && p != "" {
				path = p
			}
			content := tu.Content
			if c, ok := tu.Kwargs["content"]; ok && c != "" {
				content = c
			}
			if path == "" {
				return nil, fmt.Errorf("save: no target path")
			}
			if !filepath.IsAbs(path) {
				path = filepath.Join(workspace, path)
			}
			if !confirm(fmt.Sprintf("Save %d bytes to %s?", len(content), path)) {
				return []models.Message{models.NewSystemMessage("File not saved: user denied.")}, nil
			}
			if !strings.HasSuffix(content, "\n") {
				content += "\n"
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("save: %w", err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("save: %w", err)
			}
			return []models.Message{models.NewSystemMessage(fmt.Sprintf("Saved to %s", path))}, nil
		},
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// truncateMiddle elides the middle of oversized output, keeping head and
// tail context.
func truncateMiddle(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	half := limit / 2
	return s[:half] + "\n...output truncated...\n" + s[len(s)-half:]
}
