package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadUserFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[prompt]
about_user = "Works on distributed systems."
response_preference = "Short answers."

[prompt.project]
gptme = "The gptme repo itself."

[env]
SOME_VAR = "value"

[[providers]]
name = "myproxy"
base_url = "http://localhost:4000/v1"
api_key_env = "MYPROXY_KEY"
default_model = "llama-3.3-70b"
`)
	cfg, err := LoadUserFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "Works on distributed systems.", cfg.Prompt.AboutUser)
	assert.Equal(t, "The gptme repo itself.", cfg.Prompt.Project["gptme"])
	assert.Equal(t, "value", cfg.Env["SOME_VAR"])

	require.Len(t, cfg.Providers, 1)
	p := cfg.Providers[0]
	assert.Equal(t, "myproxy", p.Name)
	t.Setenv("MYPROXY_KEY", "sk-test")
	assert.Equal(t, "sk-test", p.Key())
}

func TestLoadUserMissingFile(t *testing.T) {
	cfg, err := LoadUserFrom(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Providers)
}

func TestLoadProjectFallsBackToGithubDir(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, ".github", "gptme.toml"), `
prompt = "This project is a CLI tool."
files = ["README.md"]
`)
	writeFile(t, filepath.Join(ws, "README.md"), "# readme")

	cfg, err := LoadProject(ws)
	require.NoError(t, err)
	assert.Equal(t, "This project is a CLI tool.", cfg.Prompt)

	files := cfg.ContextFiles(ws)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(ws, "README.md"), files[0])
}

func TestProjectRootTakesPrecedence(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "gptme.toml"), `prompt = "root"`)
	writeFile(t, filepath.Join(ws, ".github", "gptme.toml"), `prompt = "github"`)

	cfg, err := LoadProject(ws)
	require.NoError(t, err)
	assert.Equal(t, "root", cfg.Prompt)
}

func TestSystemPromptVariants(t *testing.T) {
	user := UserConfig{}
	user.Prompt.AboutUser = "Prefers Go."

	full := SystemPrompt(PromptOptions{Variant: "full", User: user, Interactive: true, ToolInstructions: "## shell"})
	assert.Contains(t, full, "You are gptme")
	assert.Contains(t, full, "# About user")
	assert.Contains(t, full, "# Tools")
	assert.Contains(t, full, "interrupt you at any time")

	short := SystemPrompt(PromptOptions{Variant: "short"})
	assert.Contains(t, short, "You are gptme")
	assert.NotContains(t, short, "Break down complex tasks")

	custom := SystemPrompt(PromptOptions{Variant: "Only speak French."})
	assert.Contains(t, custom, "Only speak French.")
	assert.Contains(t, custom, "non-interactively")
}

func TestSystemPromptProjectBaseOverride(t *testing.T) {
	p := ProjectConfig{BasePrompt: "Custom base.", Prompt: "Extra context."}
	out := SystemPrompt(PromptOptions{Variant: "full", Project: p, Interactive: true})
	assert.Contains(t, out, "Custom base.")
	assert.NotContains(t, out, "You are gptme")
	assert.Contains(t, out, "# Project context")
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("TEMPERATURE", "0.7")
	t.Setenv("TOP_P", "0.9")
	t.Setenv("GPTME_REASONING", "0")
	t.Setenv("GPTME_REASONING_BUDGET", "8000")
	t.Setenv("LLM_API_TIMEOUT", "120")
	t.Setenv("GPTME_BREAK_ON_TOOLUSE", "false")
	t.Setenv("GPTME_TOKEN_BUDGET", "50000")

	s := SettingsFromEnv()
	assert.InDelta(t, 0.7, s.Temperature, 1e-9)
	assert.InDelta(t, 0.9, s.TopP, 1e-9)
	assert.True(t, s.DisableReasoning)
	assert.Equal(t, 8000, s.ReasoningBudget)
	assert.Equal(t, 120, s.TimeoutSeconds)
	assert.False(t, s.BreakOnToolUse)
	assert.Equal(t, 50000, s.TokenBudget)
}

func TestInitRegistryNoKeys(t *testing.T) {
	for _, key := range []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY",
		"GEMINI_API_KEY", "GROQ_API_KEY", "XAI_API_KEY", "DEEPSEEK_API_KEY",
		"AZURE_OPENAI_ENDPOINT", "OPENAI_BASE_URL", "LLM_PROXY_URL",
	} {
		t.Setenv(key, "")
	}
	_, err := InitRegistry(UserConfig{}, nil)
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestInitRegistryAnthropicDefault(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	for _, key := range []string{
		"OPENROUTER_API_KEY", "GEMINI_API_KEY", "GROQ_API_KEY", "XAI_API_KEY",
		"DEEPSEEK_API_KEY", "AZURE_OPENAI_ENDPOINT", "OPENAI_BASE_URL", "LLM_PROXY_URL",
	} {
		t.Setenv(key, "")
	}
	registry, err := InitRegistry(UserConfig{}, nil)
	require.NoError(t, err)
	assert.Contains(t, registry.Providers(), "anthropic")
	assert.Contains(t, registry.Providers(), "openai")
	assert.Contains(t, registry.DefaultModel(), "anthropic/")
}

func TestLoadDotenv(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, ".env"), "DOTENV_TEST_VAR=hello\n")
	t.Setenv("DOTENV_TEST_VAR", "")
	os.Unsetenv("DOTENV_TEST_VAR")
	require.NoError(t, LoadDotenv(ws))
	assert.Equal(t, "hello", os.Getenv("DOTENV_TEST_VAR"))
}
