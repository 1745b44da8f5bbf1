package toolreg

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gptme/gptme/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, t.TempDir()))
	return reg
}

func alwaysYes(string) bool { return true }
func alwaysNo(string) bool  { return false }

func TestRegistryAliases(t *testing.T) {
	reg := newTestRegistry(t)

	spec, ok := reg.Resolve("bash")
	require.True(t, ok)
	assert.Equal(t, "shell", spec.Name)

	_, ok = reg.Resolve("nope")
	assert.False(t, ok)

	reg.Unregister("shell")
	_, ok = reg.Resolve("bash")
	assert.False(t, ok)
}

func TestSubsetAllowlist(t *testing.T) {
	reg := newTestRegistry(t)

	sub := reg.Subset([]string{"save"})
	assert.Equal(t, []string{"save"}, sub.Names())
	_, ok := sub.Resolve("shell")
	assert.False(t, ok)

	// Empty allowlist means everything.
	assert.Equal(t, reg.Names(), reg.Subset(nil).Names())
}

func TestParseMarkdown(t *testing.T) {
	reg := newTestRegistry(t)
	content := "Let me list the files.\n\n```shell\nls -la\n```\n\nThat should do it."

	uses := Parse(content, models.FormatMarkdown, reg, false)
	require.Len(t, uses, 1)
	assert.Equal(t, "shell", uses[0].Tool)
	assert.Equal(t, "ls -la", uses[0].Content)
}

func TestParseMarkdownPathTagRoutesToSave(t *testing.T) {
	reg := newTestRegistry(t)
	content := "```hello.py\nprint(\"hi\")\n```\n"

	uses := Parse(content, models.FormatMarkdown, reg, false)
	require.Len(t, uses, 1)
	assert.Equal(t, "save", uses[0].Tool)
	assert.Equal(t, []string{"hello.py"}, uses[0].Args)
}

func TestParseMarkdownNestedFences(t *testing.T) {
	reg := newTestRegistry(t)
	content := "```save notes.md\nSome docs:\n```python\nprint(1)\n```\nend of file\n```\n"

	uses := Parse(content, models.FormatMarkdown, reg, false)
	require.Len(t, uses, 1)
	assert.Equal(t, "save", uses[0].Tool)
	assert.Contains(t, uses[0].Content, "```python")
	assert.Contains(t, uses[0].Content, "end of file")
}

func TestParseMarkdownStreamingRequiresTrailingBlank(t *testing.T) {
	reg := newTestRegistry(t)
	closedNoBlank := "```shell\nls\n```"
	closedWithBlank := "```shell\nls\n```\n\n"

	assert.Empty(t, Parse(closedNoBlank, models.FormatMarkdown, reg, true))
	assert.Len(t, Parse(closedWithBlank, models.FormatMarkdown, reg, true), 1)
	// Non-streaming re-parse of the stored message accepts the bare close.
	assert.Len(t, Parse(closedNoBlank, models.FormatMarkdown, reg, false), 1)
}

func TestParseXML(t *testing.T) {
	reg := newTestRegistry(t)
	content := `Saving now.
<tool name="save"><param name="path">a.txt</param><content>hello</content></tool>
done`

	uses := Parse(content, models.FormatXML, reg, false)
	require.Len(t, uses, 1)
	assert.Equal(t, "save", uses[0].Tool)
	assert.Equal(t, "a.txt", uses[0].Kwargs["path"])
	assert.Equal(t, "hello", uses[0].Content)
}

func TestParseXMLPartialInputIgnored(t *testing.T) {
	reg := newTestRegistry(t)
	partial := `<tool name="shell"><content>ls`
	assert.Empty(t, Parse(partial, models.FormatXML, reg, false))
}

func TestParseNative(t *testing.T) {
	reg := newTestRegistry(t)
	content := "Running it.\n@shell(call_3): {\"command\":\"pwd\"}\n"

	uses := Parse(content, models.FormatTool, reg, false)
	require.Len(t, uses, 1)
	assert.Equal(t, "shell", uses[0].Tool)
	assert.Equal(t, "call_3", uses[0].CallID)
	assert.Equal(t, "pwd", uses[0].Kwargs["command"])
}

// Growing prefixes of the same message must never lose an invocation that a
// shorter prefix already reported.
func TestParseRestartable(t *testing.T) {
	reg := newTestRegistry(t)
	full := "First:\n\n```shell\necho one\n```\n\nSecond:\n\n```shell\necho two\n```\n\ndone\n"

	prev := 0
	for i := 0; i <= len(full); i++ {
		n := len(Parse(full[:i], models.FormatMarkdown, reg, true))
		assert.GreaterOrEqual(t, n, prev, "prefix length %d", i)
		prev = n
	}
	assert.Equal(t, 2, prev)
}

func TestValidateArgs(t *testing.T) {
	reg := newTestRegistry(t)
	spec, err := reg.Get("shell")
	require.NoError(t, err)

	assert.NoError(t, ValidateArgs(spec, json.RawMessage(`{"command":"ls"}`)))
	assert.Error(t, ValidateArgs(spec, json.RawMessage(`{"command":42}`)))
	assert.Error(t, ValidateArgs(spec, json.RawMessage(`{}`)))
}

func TestShellToolExecute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	reg := newTestRegistry(t)
	spec, err := reg.Get("shell")
	require.NoError(t, err)

	msgs, err := spec.Execute(context.Background(), &models.ToolUse{Tool: "shell", Content: "echo hello"}, alwaysYes)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "hello")

	msgs, err = spec.Execute(context.Background(), &models.ToolUse{Tool: "shell", Content: "exit 3"}, alwaysYes)
	require.NoError(t, err)
	assert.Contains(t, msgs[0].Content, "Return code: 3")

	msgs, err = spec.Execute(context.Background(), &models.ToolUse{Tool: "shell", Content: "echo hi"}, alwaysNo)
	require.NoError(t, err)
	assert.Contains(t, msgs[0].Content, "denied")
}

func TestSaveToolExecute(t *testing.T) {
	workspace := t.TempDir()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, workspace))
	spec, err := reg.Get("save")
	require.NoError(t, err)

	tu := &models.ToolUse{Tool: "save", Args: []string{"sub/hello.txt"}, Content: "hi"}
	msgs, err := spec.Execute(context.Background(), tu, alwaysYes)
	require.NoError(t, err)
	assert.Contains(t, msgs[0].Content, "Saved to")

	data, err := os.ReadFile(filepath.Join(workspace, "sub", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestToolDefs(t *testing.T) {
	reg := newTestRegistry(t)
	defs := reg.ToolDefs()
	require.Len(t, defs, 2)
	assert.Equal(t, "save", defs[0].Name)
	assert.Equal(t, "shell", defs[1].Name)
	for _, def := range defs {
		assert.NotEmpty(t, def.Description)
		assert.NotNil(t, def.Parameters)
	}
}

func TestInstructionsIncludeEveryTool(t *testing.T) {
	reg := newTestRegistry(t)
	text := reg.Instructions(models.FormatMarkdown)
	assert.Contains(t, text, "## shell")
	assert.Contains(t, text, "## save")
}
