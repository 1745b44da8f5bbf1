// Package commands implements the in-conversation slash commands. Input
// lines starting with "/" are dispatched here; unknown commands fall back
// to a direct tool invocation (so "/python print(1)" works like a fenced
// python block).
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gptme/gptme/internal/costs"
	"github.com/gptme/gptme/internal/llm"
	"github.com/gptme/gptme/internal/logstore"
	"github.com/gptme/gptme/internal/toolreg"
	"github.com/gptme/gptme/pkg/models"
)

// ErrExit signals the chat loop to terminate.
var ErrExit = errors.New("commands: exit")

// Env is everything a command may touch.
type Env struct {
	Logs           *logstore.Manager
	ConversationID string
	Registry       *llm.Registry
	Tools          *toolreg.Registry
	Out            io.Writer
	ShowHidden     bool

	// Confirm gates tool execution from /replay and /impersonate.
	Confirm toolreg.ConfirmFunc
}

func (e *Env) confirm() toolreg.ConfirmFunc {
	if e.Confirm != nil {
		return e.Confirm
	}
	return func(string) bool { return true }
}

// Handled reports whether a line is a slash command.
func Handled(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "/")
}

// Execute runs one slash command. The boolean is false when the line is
// not a command at all.
func Execute(ctx context.Context, line string, env *Env) (bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return false, nil
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "log":
		return true, env.cmdLog()
	case "undo":
		return true, env.cmdUndo(arg)
	case "edit":
		return true, env.cmdEdit()
	case "rename":
		return true, env.cmdRename(ctx, arg)
	case "fork":
		return true, env.cmdFork(arg)
	case "tools":
		return true, env.cmdTools()
	case "model":
		return true, env.cmdModel(arg)
	case "replay":
		return true, env.cmdReplay(ctx)
	case "impersonate":
		return true, env.cmdImpersonate(ctx, arg)
	case "summarize":
		return true, env.cmdSummarize(ctx)
	case "tokens":
		return true, env.cmdTokens()
	case "context":
		return true, env.cmdContext(ctx)
	case "export":
		return true, env.cmdExport(arg)
	case "commit":
		return true, env.cmdCommit(ctx)
	case "help":
		return true, env.cmdHelp()
	case "exit":
		return true, ErrExit
	default:
		// "/python print(1)" style: the command name may be a tool tag.
		if handled, err := env.tryToolInvocation(ctx, name, arg); handled {
			return true, err
		}
		fmt.Fprintf(env.Out, "Unknown command: /%s\n", name)
		return true, nil
	}
}

func (e *Env) open() (*logstore.Log, error) {
	return e.Logs.Open(e.ConversationID, true)
}

func (e *Env) read() ([]models.Message, error) {
	log, err := e.Logs.Open(e.ConversationID, false)
	if err != nil {
		return nil, err
	}
	defer log.Close()
	return log.Read()
}

func (e *Env) cmdLog() error {
	msgs, err := e.read()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Hide && !e.ShowHidden {
			continue
		}
		fmt.Fprintf(e.Out, "%s: %s\n", m.Role, m.Content)
	}
	return nil
}

func (e *Env) cmdUndo(arg string) error {
	n := 1
	if arg != "" {
		parsed, err := strconv.Atoi(arg)
		if err != nil || parsed < 1 {
			return fmt.Errorf("usage: /undo [N]")
		}
		n = parsed
	}
	log, err := e.open()
	if err != nil {
		return err
	}
	defer log.Close()
	removed, err := log.Undo(n)
	if err != nil {
		return err
	}
	for _, m := range removed {
		fmt.Fprintf(e.Out, "Removed %s message (%d chars)\n", m.Role, len(m.Content))
	}
	return nil
}

// cmdEdit opens the last message in $EDITOR and replaces it.
func (e *Env) cmdEdit() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		return errors.New("EDITOR is not set")
	}
	msgs, err := e.read()
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return errors.New("nothing to edit")
	}
	last := msgs[len(msgs)-1]

	tmp, err := os.CreateTemp("", "gptme-edit-*.md")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(last.Content); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	cmd := exec.Command(editor, tmp.Name())
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("editor: %w", err)
	}
	edited, err := os.ReadFile(tmp.Name())
	if err != nil {
		return err
	}

	log, err := e.open()
	if err != nil {
		return err
	}
	defer log.Close()
	if _, err := log.Undo(1); err != nil {
		return err
	}
	return log.Append(last.WithContent(strings.TrimRight(string(edited), "\n")))
}

func (e *Env) cmdRename(ctx context.Context, arg string) error {
	dir := e.Logs.Dir(e.ConversationID)
	cfg, err := logstore.LoadChatConfig(dir)
	if err != nil {
		return err
	}
	name := arg
	if arg == "" || arg == "auto" {
		name, err = e.generateName(ctx)
		if err != nil {
			return err
		}
	}
	cfg.Chat.Name = name
	if err := logstore.SaveChatConfig(dir, cfg); err != nil {
		return err
	}
	fmt.Fprintf(e.Out, "Renamed conversation to %q\n", name)
	return nil
}

func (e *Env) generateName(ctx context.Context) (string, error) {
	msgs, err := e.read()
	if err != nil {
		return "", err
	}
	provider, meta, err := e.Registry.Resolve("")
	if err != nil {
		return "", err
	}
	summaryMeta := llm.Lookup(meta.Provider, llm.SummaryModel(meta.Provider))
	var transcript strings.Builder
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		if transcript.Len() > 2000 {
			break
		}
	}
	name, _, err := provider.Chat(ctx, &llm.Request{
		Model: summaryMeta,
		Messages: []models.Message{
			models.NewSystemMessage("Reply with a short title (at most five words) for this conversation. No quotes, no punctuation."),
			models.NewUserMessage(transcript.String()),
		},
		MaxTokens: 20,
	})
	return strings.TrimSpace(name), err
}

func (e *Env) cmdFork(arg string) error {
	if arg == "" {
		return errors.New("usage: /fork <name>")
	}
	log, err := e.open()
	if err != nil {
		return err
	}
	defer log.Close()
	if err := log.ForkBranch(arg); err != nil {
		return err
	}
	fmt.Fprintf(e.Out, "Forked to branch %q\n", arg)
	return nil
}

func (e *Env) cmdTools() error {
	names := e.Tools.Names()
	for _, name := range names {
		spec, err := e.Tools.Get(name)
		if err != nil {
			continue
		}
		marker := ""
		if spec.IsMCP {
			marker = " (mcp)"
		}
		fmt.Fprintf(e.Out, "%s%s: %s\n", name, marker, spec.Description)
	}
	return nil
}

func (e *Env) cmdModel(arg string) error {
	dir := e.Logs.Dir(e.ConversationID)
	cfg, err := logstore.LoadChatConfig(dir)
	if err != nil {
		return err
	}
	if arg == "" {
		current := cfg.Chat.Model
		if current == "" {
			current = e.Registry.DefaultModel()
		}
		fmt.Fprintf(e.Out, "Current model: %s\n", current)
		return nil
	}
	if _, _, err := e.Registry.Resolve(arg); err != nil {
		return err
	}
	cfg.Chat.Model = arg
	if err := logstore.SaveChatConfig(dir, cfg); err != nil {
		return err
	}
	fmt.Fprintf(e.Out, "Model set to %s\n", arg)
	return nil
}

// cmdReplay re-executes the tools of the last assistant message.
func (e *Env) cmdReplay(ctx context.Context) error {
	msgs, err := e.read()
	if err != nil {
		return err
	}
	idx := logstore.LastAssistantIndex(msgs)
	if idx < 0 {
		return errors.New("no assistant message to replay")
	}
	return e.runTools(ctx, msgs[idx].Content)
}

// cmdImpersonate appends an assistant message verbatim and executes any
// tools it contains.
func (e *Env) cmdImpersonate(ctx context.Context, content string) error {
	if content == "" {
		return errors.New("usage: /impersonate <content>")
	}
	log, err := e.open()
	if err != nil {
		return err
	}
	if err := log.Append(models.NewMessage(models.RoleAssistant, content)); err != nil {
		log.Close()
		return err
	}
	log.Close()
	return e.runTools(ctx, content)
}

func (e *Env) runTools(ctx context.Context, content string) error {
	cfg, err := logstore.LoadChatConfig(e.Logs.Dir(e.ConversationID))
	if err != nil {
		return err
	}
	format := models.ToolFormat(cfg.Chat.ToolFormat)
	if !format.Valid() {
		format = models.FormatMarkdown
	}
	uses := toolreg.Parse(content, format, e.Tools, false)
	if len(uses) == 0 {
		fmt.Fprintln(e.Out, "No tool uses found")
		return nil
	}
	for i := range uses {
		if err := e.executeOne(ctx, &uses[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Env) executeOne(ctx context.Context, tu *models.ToolUse) error {
	spec, err := e.Tools.Get(tu.Tool)
	if err != nil {
		return err
	}
	results, err := spec.Execute(ctx, tu, e.confirm())
	if err != nil {
		results = []models.Message{models.NewSystemMessage("Error: " + err.Error())}
	}
	log, openErr := e.open()
	if openErr != nil {
		return openErr
	}
	defer log.Close()
	for _, m := range results {
		if m.CallID == "" {
			m.CallID = tu.CallID
		}
		if err := log.Append(m); err != nil {
			return err
		}
		fmt.Fprintf(e.Out, "%s: %s\n", m.Role, m.Content)
	}
	return nil
}

func (e *Env) cmdSummarize(ctx context.Context) error {
	msgs, err := e.read()
	if err != nil {
		return err
	}
	provider, meta, err := e.Registry.Resolve("")
	if err != nil {
		return err
	}
	summaryMeta := llm.Lookup(meta.Provider, llm.SummaryModel(meta.Provider))
	var transcript strings.Builder
	for _, m := range msgs {
		if m.Role == models.RoleSystem && !e.ShowHidden {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}
	summary, _, err := provider.Chat(ctx, &llm.Request{
		Model: summaryMeta,
		Messages: []models.Message{
			models.NewSystemMessage("Summarize the conversation so far in a short paragraph."),
			models.NewUserMessage(transcript.String()),
		},
		MaxTokens: 300,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(e.Out, summary)
	return nil
}

func (e *Env) cmdTokens() error {
	msgs, err := e.read()
	if err != nil {
		return err
	}
	cfg, err := logstore.LoadChatConfig(e.Logs.Dir(e.ConversationID))
	if err != nil {
		return err
	}
	model := cfg.Chat.Model
	if model == "" {
		model = e.Registry.DefaultModel()
	}
	budget, err := costs.NewTokenBudget(model, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.Out, "Token count: %d (%d messages)\n", budget.Advance(msgs), len(msgs))
	return nil
}

// cmdContext prints the message list exactly as the next model call would
// see it.
func (e *Env) cmdContext(ctx context.Context) error {
	msgs, err := e.read()
	if err != nil {
		return err
	}
	prepared, err := logstore.PrepareMessages(ctx, msgs, logstore.DefaultPrepareOptions())
	if err != nil {
		return err
	}
	for _, m := range prepared {
		fmt.Fprintf(e.Out, "[%s] %d chars\n", m.Role, len(m.Content))
	}
	return nil
}

// cmdExport writes a markdown transcript.
func (e *Env) cmdExport(arg string) error {
	msgs, err := e.read()
	if err != nil {
		return err
	}
	path := arg
	if path == "" {
		path = e.ConversationID + ".md"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", e.ConversationID)
	for _, m := range msgs {
		if m.Hide && !e.ShowHidden {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", m.Role, m.Content)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(e.Out, "Exported to %s\n", path)
	return nil
}

// cmdCommit stages everything and commits with a model-written message.
func (e *Env) cmdCommit(ctx context.Context) error {
	status, err := exec.Command("git", "status", "--porcelain").Output()
	if err != nil {
		return fmt.Errorf("git status: %w", err)
	}
	if len(strings.TrimSpace(string(status))) == 0 {
		fmt.Fprintln(e.Out, "Nothing to commit")
		return nil
	}
	if err := exec.Command("git", "add", "-A").Run(); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	diff, err := exec.Command("git", "diff", "--staged", "--stat").Output()
	if err != nil {
		return fmt.Errorf("git diff: %w", err)
	}

	provider, meta, err := e.Registry.Resolve("")
	if err != nil {
		return err
	}
	summaryMeta := llm.Lookup(meta.Provider, llm.SummaryModel(meta.Provider))
	message, _, err := provider.Chat(ctx, &llm.Request{
		Model: summaryMeta,
		Messages: []models.Message{
			models.NewSystemMessage("Write a one-line git commit message for these staged changes. Reply with the message only."),
			models.NewUserMessage(string(diff)),
		},
		MaxTokens: 60,
	})
	if err != nil {
		return err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "Update"
	}
	if out, err := exec.Command("git", "commit", "-m", message).CombinedOutput(); err != nil {
		return fmt.Errorf("git commit: %s", strings.TrimSpace(string(out)))
	}
	fmt.Fprintf(e.Out, "Committed: %s\n", message)
	return nil
}

func (e *Env) cmdHelp() error {
	help := map[string]string{
		"log":         "print the conversation log",
		"undo":        "remove the last N messages",
		"edit":        "edit the last message in $EDITOR",
		"rename":      "rename the conversation (or 'auto')",
		"fork":        "fork the log into a named branch",
		"tools":       "list available tools",
		"model":       "show or set the model",
		"replay":      "re-execute tools in the last assistant message",
		"impersonate": "append an assistant message and run its tools",
		"summarize":   "summarize the conversation",
		"tokens":      "count conversation tokens",
		"context":     "show the prepared model context",
		"export":      "export the conversation as markdown",
		"commit":      "git commit with a generated message",
		"help":        "show this help",
		"exit":        "leave the chat",
	}
	names := make([]string, 0, len(help))
	for name := range help {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(e.Out, "/%-12s %s\n", name, help[name])
	}
	return nil
}

// tryToolInvocation treats "/lang code" as a fenced block of that language.
func (e *Env) tryToolInvocation(ctx context.Context, tag, code string) (bool, error) {
	spec, ok := e.Tools.Resolve(tag)
	if !ok {
		return false, nil
	}
	tu := models.ToolUse{Tool: spec.Name, Content: code}
	// Path-like save targets keep the tag as the first arg.
	if strings.ContainsAny(tag, "./") || filepath.Ext(tag) != "" {
		tu.Args = []string{tag}
	}
	return true, e.executeOne(ctx, &tu)
}
