package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gptme/gptme/internal/commands"
	"github.com/gptme/gptme/internal/config"
	"github.com/gptme/gptme/internal/costs"
	"github.com/gptme/gptme/internal/hooks"
	"github.com/gptme/gptme/internal/logstore"
	"github.com/gptme/gptme/internal/mcp"
	"github.com/gptme/gptme/internal/sessions"
	"github.com/gptme/gptme/internal/step"
	"github.com/gptme/gptme/internal/toolreg"
	"github.com/gptme/gptme/pkg/models"
)

// chat bundles everything one CLI session needs.
type chat struct {
	flags     cliFlags
	logs      *logstore.Manager
	session   *sessions.Session
	engine    *step.Engine
	tools     *toolreg.Registry
	mcp       *mcp.Manager
	convID    string
	workspace string
	in        *bufio.Scanner
	logger    *slog.Logger
}

func runChat(ctx context.Context, flags cliFlags, args []string, logger *slog.Logger) error {
	user, err := config.LoadUser()
	if err != nil {
		return err
	}
	user.ApplyEnv()

	workspace := flags.workspace
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	if workspace != "" && workspace != "@log" {
		if err := config.LoadDotenv(workspace); err != nil {
			logger.Warn("could not load .env", "error", err)
		}
	}

	registry, err := config.InitRegistry(user, logger)
	if err != nil {
		return err
	}
	if flags.model != "" {
		if _, _, err := registry.Resolve(flags.model); err != nil {
			return err
		}
	}

	logs, err := logstore.NewManager(config.LogsHome())
	if err != nil {
		return err
	}

	convID, err := resolveConversation(logs, flags)
	if err != nil {
		return err
	}
	if workspace == "@log" {
		workspace = filepath.Join(logs.Dir(convID), "workspace")
		if err := os.MkdirAll(workspace, 0o755); err != nil {
			return err
		}
	}

	tools := toolreg.NewRegistry()
	if err := toolreg.RegisterBuiltins(tools, workspace); err != nil {
		return err
	}

	mcpManager := mcp.NewManager(logger)
	defer mcpManager.CloseAll()

	c := &chat{
		flags:     flags,
		logs:      logs,
		tools:     tools,
		mcp:       mcpManager,
		convID:    convID,
		workspace: workspace,
		in:        bufio.NewScanner(os.Stdin),
		logger:    logger,
	}

	stdinContent := readPipedStdin()

	if !logs.Exists(convID) {
		if err := c.createConversation(user, workspace); err != nil {
			return err
		}
	}

	cfg, err := logstore.LoadChatConfig(logs.Dir(convID))
	if err != nil {
		return err
	}
	for _, server := range cfg.MCP.Servers {
		if err := mcpManager.Connect(ctx, server, tools); err != nil {
			logger.Warn("MCP server connection failed", "server", server.Name, "error", err)
		}
	}
	for _, server := range user.MCP.Servers {
		if err := mcpManager.Connect(ctx, server, tools); err != nil {
			logger.Warn("MCP server connection failed", "server", server.Name, "error", err)
		}
	}

	sessionManager := sessions.NewManager(logger)
	c.session = sessionManager.Create(convID)
	settings := config.SettingsFromEnv()
	c.engine = &step.Engine{
		Logs:     logs,
		Registry: registry,
		Tools:    tools,
		Hooks:    hooks.NewRegistry(logger),
		Sessions: sessionManager,
		Logger:   logger,
		Settings: &settings,
	}
	if settings.TokenBudget > 0 {
		model := flags.model
		if model == "" {
			model = registry.DefaultModel()
		}
		budget, err := costs.NewTokenBudget(model, settings.TokenBudget)
		if err != nil {
			logger.Warn("token budget disabled", "error", err)
		} else {
			c.engine.Budget = budget
		}
	}

	// Ctrl-C interrupts the running generation instead of killing the
	// process; a second Ctrl-C at the prompt exits via EOF handling.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			c.session.Interrupt()
			fmt.Fprintln(os.Stderr, "\nInterrupted")
		}
	}()

	// Crash recovery: an unanswered user message generates immediately.
	if msgs, err := c.read(); err == nil && step.ShouldAutoStep(msgs) {
		if err := c.driveSteps(ctx); err != nil {
			return err
		}
	}

	rounds := splitRounds(args)
	if stdinContent != "" {
		if len(rounds) == 0 {
			rounds = []string{stdinContent}
		} else {
			rounds[0] = rounds[0] + "\n\n" + stdinContent
		}
	}

	for _, round := range rounds {
		if err := c.handleInput(ctx, round); err != nil {
			if errors.Is(err, commands.ErrExit) {
				return nil
			}
			return err
		}
	}

	if flags.nonInteractive {
		return nil
	}
	return c.interactiveLoop(ctx)
}

func resolveConversation(logs *logstore.Manager, flags cliFlags) (string, error) {
	if flags.resume {
		metas, err := logs.List(1)
		if err != nil {
			return "", err
		}
		if len(metas) == 0 {
			return "", errors.New("no conversation to resume")
		}
		return metas[0].ID, nil
	}
	if flags.name != "" && flags.name != "random" {
		return flags.name, nil
	}
	return fmt.Sprintf("%s-%s", time.Now().Format("2006-01-02"), uuid.New().String()[:8]), nil
}

func (c *chat) createConversation(user config.UserConfig, workspace string) error {
	project, err := config.LoadProject(workspace)
	if err != nil {
		return err
	}
	active := c.tools.Subset(c.flags.tools)
	prompt := config.SystemPrompt(config.PromptOptions{
		Variant:          c.flags.system,
		User:             user,
		Project:          project,
		Interactive:      !c.flags.nonInteractive,
		ToolInstructions: active.Instructions(models.ToolFormat(c.flags.toolFormat)),
		Workspace:        workspace,
	})

	log, err := c.logs.Create(c.convID, []models.Message{models.NewSystemMessage(prompt)})
	if err != nil {
		return err
	}
	log.Close()

	cfg := logstore.DefaultChatConfig()
	cfg.Chat.Model = c.flags.model
	cfg.Chat.Tools = c.flags.tools
	cfg.Chat.ToolFormat = c.flags.toolFormat
	cfg.Chat.Stream = !c.flags.noStream
	cfg.Chat.Interactive = !c.flags.nonInteractive
	cfg.Chat.Workspace = workspace
	return logstore.SaveChatConfig(c.logs.Dir(c.convID), cfg)
}

func (c *chat) read() ([]models.Message, error) {
	log, err := c.logs.Open(c.convID, false)
	if err != nil {
		return nil, err
	}
	defer log.Close()
	return log.Read()
}

// handleInput dispatches one line of user input: slash command or prompt.
func (c *chat) handleInput(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if commands.Handled(input) {
		env := &commands.Env{
			Logs:           c.logs,
			ConversationID: c.convID,
			Registry:       c.engine.Registry,
			Tools:          c.tools,
			Out:            os.Stdout,
			ShowHidden:     c.flags.showHidden,
			Confirm:        c.confirmFunc(),
		}
		_, err := commands.Execute(ctx, input, env)
		return err
	}

	log, err := c.logs.Open(c.convID, true)
	if err != nil {
		return err
	}
	if err := log.Append(models.NewUserMessage(input)); err != nil {
		log.Close()
		return err
	}
	log.Close()
	return c.driveSteps(ctx)
}

// driveSteps runs the engine and resolves tool confirmations until the
// model has nothing left to run.
func (c *chat) driveSteps(ctx context.Context) error {
	c.session.Interrupted(true)
	opts := c.stepOptions()
	if err := c.engine.Run(ctx, opts); err != nil {
		return c.reportStepError(err)
	}
	fmt.Println()

	for {
		pending := c.session.PendingTools()
		if len(pending) == 0 {
			return nil
		}
		exec := pending[0]
		action, content, count := c.promptConfirmation(exec)
		if err := c.engine.Confirm(ctx, opts, exec.ID, action, content, count); err != nil {
			return c.reportStepError(err)
		}
		fmt.Println()
	}
}

func (c *chat) stepOptions() step.Options {
	return step.Options{
		ConversationID: c.convID,
		Session:        c.session,
		Model:          c.flags.model,
		Workspace:      c.workspace,
		AutoConfirm:    c.flags.noConfirm || c.flags.nonInteractive,
		Stream:         !c.flags.noStream,
		OnToken: func(token string) {
			fmt.Print(token)
		},
	}
}

// reportStepError keeps the one-line-error contract; verbose mode gets the
// full chain from the logger.
func (c *chat) reportStepError(err error) error {
	if c.flags.verbose {
		c.logger.Error("step failed", "error", err)
	}
	return err
}

// promptConfirmation asks the user what to do with a pending tool.
func (c *chat) promptConfirmation(exec *models.ToolExecution) (action, content string, count int) {
	fmt.Printf("\nTool: %s\n%s\n", exec.ToolUse.Tool, exec.ToolUse.Content)
	for {
		fmt.Print("Execute? [y]es / [n]o / [e]dit / [a]uto N: ")
		if !c.in.Scan() {
			return "skip", "", 0
		}
		answer := strings.TrimSpace(c.in.Text())
		switch {
		case answer == "" || answer == "y" || answer == "yes":
			return "confirm", "", 0
		case answer == "n" || answer == "no":
			return "skip", "", 0
		case answer == "e" || answer == "edit":
			edited, err := editInEditor(exec.ToolUse.Content)
			if err != nil {
				fmt.Fprintln(os.Stderr, "edit failed:", err)
				continue
			}
			return "edit", edited, 0
		case strings.HasPrefix(answer, "a"):
			n := 0
			if fields := strings.Fields(answer); len(fields) > 1 {
				n, _ = strconv.Atoi(fields[1])
			}
			if n == 0 {
				n = -1
			}
			return "auto", "", n
		}
	}
}

func editInEditor(content string) (string, error) {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		return "", errors.New("EDITOR is not set")
	}
	tmp, err := os.CreateTemp("", "gptme-tool-*.txt")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", err
	}
	tmp.Close()

	cmd := exec.Command(editor, tmp.Name())
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return "", err
	}
	edited, err := os.ReadFile(tmp.Name())
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(edited), "\n"), nil
}

func (c *chat) confirmFunc() toolreg.ConfirmFunc {
	if c.flags.noConfirm || c.flags.nonInteractive {
		return func(string) bool { return true }
	}
	return func(prompt string) bool {
		fmt.Printf("%s [y/N]: ", prompt)
		if !c.in.Scan() {
			return false
		}
		answer := strings.TrimSpace(strings.ToLower(c.in.Text()))
		return answer == "y" || answer == "yes"
	}
}

func (c *chat) interactiveLoop(ctx context.Context) error {
	for {
		fmt.Print("> ")
		if !c.in.Scan() {
			if err := c.in.Err(); err != nil {
				return err
			}
			return nil
		}
		if err := c.handleInput(ctx, c.in.Text()); err != nil {
			if errors.Is(err, commands.ErrExit) {
				return nil
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
}

// splitRounds groups positional prompts into rounds separated by "-".
func splitRounds(args []string) []string {
	var rounds []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			rounds = append(rounds, strings.Join(current, " "))
			current = nil
		}
	}
	for _, arg := range args {
		if arg == "-" {
			flush()
			continue
		}
		current = append(current, arg)
	}
	flush()
	return rounds
}

// readPipedStdin returns piped input wrapped in a stdin fence, or "".
func readPipedStdin() string {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		return ""
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return ""
	}
	return "```stdin\n" + strings.TrimRight(string(data), "\n") + "\n```"
}
