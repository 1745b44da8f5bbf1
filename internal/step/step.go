// Package step implements the conversation step loop: generation, tool
// detection, confirmation, execution, and continuation.
package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gptme/gptme/internal/config"
	"github.com/gptme/gptme/internal/costs"
	"github.com/gptme/gptme/internal/hooks"
	"github.com/gptme/gptme/internal/llm"
	"github.com/gptme/gptme/internal/logstore"
	"github.com/gptme/gptme/internal/sessions"
	"github.com/gptme/gptme/internal/toolreg"
	"github.com/gptme/gptme/pkg/models"
)

// InterruptedSuffix is appended to assistant output cut short by an
// interrupt.
const InterruptedSuffix = " [INTERRUPTED]"

// ErrBusy is returned when a step worker is already running on the
// conversation.
var ErrBusy = errors.New("step: generation already in progress")

// Engine drives the generate-execute loop over one conversation at a time.
type Engine struct {
	Logs     *logstore.Manager
	Registry *llm.Registry
	Tools    *toolreg.Registry
	Hooks    *hooks.Registry
	Sessions *sessions.Manager
	Logger   *slog.Logger

	// Budget, when set, drives the token-awareness messages.
	Budget *costs.TokenBudget

	// Settings are the env-derived generation knobs applied to every
	// request; nil uses the defaults.
	Settings *config.Settings

	// naming holds conversation ids with an auto-naming request in flight.
	naming sync.Map
}

func (e *Engine) settings() config.Settings {
	if e.Settings != nil {
		return *e.Settings
	}
	return config.Settings{BreakOnToolUse: true}
}

// Options configures one Run invocation.
type Options struct {
	ConversationID string
	Session        *sessions.Session
	Model          string
	Workspace      string
	Branch         string

	// AutoConfirm executes tools without waiting for confirmation.
	AutoConfirm bool

	// Stream disables chunked generation when false; the full response is
	// fetched in one call.
	Stream bool

	// OnToken receives streamed fragments (CLI printing); may be nil.
	OnToken func(token string)
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Run executes steps until the model yields no runnable tool or a tool
// needs interactive confirmation. It owns the conversation's generation
// slot for the duration.
func (e *Engine) Run(ctx context.Context, opts Options) error {
	if !e.Sessions.StartGenerating(opts.ConversationID) {
		return ErrBusy
	}
	defer e.Sessions.StopGenerating(opts.ConversationID)
	return e.runLocked(ctx, opts)
}

func (e *Engine) runLocked(ctx context.Context, opts Options) error {
	for {
		execs, err := e.step(ctx, opts)
		if err != nil {
			opts.Session.Publish(models.Event{Type: models.EventError, Error: err.Error()})
			return err
		}
		if len(execs) == 0 {
			return nil
		}

		// Single-tool-per-message: only the first invocation is acted on;
		// the model re-derives later ones after seeing this result.
		exec := execs[0]
		opts.Session.AddPendingTool(exec)
		opts.Session.Publish(models.Event{
			Type:        models.EventToolPending,
			ToolID:      exec.ID,
			ToolUse:     &exec.ToolUse,
			AutoConfirm: exec.AutoConfirm,
		})

		if !exec.AutoConfirm {
			// Wait for the confirmation endpoint to re-spawn the loop.
			return nil
		}
		opts.Session.RemovePendingTool(exec.ID)
		if err := e.ExecuteTool(ctx, opts, exec); err != nil {
			return err
		}
		if _, err := e.Hooks.Trigger(ctx, hooks.LoopContinue, &hooks.Context{ConversationID: opts.ConversationID}); err != nil {
			if errors.Is(err, hooks.ErrSessionComplete) {
				return nil
			}
			return err
		}
		if opts.Session.Interrupted(true) {
			return nil
		}
	}
}

// step performs one generation and returns the pending executions parsed
// from the new assistant message.
func (e *Engine) step(ctx context.Context, opts Options) ([]*models.ToolExecution, error) {
	log, err := e.Logs.Open(opts.ConversationID, true)
	if err != nil {
		return nil, err
	}
	defer log.Close()
	if opts.Branch != "" {
		log.SetBranch(opts.Branch)
	}

	msgs, err := log.Read()
	if err != nil {
		return nil, err
	}

	cfg, err := logstore.LoadChatConfig(e.Logs.Dir(opts.ConversationID))
	if err != nil {
		return nil, err
	}
	format := models.ToolFormat(cfg.Chat.ToolFormat)
	if !format.Valid() {
		format = models.FormatMarkdown
	}
	active := e.Tools.Subset(cfg.Chat.Tools)

	appendAndPublish := func(extra []models.Message) error {
		for _, m := range extra {
			if err := log.Append(m); err != nil {
				return err
			}
			opts.Session.Publish(models.Event{Type: models.EventMessageAdded, Message: &m})
			msgs = append(msgs, m)
		}
		return nil
	}

	hookCtx := &hooks.Context{ConversationID: opts.ConversationID}

	if firstAssistant(msgs) {
		yielded, err := e.Hooks.Trigger(ctx, hooks.SessionStart, hookCtx)
		if err != nil && !errors.Is(err, hooks.ErrSessionComplete) {
			return nil, err
		}
		if e.Budget != nil && e.Budget.Budget() > 0 {
			budgetMsg := models.NewSystemMessage(e.Budget.BudgetMessage())
			budgetMsg.Hide = true
			yielded = append(yielded, budgetMsg)
		}
		if err := appendAndPublish(yielded); err != nil {
			return nil, err
		}
	}

	// Staged cost warnings ride in on the next turn as hidden system
	// messages.
	for _, warning := range opts.Session.Costs.TakePendingWarnings() {
		warnMsg := models.NewSystemMessage(warning)
		warnMsg.Hide = true
		if err := appendAndPublish([]models.Message{warnMsg}); err != nil {
			return nil, err
		}
	}

	yielded, err := e.Hooks.Trigger(ctx, hooks.MessagePreProcess, hookCtx)
	if err != nil {
		return nil, err
	}
	if err := appendAndPublish(yielded); err != nil {
		return nil, err
	}

	provider, meta, err := e.Registry.Resolve(chooseModel(opts.Model, cfg.Chat.Model))
	if err != nil {
		return nil, err
	}

	prepOpts := e.prepareOptions(ctx, provider, meta)
	prepOpts.Workspace = opts.Workspace
	prepared, err := logstore.PrepareMessages(ctx, msgs, prepOpts)
	if err != nil {
		return nil, err
	}

	settings := e.settings()
	req := &llm.Request{
		Model:            meta,
		Messages:         prepared,
		Temperature:      settings.Temperature,
		TopP:             settings.TopP,
		ReasoningBudget:  settings.ReasoningBudget,
		DisableReasoning: settings.DisableReasoning,
	}
	if format == models.FormatTool {
		req.Tools = active.ToolDefs()
	}

	if _, err := e.Hooks.Trigger(ctx, hooks.GenerationPre, hookCtx); err != nil {
		return nil, err
	}
	opts.Session.Publish(models.Event{Type: models.EventGenerationStarted})

	content, usage, err := e.generate(ctx, provider, req, opts, format, active)
	if err != nil {
		return nil, err
	}

	assistant := models.NewMessage(models.RoleAssistant, content)
	assistant.Metadata = usage
	if err := log.Append(assistant); err != nil {
		return nil, err
	}
	if usage != nil {
		opts.Session.Costs.Record(usage)
	}
	if e.Budget != nil {
		e.Budget.Advance(append(msgs, assistant))
	}

	hookCtx.Message = &assistant
	hookCtx.Usage = usage
	if _, err := e.Hooks.Trigger(ctx, hooks.GenerationPost, hookCtx); err != nil {
		return nil, err
	}
	yielded, err = e.Hooks.Trigger(ctx, hooks.MessagePostProcess, hookCtx)
	if err != nil {
		return nil, err
	}
	if err := appendAndPublish(yielded); err != nil {
		return nil, err
	}

	if cfg.Chat.Name == "" {
		e.autoNameAsync(opts, append(msgs, assistant))
	}

	opts.Session.Publish(models.Event{Type: models.EventGenerationComplete, Message: &assistant})

	if strings.HasSuffix(content, InterruptedSuffix) {
		note := models.NewSystemMessage("Interrupted by user")
		if err := appendAndPublish([]models.Message{note}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var execs []*models.ToolExecution
	for _, tu := range toolreg.Parse(assistant.Content, format, active, false) {
		execs = append(execs, &models.ToolExecution{
			ID:      uuid.New().String(),
			Status:  models.ToolPending,
			ToolUse: tu,
		})
	}
	// Only the first invocation runs this turn, so only it draws from the
	// auto-confirm counter.
	if len(execs) > 0 {
		execs[0].AutoConfirm = opts.AutoConfirm || opts.Session.TakeAutoConfirm()
	}
	return execs, nil
}

// generate runs the provider call, streaming when requested. Generation
// breaks at the first complete tool invocation on a line boundary; waiting
// for the rest wastes tokens and confuses later tool output.
func (e *Engine) generate(ctx context.Context, provider llm.Provider, req *llm.Request, opts Options, format models.ToolFormat, active *toolreg.Registry) (string, *models.Usage, error) {
	settings := e.settings()
	if settings.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(settings.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	if !opts.Stream {
		return provider.Chat(ctx, req)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := provider.Stream(streamCtx, req)
	if err != nil {
		return "", nil, err
	}

	var buf strings.Builder
	var usage *models.Usage
	broke := false
	for chunk := range chunks {
		if chunk.Err != nil {
			if broke || opts.Session.Interrupted(false) {
				// The cancel that stopped the stream is not an error.
				break
			}
			return "", nil, chunk.Err
		}
		if chunk.Done {
			usage = chunk.Usage
			continue
		}
		if opts.Session.Interrupted(false) {
			buf.WriteString(InterruptedSuffix)
			cancel()
			broke = true
			break
		}
		buf.WriteString(chunk.Token)
		opts.Session.Publish(models.Event{Type: models.EventGenerationProgress, Token: chunk.Token})
		if opts.OnToken != nil {
			opts.OnToken(chunk.Token)
		}
		if settings.BreakOnToolUse && strings.Contains(chunk.Token, "\n") {
			if _, ok := toolreg.FirstComplete(buf.String(), format, active, true); ok {
				cancel()
				broke = true
				break
			}
		}
	}
	if broke {
		// Drain so the provider goroutine can exit.
		for range chunks {
		}
	}
	return buf.String(), usage, nil
}

// ExecuteTool runs one confirmed invocation, appends its output, and
// publishes events. The engine continues the loop afterwards via Run.
func (e *Engine) ExecuteTool(ctx context.Context, opts Options, exec *models.ToolExecution) error {
	log, err := e.Logs.Open(opts.ConversationID, true)
	if err != nil {
		return err
	}
	defer log.Close()
	if opts.Branch != "" {
		log.SetBranch(opts.Branch)
	}

	exec.Status = models.ToolExecuting
	opts.Session.Publish(models.Event{Type: models.EventToolExecuting, ToolID: exec.ID})

	hookCtx := &hooks.Context{ConversationID: opts.ConversationID, ToolUse: &exec.ToolUse}
	if _, err := e.Hooks.Trigger(ctx, hooks.ToolPreExecute, hookCtx); err != nil {
		return err
	}

	spec, err := e.Tools.Get(exec.ToolUse.Tool)
	var results []models.Message
	if err == nil {
		results, err = spec.Execute(ctx, &exec.ToolUse, func(string) bool { return true })
	}
	if err != nil {
		exec.Status = models.ToolFailed
		results = []models.Message{models.NewSystemMessage("Error: " + err.Error())}
		e.logger().Error("tool execution failed", "tool", exec.ToolUse.Tool, "error", err)
	} else {
		exec.Status = models.ToolCompleted
	}

	for _, m := range results {
		if m.CallID == "" {
			m.CallID = exec.ToolUse.CallID
		}
		if err := log.Append(m); err != nil {
			return err
		}
		opts.Session.Publish(models.Event{Type: models.EventMessageAdded, Message: &m})
	}

	if e.Budget != nil {
		if warning := e.Budget.UsageWarning(); warning != "" {
			warnMsg := models.NewSystemMessage(warning)
			warnMsg.Hide = true
			if err := log.Append(warnMsg); err != nil {
				return err
			}
			opts.Session.Publish(models.Event{Type: models.EventMessageAdded, Message: &warnMsg})
		}
	}

	_, err = e.Hooks.Trigger(ctx, hooks.ToolPostExecute, hookCtx)
	return err
}

// Confirm resolves a pending tool and continues the loop. It owns the
// generation slot like Run.
func (e *Engine) Confirm(ctx context.Context, opts Options, toolID, action, editedContent string, count int) error {
	exec, ok := opts.Session.PendingTool(toolID)
	if !ok {
		return fmt.Errorf("step: no pending tool %q", toolID)
	}

	if !e.Sessions.StartGenerating(opts.ConversationID) {
		return ErrBusy
	}
	defer e.Sessions.StopGenerating(opts.ConversationID)

	opts.Session.RemovePendingTool(toolID)

	switch action {
	case "confirm":
	case "edit":
		exec.ToolUse.Content = editedContent
	case "auto":
		opts.Session.SetAutoConfirm(count)
	case "skip":
		log, err := e.Logs.Open(opts.ConversationID, true)
		if err != nil {
			return err
		}
		skipMsg := models.NewSystemMessage(fmt.Sprintf("Skipped tool %s", toolID))
		if opts.Branch != "" {
			log.SetBranch(opts.Branch)
		}
		if err := log.Append(skipMsg); err != nil {
			log.Close()
			return err
		}
		log.Close()
		opts.Session.Publish(models.Event{Type: models.EventMessageAdded, Message: &skipMsg})
		return e.runLocked(ctx, opts)
	default:
		return fmt.Errorf("step: unknown confirm action %q", action)
	}

	if err := e.ExecuteTool(ctx, opts, exec); err != nil {
		return err
	}
	return e.runLocked(ctx, opts)
}

// prepareOptions wires long-output summarization to the provider's cheap
// summary model.
func (e *Engine) prepareOptions(ctx context.Context, provider llm.Provider, meta llm.ModelMeta) logstore.PrepareOptions {
	opts := logstore.DefaultPrepareOptions()
	summaryModel := llm.SummaryModel(meta.Provider)
	if summaryModel == "" {
		return opts
	}
	summaryMeta := llm.Lookup(meta.Provider, summaryModel)
	opts.Summarize = func(ctx context.Context, content string) (string, error) {
		req := &llm.Request{
			Model: summaryMeta,
			Messages: []models.Message{
				models.NewSystemMessage("Summarize the following tool output concisely, preserving key facts, paths, and errors."),
				models.NewUserMessage(content),
			},
			MaxTokens: 500,
		}
		text, _, err := provider.Chat(ctx, req)
		return text, err
	}
	return opts
}

// autoNameAsync requests a short conversation name from the summary model.
// Best effort: failures are logged and dropped.
func (e *Engine) autoNameAsync(opts Options, msgs []models.Message) {
	if _, inFlight := e.naming.LoadOrStore(opts.ConversationID, struct{}{}); inFlight {
		return
	}
	go func() {
		defer e.naming.Delete(opts.ConversationID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		provider, meta, err := e.Registry.Resolve(chooseModel(opts.Model, ""))
		if err != nil {
			return
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
		req := &llm.Request{
			Model: summaryMeta,
			Messages: []models.Message{
				models.NewSystemMessage("Reply with a short title (at most five words) for this conversation. No quotes, no punctuation."),
				models.NewUserMessage(transcript.String()),
			},
			MaxTokens: 20,
		}
		name, _, err := provider.Chat(ctx, req)
		if err != nil {
			e.logger().Debug("auto-naming failed", "error", err)
			return
		}
		name = cleanName(name)
		if name == "" {
			return
		}

		dir := e.Logs.Dir(opts.ConversationID)
		cfg, err := logstore.LoadChatConfig(dir)
		if err != nil || cfg.Chat.Name != "" {
			return
		}
		cfg.Chat.Name = name
		if err := logstore.SaveChatConfig(dir, cfg); err != nil {
			return
		}
		opts.Session.Publish(models.Event{
			Type:          models.EventConfigChanged,
			Config:        map[string]any{"chat": map[string]any{"name": name}},
			ChangedFields: []string{"name"},
		})
	}()
}

// EndConversation runs session-end hooks for a conversation and persists
// any messages they yield. The server calls this when the last attached
// session is swept.
func (e *Engine) EndConversation(ctx context.Context, conversationID string) error {
	yielded, err := e.Hooks.Trigger(ctx, hooks.SessionEnd, &hooks.Context{ConversationID: conversationID})
	if err != nil {
		return err
	}
	if len(yielded) == 0 {
		return nil
	}
	log, err := e.Logs.Open(conversationID, true)
	if err != nil {
		return err
	}
	defer log.Close()
	for _, m := range yielded {
		if err := log.Append(m); err != nil {
			return err
		}
	}
	return nil
}

// cleanName normalizes a model-suggested conversation name: quotes and a
// trailing period stripped, at most five words, at most 60 runes.
func cleanName(name string) string {
	name = strings.Trim(strings.TrimSpace(name), `"'`)
	name = strings.TrimSuffix(name, ".")
	if fields := strings.Fields(name); len(fields) > 5 {
		name = strings.Join(fields[:5], " ")
	}
	if runes := []rune(name); len(runes) > 60 {
		name = strings.TrimSpace(string(runes[:60]))
	}
	return name
}

// ShouldAutoStep reports whether a freshly loaded conversation should
// generate immediately: the previous run died after persisting a user
// message but before answering.
func ShouldAutoStep(msgs []models.Message) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		switch msgs[i].Role {
		case models.RoleUser:
			return true
		case models.RoleAssistant:
			return false
		}
	}
	return false
}

func firstAssistant(msgs []models.Message) bool {
	for _, m := range msgs {
		if m.Role == models.RoleAssistant {
			return false
		}
	}
	return true
}

func chooseModel(override, configured string) string {
	if override != "" {
		return override
	}
	return configured
}
