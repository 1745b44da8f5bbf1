package config

import (
	"fmt"
	"strings"
	"time"
)

const basePrompt = `You are gptme, an AI assistant operating in the user's terminal.
You can run code and commands, read and write files, and help with a wide
range of programming and system tasks.

Break down complex tasks into steps and verify each step before moving on.
When a command or code block fails, read the error and fix the cause rather
than retrying blindly.`

const shortPrompt = `You are gptme, an AI assistant operating in the user's terminal.`

const interactiveNote = `The user can interrupt you at any time. Ask before destructive actions.`

const nonInteractiveNote = `You are running non-interactively. Do not ask questions; complete the task
end to end and state what you did.`

// PromptOptions assemble the leading system prompt.
type PromptOptions struct {
	// Variant is "full", "short", or literal custom prompt text.
	Variant string

	User    UserConfig
	Project ProjectConfig

	Interactive bool

	// ProjectName selects the per-project prompt from the user config.
	ProjectName string

	// ToolInstructions is the rendered tool section from the registry.
	ToolInstructions string

	Workspace string
}

// SystemPrompt renders the leading system message for a new conversation.
// PATCHing the chat config regenerates it with the same options.
func SystemPrompt(opts PromptOptions) string {
	var sections []string

	switch opts.Variant {
	case "", "full":
		base := basePrompt
		if opts.Project.BasePrompt != "" {
			base = opts.Project.BasePrompt
		}
		sections = append(sections, base)
	case "short":
		sections = append(sections, shortPrompt)
	default:
		sections = append(sections, opts.Variant)
	}

	if opts.Interactive {
		sections = append(sections, interactiveNote)
	} else {
		sections = append(sections, nonInteractiveNote)
	}

	if opts.User.Prompt.AboutUser != "" {
		sections = append(sections, "# About user\n\n"+opts.User.Prompt.AboutUser)
	}
	if opts.User.Prompt.ResponsePreference != "" {
		sections = append(sections, "# Response preference\n\n"+opts.User.Prompt.ResponsePreference)
	}
	if opts.ProjectName != "" {
		if p, ok := opts.User.Prompt.Project[opts.ProjectName]; ok && p != "" {
			sections = append(sections, "# Project\n\n"+p)
		}
	}
	if opts.Project.Prompt != "" {
		sections = append(sections, "# Project context\n\n"+opts.Project.Prompt)
	}
	if opts.Workspace != "" {
		sections = append(sections, fmt.Sprintf("Current workspace: %s", opts.Workspace))
	}
	if opts.ToolInstructions != "" {
		sections = append(sections, "# Tools\n\n"+opts.ToolInstructions)
	}
	sections = append(sections, "Current date: "+time.Now().Format("2006-01-02"))

	return strings.Join(sections, "\n\n")
}
