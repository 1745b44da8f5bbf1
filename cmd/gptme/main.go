// Package main provides the gptme CLI: a terminal chat interface to the
// conversation engine.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

type cliFlags struct {
	model          string
	workspace      string
	name           string
	resume         bool
	noConfirm      bool
	nonInteractive bool
	system         string
	tools          []string
	toolFormat     string
	noStream       bool
	showHidden     bool
	verbose        bool
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var flags cliFlags
	cmd := &cobra.Command{
		Use:   "gptme [PROMPTS...]",
		Short: "gptme - a personal AI assistant in your terminal",
		Long: `gptme is a personal AI assistant in your terminal. It can run code and
commands, edit files, and chain tool use to complete tasks.

Multiple positional prompts are chained; a literal "-" separates rounds.
Piped stdin is attached to the first prompt as a fenced block.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if flags.verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			return runChat(cmd.Context(), flags, args, logger)
		},
	}

	cmd.Flags().StringVar(&flags.model, "model", "", "model to use (provider/model or bare provider)")
	cmd.Flags().StringVar(&flags.workspace, "workspace", "", "workspace directory (or @log for the log directory)")
	cmd.Flags().StringVar(&flags.name, "name", "random", "conversation name")
	cmd.Flags().BoolVarP(&flags.resume, "resume", "r", false, "resume the last conversation")
	cmd.Flags().BoolVarP(&flags.noConfirm, "no-confirm", "y", false, "skip tool confirmation prompts")
	cmd.Flags().BoolVarP(&flags.nonInteractive, "non-interactive", "n", false, "exit after the given prompts; implies -y")
	cmd.Flags().StringVar(&flags.system, "system", "full", "system prompt: full, short, or custom text")
	cmd.Flags().StringSliceVarP(&flags.tools, "tools", "t", nil, "allowed tools (default: all)")
	cmd.Flags().StringVar(&flags.toolFormat, "tool-format", "markdown", "tool-use format: markdown, xml, or tool")
	cmd.Flags().BoolVar(&flags.noStream, "no-stream", false, "disable streaming output")
	cmd.Flags().BoolVar(&flags.showHidden, "show-hidden", false, "show hidden system messages")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "verbose logging")
	return cmd
}
