package logstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gptme/gptme/pkg/models"
)

// Summarizer condenses long tool output via a cheap summary model. The
// default passes content through untouched.
type Summarizer func(ctx context.Context, content string) (string, error)

// PrepareOptions control message preparation for model input.
type PrepareOptions struct {
	// Workspace resolves relative attachment paths. Empty means the
	// process working directory.
	Workspace string

	// MaxFileBytes caps how much of an attached text file is inlined.
	MaxFileBytes int

	// SummarizeThreshold is the running total of content bytes beyond
	// which long tool outputs are summarized. 0 disables summarization.
	SummarizeThreshold int

	// SummarizeMinBytes is the minimum size of an individual tool output
	// eligible for summarization.
	SummarizeMinBytes int

	// Summarize condenses tool output when thresholds are exceeded.
	Summarize Summarizer
}

// DefaultPrepareOptions returns preparation defaults.
func DefaultPrepareOptions() PrepareOptions {
	return PrepareOptions{
		MaxFileBytes:       100_000,
		SummarizeThreshold: 400_000,
		SummarizeMinBytes:  10_000,
	}
}

// PrepareMessages produces the message list actually sent to a provider:
//
//  1. Attached text files are materialized into message content (images and
//     URIs stay as references for the adapter to handle).
//  2. Long tool outputs are summarized once the running total crosses the
//     threshold.
//  3. Hide-only transient messages injected by hooks are preserved; they are
//     display-hidden, not model-hidden.
//  4. Pinned messages survive unconditionally.
func PrepareMessages(ctx context.Context, msgs []models.Message, opts PrepareOptions) ([]models.Message, error) {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultPrepareOptions().MaxFileBytes
	}
	out := make([]models.Message, 0, len(msgs))
	var total int
	for _, msg := range msgs {
		prepared := msg
		if len(msg.Files) > 0 {
			content, err := materializeFiles(msg, opts.Workspace, opts.MaxFileBytes)
			if err != nil {
				return nil, err
			}
			prepared = msg.WithContent(content)
		}
		total += len(prepared.Content)
		if opts.Summarize != nil && opts.SummarizeThreshold > 0 &&
			total > opts.SummarizeThreshold &&
			prepared.Role == models.RoleSystem && prepared.CallID != "" &&
			len(prepared.Content) >= opts.SummarizeMinBytes && !prepared.Pinned {
			summary, err := opts.Summarize(ctx, prepared.Content)
			if err == nil && summary != "" {
				total -= len(prepared.Content) - len(summary)
				prepared = prepared.WithContent("Summary of tool output:\n" + summary)
			}
		}
		out = append(out, prepared)
	}
	return out, nil
}

func materializeFiles(msg models.Message, workspace string, maxBytes int) (string, error) {
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, ref := range msg.Files {
		if ref.IsURI() {
			continue
		}
		if isImagePath(ref.Path) {
			continue
		}
		path := ref.Path
		if workspace != "" && !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			b.WriteString(fmt.Sprintf("\n\n```%s\n(file not readable: %v)\n```", ref.Path, err))
			continue
		}
		truncated := false
		if len(data) > maxBytes {
			data = data[:maxBytes]
			truncated = true
		}
		b.WriteString(fmt.Sprintf("\n\n```%s\n%s", ref.Path, string(data)))
		if truncated {
			b.WriteString("\n... (truncated)")
		}
		b.WriteString("\n```")
	}
	return b.String(), nil
}

func isImagePath(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
