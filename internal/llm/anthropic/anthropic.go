// Package anthropic implements the llm.Provider interface for the Anthropic
// Messages API, covering message normalization, prompt cache breakpoints,
// extended thinking, and streaming with retry.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/gptme/gptme/internal/llm"
	"github.com/gptme/gptme/internal/retry"
	"github.com/gptme/gptme/pkg/models"
)

const (
	defaultMaxTokens      = 4096
	defaultThinkingBudget = 16000
	minThinkingBudget     = 1024
)

// CachePlanner places prompt cache breakpoints on an outgoing request. The
// API allows at most four cache_control markers per request.
type CachePlanner func(params *sdk.MessageNewParams)

// Config configures the Anthropic provider.
type Config struct {
	// APIKey is the Anthropic API key (required).
	APIKey string

	// BaseURL overrides the API endpoint, for proxies.
	BaseURL string

	// Retry overrides the default retry policy.
	Retry retry.Config

	// Planner overrides the default cache breakpoint placement.
	Planner CachePlanner

	Logger *slog.Logger
}

// Provider is the Anthropic adapter. Safe for concurrent use; each Stream
// call owns an independent goroutine and channel.
type Provider struct {
	client  sdk.Client
	retry   retry.Config
	planner CachePlanner
	logger  *slog.Logger
}

// New creates an Anthropic provider.
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	planner := config.Planner
	if planner == nil {
		planner = DefaultCachePlan
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client:  sdk.NewClient(options...),
		retry:   config.Retry,
		planner: planner,
		logger:  logger.With("component", "llm.anthropic"),
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "anthropic" }

// Chat performs a non-streaming completion.
func (p *Provider) Chat(ctx context.Context, req *llm.Request) (string, *models.Usage, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return "", nil, err
	}

	msg, err := retry.DoValue(ctx, p.retry, func() (*sdk.Message, error) {
		return p.client.Messages.New(ctx, *params)
	})
	if err != nil {
		return "", nil, fmt.Errorf("anthropic: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.WriteString(block.Text)
		case "thinking":
			// Thinking content is not replayed into history.
		case "tool_use":
			tu := block.AsToolUse()
			if out.Len() > 0 && !strings.HasSuffix(out.String(), "\n") {
				out.WriteString("\n")
			}
			out.WriteString(llm.EncodeNativeCall(tu.Name, tu.ID, json.RawMessage(tu.Input)))
		}
	}

	usage := usageFrom(msg.Usage, req.Model)
	return out.String(), usage, nil
}

// Stream performs a streaming completion. Retries are attempted only until
// the first token reaches the channel.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan llm.StreamChunk)
	go func() {
		defer close(chunks)

		guard := &retry.StreamGuard{}
		err := retry.DoStream(ctx, p.retry, guard, func() error {
			stream := p.client.Messages.NewStreaming(ctx, *params)
			return p.consumeStream(ctx, stream, req.Model, guard, chunks)
		})
		if err != nil {
			select {
			case chunks <- llm.StreamChunk{Err: fmt.Errorf("anthropic: %w", err), Done: true}:
			case <-ctx.Done():
			}
		}
	}()
	return chunks, nil
}

// consumeStream drains one SSE stream into chunks. Any error before the
// first emitted token is returned for the retry loop to classify.
func (p *Provider) consumeStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], model llm.ModelMeta, guard *retry.StreamGuard, chunks chan<- llm.StreamChunk) error {
	usage := &models.Usage{Model: model.FullName()}
	inThinking := false
	inToolUse := false

	emit := func(token string) bool {
		guard.MarkYielded()
		select {
		case chunks <- llm.StreamChunk{Token: token}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			usage.CacheCreationTokens = int(start.Message.Usage.CacheCreationInputTokens)
			usage.CacheReadTokens = int(start.Message.Usage.CacheReadInputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				if !emit(models.ThinkStart + "\n") {
					return ctx.Err()
				}
			case "tool_use":
				tu := block.AsToolUse()
				inToolUse = true
				if !emit("\n" + llm.NativeMarker(tu.Name, tu.ID)) {
					return ctx.Err()
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !emit(delta.Text) {
					return ctx.Err()
				}
			case "thinking_delta":
				if delta.Thinking != "" && !emit(delta.Thinking) {
					return ctx.Err()
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && !emit(delta.PartialJSON) {
					return ctx.Err()
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				if !emit("\n" + models.ThinkEnd + "\n") {
					return ctx.Err()
				}
			}
			if inToolUse {
				inToolUse = false
				if !emit("\n") {
					return ctx.Err()
				}
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			usage.Cost = model.Cost(usage)
			select {
			case chunks <- llm.StreamChunk{Done: true, Usage: usage}:
			case <-ctx.Done():
			}
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return errors.New("stream ended without message_stop")
}

// buildParams normalizes the request into Anthropic Messages parameters.
func (p *Provider) buildParams(req *llm.Request) (*sdk.MessageNewParams, error) {
	system, messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = req.Model.MaxOutput
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	// Thinking is enabled only without tools: interleaved thinking and
	// tool use is not supported by the flat stream protocol.
	thinking := req.Model.SupportsReasoning && len(req.Tools) == 0 && !req.DisableReasoning
	if thinking {
		budget := int64(req.ReasoningBudget)
		if budget <= 0 {
			budget = defaultThinkingBudget
		}
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	} else if req.Temperature > 0 {
		// The API rejects temperature with thinking enabled.
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.TopP > 0 && !thinking {
		params.TopP = sdk.Float(req.TopP)
	}

	p.planner(params)
	return params, nil
}

// convertMessages maps chat history into the Anthropic wire shape:
//
//   - the leading system message becomes top-level system blocks
//   - later system messages carrying a call id become tool_result blocks
//   - other later system messages become <system>-tagged user text
//   - assistant native markers are lifted back into tool_use blocks
//   - consecutive same-role messages merge into one message
func convertMessages(msgs []models.Message) ([]sdk.TextBlockParam, []sdk.MessageParam, error) {
	var system []sdk.TextBlockParam
	var result []sdk.MessageParam

	appendBlocks := func(role sdk.MessageParamRole, blocks []sdk.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		result = append(result, sdk.MessageParam{Role: role, Content: blocks})
	}

	for i, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			if i == 0 {
				system = append(system, sdk.TextBlockParam{Text: msg.Content})
				continue
			}
			if msg.CallID != "" {
				appendBlocks(sdk.MessageParamRoleUser, []sdk.ContentBlockParamUnion{
					sdk.NewToolResultBlock(msg.CallID, msg.Content, false),
				})
				continue
			}
			appendBlocks(sdk.MessageParamRoleUser, []sdk.ContentBlockParamUnion{
				sdk.NewTextBlock("<system>" + msg.Content + "</system>"),
			})

		case models.RoleUser:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			appendBlocks(sdk.MessageParamRoleUser, []sdk.ContentBlockParamUnion{
				sdk.NewTextBlock(msg.Content),
			})

		case models.RoleAssistant:
			visible, _ := models.StripThinking(msg.Content)
			blocks, err := assistantBlocks(visible)
			if err != nil {
				return nil, nil, err
			}
			appendBlocks(sdk.MessageParamRoleAssistant, blocks)

		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported role %q", msg.Role)
		}
	}

	// The API rejects trailing whitespace on a final assistant turn.
	if n := len(result); n > 0 && result[n-1].Role == sdk.MessageParamRoleAssistant {
		blocks := result[n-1].Content
		if m := len(blocks); m > 0 && blocks[m-1].OfText != nil {
			blocks[m-1].OfText.Text = strings.TrimRight(blocks[m-1].OfText.Text, " \t\n")
		}
	}
	return system, result, nil
}

// assistantBlocks splits assistant content into text and tool_use blocks,
// decoding any native call markers.
func assistantBlocks(content string) ([]sdk.ContentBlockParamUnion, error) {
	var blocks []sdk.ContentBlockParamUnion
	for _, seg := range llm.DecodeNative(content) {
		if seg.Call == nil {
			if strings.TrimSpace(seg.Text) != "" {
				blocks = append(blocks, sdk.NewTextBlock(seg.Text))
			}
			continue
		}
		var input map[string]any
		if err := json.Unmarshal([]byte(seg.Call.Content), &input); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", seg.Call.Tool, err)
		}
		blocks = append(blocks, sdk.NewToolUseBlock(seg.Call.CallID, input, seg.Call.Tool))
	}
	return blocks, nil
}

func convertTools(tools []llm.ToolDef) ([]sdk.ToolUnionParam, error) {
	var result []sdk.ToolUnionParam
	for _, tool := range tools {
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = sdk.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// DefaultCachePlan places up to four cache breakpoints: the tail of the
// system prompt, the last tool definition, and the last two user turns.
// Anything before a breakpoint is served from the prompt cache on the next
// request, which dominates cost in long agent conversations.
func DefaultCachePlan(params *sdk.MessageNewParams) {
	remaining := 4

	if n := len(params.System); n > 0 {
		params.System[n-1].CacheControl = sdk.NewCacheControlEphemeralParam()
		remaining--
	}
	if n := len(params.Tools); n > 0 && remaining > 0 {
		if tool := params.Tools[n-1].OfTool; tool != nil {
			tool.CacheControl = sdk.NewCacheControlEphemeralParam()
			remaining--
		}
	}
	for i := len(params.Messages) - 1; i >= 0 && remaining > 0; i-- {
		msg := &params.Messages[i]
		if msg.Role != sdk.MessageParamRoleUser || len(msg.Content) == 0 {
			continue
		}
		if block := msg.Content[len(msg.Content)-1].OfText; block != nil {
			block.CacheControl = sdk.NewCacheControlEphemeralParam()
			remaining--
		} else if block := msg.Content[len(msg.Content)-1].OfToolResult; block != nil {
			block.CacheControl = sdk.NewCacheControlEphemeralParam()
			remaining--
		}
	}
}

func usageFrom(u sdk.Usage, model llm.ModelMeta) *models.Usage {
	usage := &models.Usage{
		Model:               model.FullName(),
		InputTokens:         int(u.InputTokens),
		OutputTokens:        int(u.OutputTokens),
		CacheCreationTokens: int(u.CacheCreationInputTokens),
		CacheReadTokens:     int(u.CacheReadInputTokens),
	}
	usage.Cost = model.Cost(usage)
	return usage
}
