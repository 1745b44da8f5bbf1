// Package openaichat implements the llm.Provider interface for the OpenAI
// Chat Completions wire protocol. One adapter serves every endpoint speaking
// that protocol: OpenAI itself, Azure, OpenRouter, Groq, xAI, DeepSeek,
// NVIDIA, Gemini's compatibility layer, and local servers.
package openaichat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gptme/gptme/internal/llm"
	"github.com/gptme/gptme/internal/retry"
	"github.com/gptme/gptme/pkg/models"
)

// baseURLs maps known provider names to their Chat Completions endpoints.
var baseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"xai":        "https://api.x.ai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"nvidia":     "https://integrate.api.nvidia.com/v1",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/openai",
}

// Config configures one OpenAI-compatible endpoint.
type Config struct {
	// Provider is the registry name ("openai", "openrouter", "local", ...).
	Provider string

	// APIKey authenticates against the endpoint. Local servers accept any
	// non-empty key.
	APIKey string

	// BaseURL overrides the endpoint derived from Provider. Required for
	// "local", "azure", and custom providers.
	BaseURL string

	// Retry overrides the default retry policy.
	Retry retry.Config

	Logger *slog.Logger
}

// Provider is the OpenAI-compatible adapter.
type Provider struct {
	client *openai.Client
	name   string
	retry  retry.Config
	logger *slog.Logger
}

// New creates an adapter for one endpoint.
func New(config Config) (*Provider, error) {
	if config.Provider == "" {
		return nil, errors.New("openaichat: provider name is required")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("openaichat: API key is required for %s", config.Provider)
	}
	base := config.BaseURL
	if base == "" {
		base = baseURLs[config.Provider]
	}
	if base == "" {
		return nil, fmt.Errorf("openaichat: no base URL known for %q, set one explicitly", config.Provider)
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = base

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client: openai.NewClientWithConfig(clientConfig),
		name:   config.Provider,
		retry:  config.Retry,
		logger: logger.With("component", "llm.openaichat", "provider", config.Provider),
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.name }

// Chat performs a non-streaming completion.
func (p *Provider) Chat(ctx context.Context, req *llm.Request) (string, *models.Usage, error) {
	chatReq, err := p.buildRequest(req, false)
	if err != nil {
		return "", nil, err
	}

	resp, err := retry.DoValue(ctx, p.retry, func() (openai.ChatCompletionResponse, error) {
		return p.client.CreateChatCompletion(ctx, *chatReq)
	})
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("%s: empty response", p.name)
	}

	choice := resp.Choices[0]
	var out strings.Builder
	if choice.Message.ReasoningContent != "" {
		out.WriteString(models.ThinkStart + "\n" + choice.Message.ReasoningContent + "\n" + models.ThinkEnd + "\n")
	}
	out.WriteString(choice.Message.Content)
	for _, tc := range choice.Message.ToolCalls {
		if out.Len() > 0 && !strings.HasSuffix(out.String(), "\n") {
			out.WriteString("\n")
		}
		out.WriteString(llm.EncodeNativeCall(tc.Function.Name, tc.ID, json.RawMessage(tc.Function.Arguments)))
	}

	usage := p.usageFrom(resp.Usage, req.Model)
	return out.String(), usage, nil
}

// Stream performs a streaming completion. Retries stop once the first token
// is delivered.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	chatReq, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan llm.StreamChunk)
	go func() {
		defer close(chunks)

		guard := &retry.StreamGuard{}
		err := retry.DoStream(ctx, p.retry, guard, func() error {
			stream, err := p.client.CreateChatCompletionStream(ctx, *chatReq)
			if err != nil {
				return err
			}
			defer stream.Close()
			return p.consumeStream(ctx, stream, req.Model, guard, chunks)
		})
		if err != nil {
			select {
			case chunks <- llm.StreamChunk{Err: fmt.Errorf("%s: %w", p.name, err), Done: true}:
			case <-ctx.Done():
			}
		}
	}()
	return chunks, nil
}

// toolCallState accumulates one incremental tool call across deltas.
type toolCallState struct {
	id       string
	name     string
	emitted  bool
	argBytes strings.Builder
}

func (p *Provider) consumeStream(ctx context.Context, stream *openai.ChatCompletionStream, model llm.ModelMeta, guard *retry.StreamGuard, chunks chan<- llm.StreamChunk) error {
	usage := &models.Usage{Model: model.FullName()}
	calls := make(map[int]*toolCallState)
	inThinking := false

	emit := func(token string) bool {
		guard.MarkYielded()
		select {
		case chunks <- llm.StreamChunk{Token: token}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	closeThinking := func() bool {
		if !inThinking {
			return true
		}
		inThinking = false
		return emit("\n" + models.ThinkEnd + "\n")
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !closeThinking() {
					return ctx.Err()
				}
				usage.Cost = model.Cost(usage)
				select {
				case chunks <- llm.StreamChunk{Done: true, Usage: usage}:
				case <-ctx.Done():
				}
				return nil
			}
			return err
		}

		if resp.Usage != nil {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
			if resp.Usage.PromptTokensDetails != nil {
				usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
				usage.InputTokens -= usage.CacheReadTokens
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		// DeepSeek-style reasoning arrives on a dedicated field; bracket it
		// with think markers so downstream handling is uniform.
		if delta.ReasoningContent != "" {
			if !inThinking {
				inThinking = true
				if !emit(models.ThinkStart + "\n") {
					return ctx.Err()
				}
			}
			if !emit(delta.ReasoningContent) {
				return ctx.Err()
			}
		}

		if delta.Content != "" {
			if !closeThinking() {
				return ctx.Err()
			}
			if !emit(delta.Content) {
				return ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			state := calls[index]
			if state == nil {
				state = &toolCallState{}
				calls[index] = state
			}
			if tc.ID != "" {
				state.id = tc.ID
			}
			if tc.Function.Name != "" {
				state.name = tc.Function.Name
			}
			// The marker is emitted as soon as id and name are known; the
			// argument JSON streams behind it.
			if !state.emitted && state.id != "" && state.name != "" {
				state.emitted = true
				if !closeThinking() {
					return ctx.Err()
				}
				if !emit("\n" + llm.NativeMarker(state.name, state.id)) {
					return ctx.Err()
				}
			}
			if tc.Function.Arguments != "" {
				state.argBytes.WriteString(tc.Function.Arguments)
				if state.emitted && !emit(tc.Function.Arguments) {
					return ctx.Err()
				}
			}
		}

		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			if !emit("\n") {
				return ctx.Err()
			}
		}
	}
}

func (p *Provider) buildRequest(req *llm.Request, stream bool) (*openai.ChatCompletionRequest, error) {
	messages, err := convertMessages(req.Messages, req.Model)
	if err != nil {
		return nil, err
	}

	chatReq := &openai.ChatCompletionRequest{
		Model:    req.Model.Model,
		Messages: messages,
		Stream:   stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if req.TopP > 0 {
		chatReq.TopP = float32(req.TopP)
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return chatReq, nil
}

// convertMessages maps chat history into Chat Completions messages:
//
//   - system messages carrying a call id become role "tool" messages
//   - assistant native markers are lifted back into ToolCalls
//   - reasoning-only models reject the system role, so system content is
//     demoted to <system>-tagged user text
//   - consecutive same-role plain messages merge into one
func convertMessages(msgs []models.Message, model llm.ModelMeta) ([]openai.ChatCompletionMessage, error) {
	demoteSystem := model.IsReasoningModel()
	var result []openai.ChatCompletionMessage

	appendMerged := func(m openai.ChatCompletionMessage) {
		if n := len(result); n > 0 &&
			result[n-1].Role == m.Role &&
			m.Role != openai.ChatMessageRoleTool &&
			len(result[n-1].ToolCalls) == 0 && len(m.ToolCalls) == 0 {
			result[n-1].Content += "\n\n" + m.Content
			return
		}
		result = append(result, m)
	}

	for i, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			if msg.CallID != "" && i > 0 {
				// Consecutive results for the same call merge into one
				// tool message.
				if n := len(result); n > 0 && result[n-1].Role == openai.ChatMessageRoleTool && result[n-1].ToolCallID == msg.CallID {
					result[n-1].Content += "\n\n" + msg.Content
					continue
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    msg.Content,
					ToolCallID: msg.CallID,
				})
				continue
			}
			content := msg.Content
			role := openai.ChatMessageRoleSystem
			if demoteSystem {
				role = openai.ChatMessageRoleUser
				content = "<system>" + content + "</system>"
			} else if i > 0 {
				// Mid-conversation system notes travel as tagged user text
				// so the single leading system prompt stays cacheable.
				role = openai.ChatMessageRoleUser
				content = "<system>" + content + "</system>"
			}
			appendMerged(openai.ChatCompletionMessage{Role: role, Content: content})

		case models.RoleUser:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			appendMerged(openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})

		case models.RoleAssistant:
			visible, reasoning := models.StripThinking(msg.Content)
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, seg := range llm.DecodeNative(visible) {
				if seg.Call == nil {
					if out.Content != "" {
						out.Content += seg.Text
					} else {
						out.Content = seg.Text
					}
					continue
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   seg.Call.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      seg.Call.Tool,
						Arguments: seg.Call.Content,
					},
				})
			}
			out.Content = strings.TrimSpace(out.Content)
			// DeepSeek requires reasoning_content on assistant turns that
			// carry tool calls.
			if reasoning != "" && len(out.ToolCalls) > 0 {
				out.ReasoningContent = reasoning
			}
			if out.Content == "" && len(out.ToolCalls) == 0 {
				continue
			}
			appendMerged(out)

		default:
			return nil, fmt.Errorf("openaichat: unsupported role %q", msg.Role)
		}
	}
	return result, nil
}

func (p *Provider) usageFrom(u openai.Usage, model llm.ModelMeta) *models.Usage {
	usage := &models.Usage{
		Model:        model.FullName(),
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CacheReadTokens = u.PromptTokensDetails.CachedTokens
		usage.InputTokens -= usage.CacheReadTokens
	}
	usage.Cost = model.Cost(usage)
	return usage
}
