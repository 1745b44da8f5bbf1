package openaichat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gptme/gptme/internal/llm"
	"github.com/gptme/gptme/pkg/models"
)

func sseServer(t *testing.T, payloads []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Contains(t, r.URL.Path, "/chat/completions")
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, payload := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func collect(t *testing.T, chunks <-chan llm.StreamChunk) (string, *models.Usage) {
	t.Helper()
	var text strings.Builder
	var usage *models.Usage
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		text.WriteString(chunk.Token)
		if chunk.Done {
			usage = chunk.Usage
		}
	}
	return text.String(), usage
}

func newTestProvider(t *testing.T, url string) *Provider {
	t.Helper()
	p, err := New(Config{Provider: "openai", APIKey: "test-key", BaseURL: url + "/v1"})
	require.NoError(t, err)
	return p
}

func basicRequest(model string) *llm.Request {
	return &llm.Request{
		Model: llm.Lookup("openai", model),
		Messages: []models.Message{
			models.NewSystemMessage("sys"),
			models.NewUserMessage("hi"),
		},
	}
}

func TestStreamText(t *testing.T) {
	server := sseServer(t, []string{
		`{"id":"1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{"content":" there"}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":4,"prompt_tokens_details":{"cached_tokens":6}}}`,
	})
	defer server.Close()

	p := newTestProvider(t, server.URL)
	chunks, err := p.Stream(context.Background(), basicRequest("gpt-4o"))
	require.NoError(t, err)

	text, usage := collect(t, chunks)
	assert.Equal(t, "Hello there", text)
	require.NotNil(t, usage)
	assert.Equal(t, 6, usage.InputTokens)
	assert.Equal(t, 6, usage.CacheReadTokens)
	assert.Equal(t, 4, usage.OutputTokens)
	assert.Greater(t, usage.Cost, 0.0)
}

func TestStreamToolCallFlattened(t *testing.T) {
	server := sseServer(t, []string{
		`{"id":"1","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_7","type":"function","function":{"name":"shell","arguments":""}}]}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"command\":"}}]}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"pwd\"}"}}]}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer server.Close()

	p := newTestProvider(t, server.URL)
	req := basicRequest("gpt-4o")
	req.Tools = []llm.ToolDef{{Name: "shell", Description: "run", Parameters: []byte(`{"type":"object"}`)}}
	chunks, err := p.Stream(context.Background(), req)
	require.NoError(t, err)

	text, _ := collect(t, chunks)
	segs := llm.DecodeNative(text)
	var call *models.ToolUse
	for _, seg := range segs {
		if seg.Call != nil {
			call = seg.Call
		}
	}
	require.NotNil(t, call)
	assert.Equal(t, "shell", call.Tool)
	assert.Equal(t, "call_7", call.CallID)
	assert.Equal(t, "pwd", call.Kwargs["command"])
}

func TestStreamReasoningBracketed(t *testing.T) {
	server := sseServer(t, []string{
		`{"id":"1","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"let me think"}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{"content":"42"}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	})
	defer server.Close()

	p := newTestProvider(t, server.URL)
	chunks, err := p.Stream(context.Background(), basicRequest("gpt-4o"))
	require.NoError(t, err)

	text, _ := collect(t, chunks)
	visible, reasoning := models.StripThinking(text)
	assert.Equal(t, "42", strings.TrimSpace(visible))
	assert.Contains(t, reasoning, "let me think")
}

func TestConvertMessagesToolPlumbing(t *testing.T) {
	toolResult := models.NewSystemMessage("total 0")
	toolResult.CallID = "call_1"
	msgs := []models.Message{
		models.NewSystemMessage("You are gptme."),
		models.NewUserMessage("list files"),
		models.NewMessage(models.RoleAssistant, "@shell(call_1): {\"command\":\"ls\"}"),
		toolResult,
	}

	out, err := convertMessages(msgs, llm.Lookup("openai", "gpt-4o"))
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, out[0].Role)

	require.Len(t, out[2].ToolCalls, 1)
	assert.Equal(t, "call_1", out[2].ToolCalls[0].ID)
	assert.Equal(t, "shell", out[2].ToolCalls[0].Function.Name)

	assert.Equal(t, openai.ChatMessageRoleTool, out[3].Role)
	assert.Equal(t, "call_1", out[3].ToolCallID)
	assert.Equal(t, "total 0", out[3].Content)
}

func TestConvertMessagesDemotesSystemForReasoningModels(t *testing.T) {
	msgs := []models.Message{
		models.NewSystemMessage("You are gptme."),
		models.NewUserMessage("hi"),
	}
	out, err := convertMessages(msgs, llm.Lookup("openai", "o3-mini"))
	require.NoError(t, err)
	// Demoted system merges into the adjacent user turn.
	require.Len(t, out, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, out[0].Role)
	assert.Contains(t, out[0].Content, "<system>You are gptme.</system>")
	assert.Contains(t, out[0].Content, "hi")
}

func TestConvertMessagesMidConversationSystemTagged(t *testing.T) {
	msgs := []models.Message{
		models.NewSystemMessage("You are gptme."),
		models.NewUserMessage("hi"),
		models.NewMessage(models.RoleAssistant, "hello"),
		models.NewSystemMessage("tools changed"),
		models.NewUserMessage("ok"),
	}
	out, err := convertMessages(msgs, llm.Lookup("openai", "gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, openai.ChatMessageRoleSystem, out[0].Role)
	// Mid-conversation system note is tagged user text merged with the
	// following user message.
	last := out[len(out)-1]
	assert.Equal(t, openai.ChatMessageRoleUser, last.Role)
	assert.Contains(t, last.Content, "<system>tools changed</system>")
	assert.Contains(t, last.Content, "ok")
}

func TestNewKnownAndUnknownEndpoints(t *testing.T) {
	_, err := New(Config{Provider: "groq", APIKey: "k"})
	require.NoError(t, err)

	_, err = New(Config{Provider: "local", APIKey: "k"})
	assert.Error(t, err)

	_, err = New(Config{Provider: "local", APIKey: "k", BaseURL: "http://127.0.0.1:8000/v1"})
	require.NoError(t, err)
}

func TestChatNonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"four"},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":1}}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	text, usage, err := p.Chat(context.Background(), basicRequest("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "four", text)
	require.NotNil(t, usage)
	assert.Equal(t, 9, usage.InputTokens)
}
