package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gptme/gptme/internal/hooks"
	"github.com/gptme/gptme/internal/llm"
	"github.com/gptme/gptme/internal/logstore"
	"github.com/gptme/gptme/internal/sessions"
	"github.com/gptme/gptme/internal/step"
	"github.com/gptme/gptme/internal/toolreg"
	"github.com/gptme/gptme/pkg/models"
)

type fakeProvider struct {
	mu      sync.Mutex
	replies []string
}

func (p *fakeProvider) Name() string { return "mock" }

func (p *fakeProvider) next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return "ok"
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return reply
}

func (p *fakeProvider) Chat(ctx context.Context, req *llm.Request) (string, *models.Usage, error) {
	return p.next(), &models.Usage{Model: "mock/test"}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk, 2)
	out <- llm.StreamChunk{Token: p.next()}
	out <- llm.StreamChunk{Done: true, Usage: &models.Usage{Model: "mock/test"}}
	close(out)
	return out, nil
}

type testServer struct {
	*httptest.Server
	srv      *Server
	provider *fakeProvider

	mu       sync.Mutex
	executed []string
}

func (ts *testServer) executedCalls() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.executed...)
}

func newTestServer(t *testing.T, replies ...string) *testServer {
	t.Helper()

	logs, err := logstore.NewManager(t.TempDir())
	require.NoError(t, err)

	provider := &fakeProvider{replies: replies}
	registry := llm.NewRegistry()
	registry.Register(provider)
	registry.SetDefaultModel("mock/test")

	ts := &testServer{provider: provider}
	tools := toolreg.NewRegistry()
	require.NoError(t, tools.Register(&toolreg.ToolSpec{
		Name:        "echo",
		Description: "Echoes its input.",
		BlockTypes:  []string{"echo"},
		Execute: func(ctx context.Context, tu *models.ToolUse, confirm toolreg.ConfirmFunc) ([]models.Message, error) {
			ts.mu.Lock()
			ts.executed = append(ts.executed, tu.Content)
			ts.mu.Unlock()
			return []models.Message{models.NewSystemMessage("echoed: " + tu.Content)}, nil
		},
	}))

	sess := sessions.NewManager(nil)
	engine := &step.Engine{
		Logs:     logs,
		Registry: registry,
		Tools:    tools,
		Hooks:    hooks.NewRegistry(nil),
		Sessions: sess,
	}
	ts.srv = New(Server{
		Logs:     logs,
		Sessions: sess,
		Engine:   engine,
		Tools:    tools,
	})
	ts.Server = httptest.NewServer(ts.srv.Router())
	t.Cleanup(ts.Server.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (ts *testServer) create(t *testing.T, id string) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPut, "/api/v2/conversations/"+id, map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, id, body["conversation_id"])
	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, sessionID)
	return sessionID
}

func TestCreateAndGetConversation(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "conv1")

	resp, body := ts.do(t, http.MethodGet, "/api/v2/conversations/conv1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	log := body["log"].([]any)
	require.Len(t, log, 2)
	first := log[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Contains(t, first["content"], "You are gptme")
	second := log[1].(map[string]any)
	assert.Equal(t, "user", second["role"])
}

func TestCreateConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "conv1")
	resp, _ := ts.do(t, http.MethodPut, "/api/v2/conversations/conv1", map[string]any{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListConversations(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "a")
	ts.create(t, "b")

	resp, body := ts.do(t, http.MethodGet, "/api/v2/conversations?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["conversations"].([]any), 1)
}

func TestAppendMessage(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "conv1")

	resp, _ := ts.do(t, http.MethodPost, "/api/v2/conversations/conv1", map[string]string{
		"role": "user", "content": "second message",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := ts.do(t, http.MethodGet, "/api/v2/conversations/conv1", nil)
	assert.Len(t, body["log"].([]any), 3)
}

func TestAppendInvalidRole(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "conv1")
	resp, _ := ts.do(t, http.MethodPost, "/api/v2/conversations/conv1", map[string]string{
		"role": "wizard", "content": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConversationNotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, probe := range []struct{ method, path string }{
		{http.MethodGet, "/api/v2/conversations/missing"},
		{http.MethodDelete, "/api/v2/conversations/missing"},
		{http.MethodGet, "/api/v2/conversations/missing/config"},
		{http.MethodPost, "/api/v2/conversations/missing/step"},
		{http.MethodPost, "/api/v2/conversations/missing/interrupt"},
	} {
		resp, _ := ts.do(t, probe.method, probe.path, map[string]any{})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, probe.path)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "conv1")

	resp, body := ts.do(t, http.MethodGet, "/api/v2/conversations/conv1/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chat := body["chat"].(map[string]any)
	assert.Equal(t, "markdown", chat["tool_format"])

	resp, body = ts.do(t, http.MethodPatch, "/api/v2/conversations/conv1/config", map[string]any{
		"chat": map[string]any{"model": "mock/test", "tool_format": "xml"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chat = body["chat"].(map[string]any)
	assert.Equal(t, "xml", chat["tool_format"])
	assert.Equal(t, "mock/test", chat["model"])
}

func TestPatchConfigInvalidFormat(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "conv1")
	resp, _ := ts.do(t, http.MethodPatch, "/api/v2/conversations/conv1/config", map[string]any{
		"chat": map[string]any{"tool_format": "yaml"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStepProducesAssistantMessage(t *testing.T) {
	ts := newTestServer(t, "Hello from the model")
	sessionID := ts.create(t, "conv1")

	resp, _ := ts.do(t, http.MethodPost, "/api/v2/conversations/conv1/step", map[string]string{
		"session_id": sessionID,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, body := ts.do(t, http.MethodGet, "/api/v2/conversations/conv1", nil)
		log := body["log"].([]any)
		last := log[len(log)-1].(map[string]any)
		return last["role"] == "assistant"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStepConflict(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.create(t, "conv1")
	require.True(t, ts.srv.Sessions.StartGenerating("conv1"))
	defer ts.srv.Sessions.StopGenerating("conv1")

	resp, _ := ts.do(t, http.MethodPost, "/api/v2/conversations/conv1/step", map[string]string{
		"session_id": sessionID,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestToolConfirmFlow(t *testing.T) {
	ts := newTestServer(t, "```echo\nhi server\n```\n", "done")
	sessionID := ts.create(t, "conv1")

	resp, _ := ts.do(t, http.MethodPost, "/api/v2/conversations/conv1/step", map[string]string{
		"session_id": sessionID,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	session, ok := ts.srv.Sessions.Get(sessionID)
	require.True(t, ok)

	var toolID string
	require.Eventually(t, func() bool {
		for _, e := range session.Replay() {
			if e.Type == models.EventToolPending {
				toolID = e.ToolID
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	resp, _ = ts.do(t, http.MethodPost, "/api/v2/conversations/conv1/tool/confirm", map[string]any{
		"session_id": sessionID, "tool_id": toolID, "action": "confirm",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(ts.executedCalls()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "hi server", ts.executedCalls()[0])
}

func TestToolConfirmUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "conv1")
	resp, _ := ts.do(t, http.MethodPost, "/api/v2/conversations/conv1/tool/confirm", map[string]any{
		"session_id": "nope", "tool_id": "nope", "action": "confirm",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInterruptPublishes(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.create(t, "conv1")

	resp, _ := ts.do(t, http.MethodPost, "/api/v2/conversations/conv1/interrupt", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	session, ok := ts.srv.Sessions.Get(sessionID)
	require.True(t, ok)
	var sawInterrupt bool
	for _, e := range session.Replay() {
		if e.Type == models.EventInterrupted {
			sawInterrupt = true
		}
	}
	assert.True(t, sawInterrupt)
}

func TestDeleteConversation(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.create(t, "conv1")

	resp, _ := ts.do(t, http.MethodDelete, "/api/v2/conversations/conv1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v2/conversations/conv1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_, ok := ts.srv.Sessions.Get(sessionID)
	assert.False(t, ok)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.Token = "secret"
	ts.srv.RequireAuth = true

	resp, _ := ts.do(t, http.MethodGet, "/api/v2/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v2/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	authed, err := ts.Client().Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestEventsSSE(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.create(t, "conv1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v2/conversations/conv1/events?session_id=%s", ts.URL, sessionID), nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	readFrame := func() models.Event {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				var event models.Event
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
				return event
			}
		}
		t.Fatal("stream ended early")
		return models.Event{}
	}

	connected := readFrame()
	assert.Equal(t, models.EventConnected, connected.Type)
	assert.Equal(t, sessionID, connected.SessionID)

	session, ok := ts.srv.Sessions.Get(sessionID)
	require.True(t, ok)
	session.Publish(models.Event{Type: models.EventGenerationStarted})

	started := readFrame()
	assert.Equal(t, models.EventGenerationStarted, started.Type)
}

func TestEventsTokenQueryAuth(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.create(t, "conv1")
	ts.srv.Token = "secret"
	ts.srv.RequireAuth = true

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v2/conversations/conv1/events?session_id=%s&token=secret", ts.URL, sessionID), nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
