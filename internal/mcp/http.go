package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gptme/gptme/internal/logstore"
)

// httpCaller speaks JSON-RPC over plain HTTP or streamable-http. Servers
// that answer with text/event-stream get their first complete data frame
// parsed as the response.
type httpCaller struct {
	url     string
	headers map[string]string
	client  *http.Client
	nextID  atomic.Int64

	sessionMu sync.RWMutex
	sessionID string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newHTTPCaller(ctx context.Context, server logstore.MCPServer) (*httpCaller, error) {
	c := &httpCaller{
		url:     server.URL,
		headers: server.Headers,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
	resp, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "gptme", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: initialize %s: %w", server.Name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp: initialize %s: %s", server.Name, resp.Error.Message)
	}
	return c, nil
}

func (c *httpCaller) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	c.sessionMu.RLock()
	if c.sessionID != "" {
		req.Header.Set("mcp-session-id", c.sessionID)
	}
	c.sessionMu.RUnlock()

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if id := httpResp.Header.Get("mcp-session-id"); id != "" {
		c.sessionMu.Lock()
		c.sessionID = id
		c.sessionMu.Unlock()
	}
	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("http %d: %s", httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEFrame(httpResp.Body)
	}
	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// readSSEFrame returns the first complete data frame parsed as JSON-RPC.
func readSSEFrame(r io.Reader) (*rpcResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var data strings.Builder
	flush := func() (*rpcResponse, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			data.Reset()
			return nil, false
		}
		return &resp, true
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, errors.New("sse stream ended without a complete message")
}

func (c *httpCaller) listTools(ctx context.Context) ([]toolInfo, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errors.New(resp.Error.Message)
	}
	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	infos := make([]toolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		infos = append(infos, toolInfo{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	return infos, nil
}

func (c *httpCaller) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	resp, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", errors.New(resp.Error.Message)
	}
	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("decode tools/call: %w", err)
	}
	var texts []string
	for _, content := range result.Content {
		if content.Type == "text" {
			texts = append(texts, content.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if result.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", errors.New(joined)
	}
	return joined, nil
}

func (c *httpCaller) close() error { return nil }
