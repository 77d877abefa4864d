// Package toolserver implements the HTTP client for external tool servers.
// Each server exposes a discovery endpoint returning tool descriptors and an
// invocation endpoint accepting a tool name plus JSON parameters.
package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	relayerrors "relay/internal/errors"
	"relay/internal/logging"
)

// ToolDescriptor describes one invocable external tool and which server
// provides it. Descriptors are not versioned; a discovery refresh fully
// replaces the prior set.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Server      string         `json:"-"`
}

// Result is the outcome of one tool invocation.
type Result struct {
	Content  string
	IsError  bool
	CacheHit bool
}

const defaultTimeout = 30 * time.Second

// Client talks to a single tool server.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient builds a client for the named server. timeout bounds each request;
// zero selects the default.
func NewClient(name, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger(fmt.Sprintf("ToolServer[%s]", name)),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// ListTools queries the server's discovery endpoint.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request to %s: %w", c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read discovery response from %s: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, relayerrors.MapHTTPError(resp.StatusCode, body)
	}

	var payload struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode discovery response from %s: %w", c.name, err)
	}
	for i := range payload.Tools {
		payload.Tools[i].Server = c.name
	}

	c.logger.Info("discovered %d tools", len(payload.Tools))
	return payload.Tools, nil
}

// Call invokes a tool by name. A 304 Not Modified response is a successful
// invocation: the server is signalling an unchanged result, so the caller
// substitutes cached content rather than treating it as a failure.
func (c *Client) Call(ctx context.Context, name string, arguments map[string]any) (*Result, error) {
	reqBody, err := json.Marshal(map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal invocation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/call", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("calling tool %s", name)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s on %s: %w", name, c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read invocation response from %s: %w", c.name, err)
	}

	if resp.StatusCode == http.StatusNotModified {
		c.logger.Debug("tool %s returned 304, treating as cache hit", name)
		return &Result{
			Content:  strings.TrimSpace(string(body)),
			CacheHit: true,
		}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, relayerrors.MapHTTPError(resp.StatusCode, body)
	}

	return &Result{Content: decodeResultBody(body)}, nil
}

// decodeResultBody accepts either a JSON object with a "content" field or an
// arbitrary JSON value, returning a text rendering either way.
func decodeResultBody(body []byte) string {
	var payload struct {
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Content != nil {
		return *payload.Content
	}
	return strings.TrimSpace(string(body))
}
