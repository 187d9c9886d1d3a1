package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dataassistant/internal/metrics"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 4 << 10
)

// ClientConfig configures an OpenAI-compatible HTTP client.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client talks to any endpoint that implements the OpenAI chat completions
// protocol (DashScope compatible mode, DeepSeek, vLLM ...).
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	timeout     time.Duration
	httpClient  *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client-level timeout: it would cap the lifetime of a stream.
		httpClient = &http.Client{}
	}
	return &Client{
		endpoint:    strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     timeout,
		httpClient:  httpClient,
	}
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Complete issues a single non-streaming completion.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := c.newHTTPRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.ObserveUpstream("complete", "error")
		return nil, transportError("complete", ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveUpstream("complete", "error")
		return nil, statusError("complete", resp)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.ObserveUpstream("complete", "error")
		return nil, &UpstreamError{Op: "complete", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	metrics.ObserveUpstream("complete", "ok")
	return &out, nil
}

// Stream opens a streaming completion. The request timeout applies to the
// handshake and then to every gap between two received lines.
func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	idle := newIdleTimer(c.timeout, cancel)

	httpReq, err := c.newHTTPRequest(ctx, req, true)
	if err != nil {
		idle.stop()
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		idle.stop()
		cancel()
		metrics.ObserveUpstream("stream", "error")
		if idle.fired() {
			return nil, &UpstreamError{Op: "stream", Err: ErrTimeout}
		}
		return nil, &UpstreamError{Op: "stream", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		idle.stop()
		cancel()
		metrics.ObserveUpstream("stream", "error")
		return nil, statusError("stream", resp)
	}
	metrics.ObserveUpstream("stream", "ok")
	return newSSEStream(resp.Body, idle, cancel), nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	if err := validateMessages(req.Messages); err != nil {
		return nil, err
	}
	body := wireRequest{
		Model:       c.model,
		Messages:    req.Messages,
		Temperature: c.temperature,
		Stream:      stream,
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if len(req.Tools) > 0 {
		body.Tools = make([]wireTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			body.Tools = append(body.Tools, wireTool{
				Type: "function",
				Function: wireFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.JSONSchema(),
				},
			})
		}
		body.ToolChoice = req.ToolChoice
		if body.ToolChoice == "" {
			body.ToolChoice = "auto"
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

// JSONSchema renders the tool parameters as an OpenAI "parameters" object.
func (t ToolSpec) JSONSchema() map[string]any {
	props := make(map[string]any, len(t.Params))
	required := make([]string, 0, len(t.Params))
	for _, p := range t.Params {
		props[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func validateMessages(messages []ChatMessage) error {
	if len(messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
	}
	return nil
}

func transportError(op string, ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &UpstreamError{Op: op, Err: ErrTimeout}
	}
	return &UpstreamError{Op: op, Err: err}
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var apiErr struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: msg}
}
