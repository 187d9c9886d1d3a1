package llm

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry of the conversation sent upstream.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is the wire form of one function invocation requested by the model.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolParam declares one argument of a tool.
type ToolParam struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ToolSpec declares a function the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Params      []ToolParam
}

// Request is a provider-neutral completion request.
type Request struct {
	Messages    []ChatMessage
	Tools       []ToolSpec
	ToolChoice  string
	Temperature *float64
}

// Response is the non-streaming completion body. Only the fields the
// pipeline reads are declared.
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *Delta       `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role             Role       `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one decoded `data:` event of a streaming completion.
type StreamChunk struct {
	ID      string    `json:"id"`
	Model   string    `json:"model"`
	Choices []Choice  `json:"choices"`
	Error   *APIError `json:"error,omitempty"`
}

// Text returns the content delta of the first choice.
func (c StreamChunk) Text() string {
	if len(c.Choices) == 0 || c.Choices[0].Delta == nil {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// Reasoning returns the reasoning delta of the first choice, if any.
func (c StreamChunk) Reasoning() string {
	if len(c.Choices) == 0 || c.Choices[0].Delta == nil {
		return ""
	}
	return c.Choices[0].Delta.ReasoningContent
}

type APIError struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code,omitempty"`
}

// ChatClient is implemented by every upstream provider.
type ChatClient interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream is a finite, non-restartable sequence of chunks.
//
//	for s.Next() { use(s.Chunk()) }
//	if err := s.Err(); err != nil { ... }
type Stream interface {
	Next() bool
	Chunk() StreamChunk
	Err() error
	Close() error
}
