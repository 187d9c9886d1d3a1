package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"dataassistant/internal/metrics"
)

type EinoConfig struct {
	Provider    string
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	Timeout     time.Duration
}

// EinoClient adapts an eino ToolCallingChatModel to ChatClient so the
// pipeline can run on OpenAI, Claude or Gemini without knowing which.
type EinoClient struct {
	chatModel   model.ToolCallingChatModel
	temperature float64
	timeout     time.Duration
}

func NewEinoClient(ctx context.Context, cfg EinoConfig) (*EinoClient, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch cfg.Provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		})
	case "gemini":
		client, clientErr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if clientErr != nil {
			return nil, fmt.Errorf("create gemini client: %w", clientErr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", cfg.Provider, err)
	}
	return NewEinoClientWithModel(chatModel, cfg.Temperature, cfg.Timeout), nil
}

// NewEinoClientWithModel wraps an already constructed chat model.
func NewEinoClientWithModel(chatModel model.ToolCallingChatModel, temperature float64, timeout time.Duration) *EinoClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &EinoClient{chatModel: chatModel, temperature: temperature, timeout: timeout}
}

func (c *EinoClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := validateMessages(req.Messages); err != nil {
		return nil, err
	}
	chatModel, err := c.bind(req.Tools)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := chatModel.Generate(ctx, toSchemaMessages(req.Messages), c.options(req)...)
	if err != nil {
		metrics.ObserveUpstream("complete", "error")
		return nil, transportError("complete", ctx, err)
	}
	metrics.ObserveUpstream("complete", "ok")
	msg := fromSchemaMessage(out)
	return &Response{
		Choices: []Choice{{Message: &msg, FinishReason: finishReason(out)}},
	}, nil
}

func (c *EinoClient) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := validateMessages(req.Messages); err != nil {
		return nil, err
	}
	chatModel, err := c.bind(req.Tools)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	idle := newIdleTimer(c.timeout, cancel)

	reader, err := chatModel.Stream(ctx, toSchemaMessages(req.Messages), c.options(req)...)
	if err != nil {
		idle.stop()
		cancel()
		metrics.ObserveUpstream("stream", "error")
		if idle.fired() {
			return nil, &UpstreamError{Op: "stream", Err: ErrTimeout}
		}
		return nil, &UpstreamError{Op: "stream", Err: err}
	}
	metrics.ObserveUpstream("stream", "ok")
	return &einoStream{reader: reader, idle: idle, cancel: cancel}, nil
}

func (c *EinoClient) bind(tools []ToolSpec) (model.ToolCallingChatModel, error) {
	if len(tools) == 0 {
		return c.chatModel, nil
	}
	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		params := make(map[string]*schema.ParameterInfo, len(t.Params))
		for _, p := range t.Params {
			params[p.Name] = &schema.ParameterInfo{
				Type:     schema.DataType(p.Type),
				Desc:     p.Description,
				Required: p.Required,
			}
		}
		infos = append(infos, &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	bound, err := c.chatModel.WithTools(infos)
	if err != nil {
		return nil, fmt.Errorf("bind tools: %w", err)
	}
	return bound, nil
}

func (c *EinoClient) options(req Request) []model.Option {
	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	return []model.Option{model.WithTemperature(float32(temperature))}
}

type einoStream struct {
	reader  *schema.StreamReader[*schema.Message]
	idle    *idleTimer
	cancel  context.CancelFunc
	current StreamChunk
	err     error
	done    bool
	once    sync.Once
}

func (s *einoStream) Next() bool {
	if s.done {
		return false
	}
	msg, err := s.reader.Recv()
	if err != nil {
		s.done = true
		s.current = StreamChunk{}
		switch {
		case errors.Is(err, io.EOF):
		case s.idle.fired():
			s.err = &UpstreamError{Op: "stream", Err: ErrTimeout}
		default:
			s.err = &UpstreamError{Op: "stream", Err: err}
		}
		_ = s.Close()
		return false
	}
	s.idle.reset()
	if msg == nil {
		s.current = StreamChunk{}
		return true
	}
	s.current = StreamChunk{
		Choices: []Choice{{
			Delta: &Delta{
				Role:             Role(msg.Role),
				Content:          msg.Content,
				ReasoningContent: msg.ReasoningContent,
				ToolCalls:        fromSchemaToolCalls(msg.ToolCalls),
			},
			FinishReason: finishReason(msg),
		}},
	}
	return true
}

func (s *einoStream) Chunk() StreamChunk { return s.current }
func (s *einoStream) Err() error         { return s.err }

func (s *einoStream) Close() error {
	s.once.Do(func() {
		s.idle.stop()
		s.reader.Close()
		s.cancel()
	})
	return nil
}

func toSchemaMessages(messages []ChatMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		var role schema.RoleType
		switch m.Role {
		case RoleSystem:
			role = schema.System
		case RoleAssistant:
			role = schema.Assistant
		case RoleTool:
			role = schema.Tool
		default:
			role = schema.User
		}
		msg := &schema.Message{
			Role:       role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
				Index: tc.Index,
				ID:    tc.ID,
				Type:  tc.Type,
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func fromSchemaMessage(msg *schema.Message) ChatMessage {
	if msg == nil {
		return ChatMessage{Role: RoleAssistant}
	}
	return ChatMessage{
		Role:       Role(msg.Role),
		Content:    msg.Content,
		ToolCalls:  fromSchemaToolCalls(msg.ToolCalls),
		ToolCallID: msg.ToolCallID,
	}
}

func fromSchemaToolCalls(calls []schema.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		typ := tc.Type
		if typ == "" {
			typ = "function"
		}
		out = append(out, ToolCall{
			Index: tc.Index,
			ID:    tc.ID,
			Type:  typ,
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

func finishReason(msg *schema.Message) string {
	if msg == nil || msg.ResponseMeta == nil {
		return ""
	}
	return msg.ResponseMeta.FinishReason
}
