// Package extract pulls SQL, JSON and tool calls out of free-form model output.
// Each heuristic is a named strategy; callers try them in order and fall
// through on no-match.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"dataassistant/internal/llm"
)

// DecodeError reports model output that could not be decoded.
type DecodeError struct {
	Strategy string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Strategy == "" {
		return "decode: " + e.Err.Error()
	}
	return fmt.Sprintf("decode %s: %v", e.Strategy, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	ErrNoToolCall = errors.New("no tool_calls in response")
	ErrNoJSON     = errors.New("cannot extract JSON from content")
)

// SQLStrategy returns the extracted statement and whether it matched.
type SQLStrategy struct {
	Name  string
	Match func(text string) (string, bool)
}

var (
	sqlFence   = regexp.MustCompile("(?is)```sql\\s*(.*?)\\s*```")
	bareSelect = regexp.MustCompile(`(?is)(SELECT\s+.+\s+FROM\s+.+)`)
	jsonFence  = regexp.MustCompile("(?is)```json\\s*(.*?)\\s*```")
	braceSpan  = regexp.MustCompile(`(?s)\{.*\}`)
)

// SQLStrategies are tried in order by SQL.
var SQLStrategies = []SQLStrategy{
	{Name: "sql_fence", Match: func(text string) (string, bool) {
		m := sqlFence.FindStringSubmatch(text)
		if m == nil {
			return "", false
		}
		return strings.TrimSpace(m[1]), true
	}},
	{Name: "bare_select", Match: func(text string) (string, bool) {
		m := bareSelect.FindStringSubmatch(text)
		if m == nil {
			return "", false
		}
		return strings.TrimSpace(m[1]), true
	}},
}

// SQL returns the statement embedded in raw model text. It never fails: when
// no strategy matches, the trimmed text is returned as-is and validity is
// left to the executor.
func SQL(text string) string {
	for _, s := range SQLStrategies {
		if sql, ok := s.Match(text); ok {
			return sql
		}
	}
	return strings.TrimSpace(text)
}

// JSONStrategy returns the candidate JSON text and whether it matched.
type JSONStrategy struct {
	Name  string
	Match func(text string) (string, bool)
}

var JSONStrategies = []JSONStrategy{
	{Name: "json_fence", Match: func(text string) (string, bool) {
		m := jsonFence.FindStringSubmatch(text)
		if m == nil {
			return "", false
		}
		return m[1], true
	}},
	{Name: "whole_text", Match: func(text string) (string, bool) {
		return strings.TrimSpace(text), true
	}},
	{Name: "brace_span", Match: func(text string) (string, bool) {
		m := braceSpan.FindString(text)
		return m, m != ""
	}},
}

// JSON decodes the first JSON object found by JSONStrategies.
func JSON(text string) (map[string]any, error) {
	for _, s := range JSONStrategies {
		candidate, ok := s.Match(text)
		if !ok {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(candidate), &out); err != nil || out == nil {
			continue
		}
		return out, nil
	}
	return nil, &DecodeError{Strategy: "json", Err: ErrNoJSON}
}

// ToolCall is a decoded function invocation.
type ToolCall struct {
	ID           string
	Type         string
	FunctionName string
	Arguments    map[string]any
}

// String returns a string argument, or "" if absent or not a string.
func (tc ToolCall) String(key string) string {
	v, _ := tc.Arguments[key].(string)
	return v
}

// DecodeToolCall decodes the first tool call of the first choice.
func DecodeToolCall(resp *llm.Response) (ToolCall, error) {
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return ToolCall{}, &DecodeError{Strategy: "tool_call", Err: errors.New("response has no message")}
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) == 0 {
		return ToolCall{}, &DecodeError{Strategy: "tool_call", Err: ErrNoToolCall}
	}
	first := calls[0]
	raw := strings.TrimSpace(first.Function.Arguments)
	if raw == "" {
		return ToolCall{}, &DecodeError{Strategy: "tool_call", Err: errors.New("arguments: empty")}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return ToolCall{}, &DecodeError{Strategy: "tool_call", Err: fmt.Errorf("arguments: %w", err)}
	}
	if args == nil {
		return ToolCall{}, &DecodeError{Strategy: "tool_call", Err: errors.New("arguments: not an object")}
	}
	return ToolCall{
		ID:           first.ID,
		Type:         first.Type,
		FunctionName: first.Function.Name,
		Arguments:    args,
	}, nil
}

// Content returns the text of the first choice of a non-streaming response.
func Content(resp *llm.Response) (string, error) {
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", &DecodeError{Strategy: "content", Err: errors.New("response has no message")}
	}
	return resp.Choices[0].Message.Content, nil
}
