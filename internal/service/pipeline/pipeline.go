// Package pipeline turns a question into SQL, runs it, recommends a chart
// and narrates the result, reporting progress as an ordered event stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"dataassistant/internal/datasource"
	"dataassistant/internal/extract"
	"dataassistant/internal/llm"
	"dataassistant/internal/metrics"
	"dataassistant/internal/models"
	"dataassistant/internal/policy"
)

const (
	outcomeDone      = "done"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
)

// SchemaSource provides the grounding description of the target database.
type SchemaSource interface {
	Describe(ctx context.Context) (string, error)
}

// QueryRunner executes one statement against the target database.
type QueryRunner interface {
	Run(ctx context.Context, query string) (*datasource.Result, error)
}

// Guard vets generated SQL before it is executed.
type Guard interface {
	Check(ctx context.Context, sql string) error
}

type Options struct {
	// UseTools selects function calling for SQL generation. When false a
	// plain completion is parsed with extract.SQL.
	UseTools bool
	// Dialect is the target driver name, used to tell the model which SQL flavour to write.
	Dialect string
	Guard   Guard
}

type Pipeline struct {
	client llm.ChatClient
	schema SchemaSource
	runner QueryRunner
	opts   Options
}

func New(client llm.ChatClient, schema SchemaSource, runner QueryRunner, opts Options) *Pipeline {
	return &Pipeline{client: client, schema: schema, runner: runner, opts: opts}
}

// Request is one question plus the prior turns of its session, oldest first.
type Request struct {
	Question string
	History  []*models.Message
}

// Generated is the outcome of the SQL generation phase.
type Generated struct {
	SQL    string
	Reason string
}

// QueryResult is the outcome of a synchronous run.
type QueryResult struct {
	SQL    string           `json:"sql"`
	Data   []datasource.Row `json:"data"`
	Chart  *Chart           `json:"chart"`
	Answer string           `json:"answer"`
}

// EmitFunc receives events in order. A non-nil return aborts the run.
type EmitFunc func(Event) error

// sinkError marks a failure of the caller's fragment callback, as opposed
// to a failure of the upstream stream.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// Run executes every phase and reports progress through emit. Phase failures
// are delivered as a terminal error event and Run returns nil. A non-nil
// return means the run was abandoned: emit failed or ctx was cancelled, and
// no terminal event was delivered.
func (p *Pipeline) Run(ctx context.Context, req Request, emit EmitFunc) (err error) {
	outcome := outcomeDone
	defer func() {
		if err != nil {
			outcome = outcomeCancelled
		}
		metrics.ObserveRun(outcome)
	}()

	fail := func(prefix string, cause error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		outcome = outcomeError
		return emit(textEvent(EventError, prefix+cause.Error()))
	}

	if err := emit(statusEvent(StatusAnalyzing)); err != nil {
		return err
	}
	gen, genErr := p.GenerateSQL(ctx, req)
	if genErr != nil {
		return fail(GenerateFailedPrefix, genErr)
	}
	if err := emit(textEvent(EventSQL, gen.SQL)); err != nil {
		return err
	}
	if gen.Reason != "" {
		if err := emit(textEvent(EventReason, gen.Reason)); err != nil {
			return err
		}
	}

	if err := emit(statusEvent(StatusQuerying)); err != nil {
		return err
	}
	result, execErr := p.Execute(ctx, gen.SQL)
	if execErr != nil {
		return fail(ExecuteFailedPrefix, execErr)
	}
	data := &DataPayload{Rows: result.Rows, Count: len(result.Rows), Columns: result.Columns}
	if err := emit(Event{Type: EventData, Content: data}); err != nil {
		return err
	}

	if len(result.Rows) > 0 {
		if err := emit(statusEvent(StatusCharting)); err != nil {
			return err
		}
		chart, chartErr := p.RecommendChart(ctx, req.Question, gen.SQL, result.Rows)
		switch {
		case chartErr == nil:
			if err := emit(Event{Type: EventChart, Content: chart}); err != nil {
				return err
			}
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.Warn().Err(chartErr).Msg("chart recommendation failed")
		}
	}

	if err := emit(statusEvent(StatusAnswering)); err != nil {
		return err
	}
	var answer strings.Builder
	narrateErr := p.Narrate(ctx, req.Question, gen.SQL, result.Rows, func(fragment string) error {
		answer.WriteString(fragment)
		return emit(textEvent(EventAnswerChunk, fragment))
	})
	if narrateErr != nil {
		var sink *sinkError
		if errors.As(narrateErr, &sink) {
			return sink.err
		}
		return fail(AnswerFailedPrefix, narrateErr)
	}
	if err := emit(textEvent(EventAnswer, answer.String())); err != nil {
		return err
	}
	return emit(Event{Type: EventDone})
}

// Process is the synchronous form of Run. SQL generation and answer failures
// are returned as errors. An execution failure is reported in the result's
// answer with no data.
func (p *Pipeline) Process(ctx context.Context, req Request) (_ *QueryResult, err error) {
	outcome := outcomeDone
	defer func() {
		if err != nil {
			outcome = outcomeError
		}
		metrics.ObserveRun(outcome)
	}()

	gen, err := p.GenerateSQL(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s%w", GenerateFailedPrefix, err)
	}
	out := &QueryResult{SQL: gen.SQL, Data: []datasource.Row{}}

	result, err := p.Execute(ctx, gen.SQL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		out.Answer = ExecuteFailedPrefix + err.Error()
		return out, nil
	}
	out.Data = result.Rows

	if len(result.Rows) > 0 {
		chart, chartErr := p.RecommendChart(ctx, req.Question, gen.SQL, result.Rows)
		if chartErr != nil {
			log.Warn().Err(chartErr).Msg("chart recommendation failed")
		} else {
			out.Chart = chart
		}
	}

	var answer strings.Builder
	if err := p.Narrate(ctx, req.Question, gen.SQL, result.Rows, func(fragment string) error {
		answer.WriteString(fragment)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%s%w", AnswerFailedPrefix, err)
	}
	out.Answer = answer.String()
	return out, nil
}

// GenerateSQL asks the model for a statement answering req.Question.
func (p *Pipeline) GenerateSQL(ctx context.Context, req Request) (*Generated, error) {
	defer observePhase("generate_sql", time.Now())

	schema, err := p.schema.Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("describe schema: %w", err)
	}
	if p.opts.UseTools {
		return p.generateWithTool(ctx, req, schema)
	}
	return p.generatePlain(ctx, req, schema)
}

func (p *Pipeline) generateWithTool(ctx context.Context, req Request, schema string) (*Generated, error) {
	resp, err := p.client.Complete(ctx, llm.Request{
		Messages:   conversation(toolSystemPrompt(schema, p.opts.Dialect), req),
		Tools:      []llm.ToolSpec{executeSQLTool},
		ToolChoice: "auto",
	})
	if err != nil {
		return nil, err
	}
	call, err := extract.DecodeToolCall(resp)
	if err != nil {
		return nil, err
	}
	sql := strings.TrimSpace(call.String("sql"))
	if sql == "" {
		return nil, &extract.DecodeError{Strategy: "tool_call", Err: errors.New("execute_sql called without sql")}
	}
	return &Generated{SQL: sql, Reason: strings.TrimSpace(call.String("reason"))}, nil
}

func (p *Pipeline) generatePlain(ctx context.Context, req Request, schema string) (*Generated, error) {
	resp, err := p.client.Complete(ctx, llm.Request{
		Messages: conversation(plainSystemPrompt(schema, p.opts.Dialect), req),
	})
	if err != nil {
		return nil, err
	}
	content, err := extract.Content(resp)
	if err != nil {
		return nil, err
	}
	return &Generated{SQL: extract.SQL(content)}, nil
}

func conversation(system string, req Request) []llm.ChatMessage {
	messages := []llm.ChatMessage{{Role: llm.RoleSystem, Content: system}}
	messages = append(messages, historyMessages(req.History)...)
	return append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: req.Question})
}

// Execute vets and runs sql. A guard rejection is reported as a QueryError.
func (p *Pipeline) Execute(ctx context.Context, sql string) (*datasource.Result, error) {
	defer observePhase("execute", time.Now())

	if p.opts.Guard != nil {
		if err := p.opts.Guard.Check(ctx, sql); err != nil {
			var violation *policy.Violation
			if errors.As(err, &violation) {
				return nil, &datasource.QueryError{SQL: sql, Err: err}
			}
			return nil, fmt.Errorf("check sql: %w", err)
		}
	}
	return p.runner.Run(ctx, sql)
}

// RecommendChart asks the model for a visualization of the first rows.
func (p *Pipeline) RecommendChart(ctx context.Context, question, sql string, rows []datasource.Row) (*Chart, error) {
	defer observePhase("chart", time.Now())

	resp, err := p.client.Complete(ctx, llm.Request{
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: chartSystemPrompt},
			{Role: llm.RoleUser, Content: chartUserPrompt(question, sql, rows)},
		},
	})
	if err != nil {
		return nil, err
	}
	content, err := extract.Content(resp)
	if err != nil {
		return nil, err
	}
	obj, err := extract.JSON(content)
	if err != nil {
		return nil, err
	}
	return decodeChart(obj)
}

func decodeChart(obj map[string]any) (*Chart, error) {
	chartType, _ := obj["chart_type"].(string)
	chartType = strings.ToLower(strings.TrimSpace(chartType))
	if !validChartType(chartType) {
		return nil, &extract.DecodeError{Strategy: "chart", Err: fmt.Errorf("unsupported chart_type %q", chartType)}
	}
	option, ok := obj["echarts_option"].(map[string]any)
	if !ok {
		return nil, &extract.DecodeError{Strategy: "chart", Err: errors.New("echarts_option missing or not an object")}
	}
	summary, _ := obj["summary"].(string)
	return &Chart{ChartType: chartType, EChartsOption: option, Summary: summary}, nil
}

func validChartType(t string) bool {
	for _, known := range ChartTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Narrate streams the natural-language answer, handing each fragment to
// onFragment as soon as it arrives.
func (p *Pipeline) Narrate(ctx context.Context, question, sql string, rows []datasource.Row, onFragment func(string) error) error {
	defer observePhase("answer", time.Now())

	stream, err := p.client.Stream(ctx, llm.Request{
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: answerSystemPrompt},
			{Role: llm.RoleUser, Content: answerUserPrompt(question, sql, rows)},
		},
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Next() {
		text := stream.Chunk().Text()
		if text == "" {
			continue
		}
		if err := onFragment(text); err != nil {
			return &sinkError{err: err}
		}
	}
	return stream.Err()
}

func observePhase(phase string, start time.Time) {
	metrics.ObservePhase(phase, time.Since(start))
}
