package pipeline

import "dataassistant/internal/datasource"

type EventType string

const (
	EventStatus      EventType = "status"
	EventSQL         EventType = "sql"
	EventReason      EventType = "reason"
	EventData        EventType = "data"
	EventChart       EventType = "chart"
	EventAnswerChunk EventType = "answer_chunk"
	EventAnswer      EventType = "answer"
	EventError       EventType = "error"
	EventDone        EventType = "done"
)

// Status texts shown to the user while a run progresses.
const (
	StatusAnalyzing = "正在分析问题..."
	StatusQuerying  = "正在查询数据..."
	StatusCharting  = "正在分析图表..."
	StatusAnswering = "正在生成回答..."
)

// Prefixes of terminal error messages.
const (
	GenerateFailedPrefix = "SQL 生成失败: "
	ExecuteFailedPrefix  = "SQL 执行失败: "
	AnswerFailedPrefix   = "回答生成失败: "
)

// Event is one item of the ordered stream produced by a run. Content is a
// string for text events, *DataPayload for data, *Chart for chart and nil
// for done.
type Event struct {
	Type    EventType `json:"type"`
	Content any       `json:"content"`
}

// Terminal reports whether no event can follow e.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

type DataPayload struct {
	Rows    []datasource.Row `json:"rows"`
	Count   int              `json:"count"`
	Columns []string         `json:"columns"`
}

// Chart is the visualization recommended for a result set.
type Chart struct {
	ChartType     string         `json:"chart_type"`
	EChartsOption map[string]any `json:"echarts_option"`
	Summary       string         `json:"summary"`
}

// Map returns the chart in the shape stored with assistant messages.
func (c *Chart) Map() map[string]any {
	if c == nil {
		return nil
	}
	return map[string]any{
		"chart_type":     c.ChartType,
		"echarts_option": c.EChartsOption,
		"summary":        c.Summary,
	}
}

// ChartTypes are the visualizations a recommendation may pick.
var ChartTypes = []string{"bar", "line", "pie", "scatter", "radar"}

func statusEvent(text string) Event { return Event{Type: EventStatus, Content: text} }

func textEvent(t EventType, text string) Event { return Event{Type: t, Content: text} }
