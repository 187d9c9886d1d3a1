package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"dataassistant/internal/datasource"
	"dataassistant/internal/llm"
	"dataassistant/internal/models"
)

const (
	chartPreviewRows  = 10
	answerPreviewRows = 5
)

// executeSQLTool is the only function offered to the model.
var executeSQLTool = llm.ToolSpec{
	Name:        "execute_sql",
	Description: "对数据库执行一条 SQL 查询并返回结果",
	Params: []llm.ToolParam{
		{Name: "sql", Type: "string", Description: "需要执行的 SQL 查询", Required: true},
		{Name: "reason", Type: "string", Description: "说明为什么这样写 SQL"},
	},
}

func dialectName(driver string) string {
	switch strings.ToLower(driver) {
	case "duckdb":
		return "DuckDB"
	case "postgres", "pgx":
		return "PostgreSQL"
	case "mysql":
		return "MySQL"
	default:
		return "SQLite"
	}
}

func toolSystemPrompt(schema, driver string) string {
	return fmt.Sprintf(`你是一名数据分析专家，需要根据用户的问题编写 SQL 查询来取得所需数据。

数据库结构:
%s

要求:
1. 使用 %s 语法
2. 通过调用 execute_sql 函数提交查询
3. 只能引用上面列出的表和字段`, schema, dialectName(driver))
}

func plainSystemPrompt(schema, driver string) string {
	return fmt.Sprintf(`你是一名 SQL 专家，需要把用户的自然语言问题翻译成准确的 SQL 查询。

数据库结构:
%s

要求:
1. 只输出 SQL，不做解释
2. 使用 %s 语法
3. 把 SQL 放在 `+"```sql"+` 代码块中`, schema, dialectName(driver))
}

const chartSystemPrompt = `你是一名数据可视化专家。请结合查询结果和用户问题，选出最合适的图表类型并给出 ECharts 配置。

可选图表类型:
- bar: 柱状图，用于分类对比
- line: 折线图，用于趋势变化
- pie: 饼图，用于占比构成
- scatter: 散点图，用于相关性
- radar: 雷达图，用于多维对比

只返回如下 JSON:
{
    "chart_type": "bar|line|pie|scatter|radar",
    "echarts_option": { ... },
    "summary": "一句话概括数据"
}`

const answerSystemPrompt = `你是一名数据分析助手，请根据用户问题和查询结果用自然语言作答。

要求:
1. 简洁直接
2. 给出关键数字
3. 指出值得注意的发现`

func chartUserPrompt(question, sql string, rows []datasource.Row) string {
	return fmt.Sprintf("用户问题: %s\n执行的 SQL: %s\n查询结果（前%d条）: %s\n\n请选择最合适的图表类型并生成 ECharts 配置。",
		question, sql, chartPreviewRows, previewJSON(rows, chartPreviewRows))
}

func answerUserPrompt(question, sql string, rows []datasource.Row) string {
	return fmt.Sprintf("用户问题: %s\n执行的 SQL: %s\n查询结果: %s\n总记录数: %d\n\n请用自然语言回答用户的问题。",
		question, sql, previewJSON(rows, answerPreviewRows), len(rows))
}

func previewJSON(rows []datasource.Row, limit int) string {
	if len(rows) > limit {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []datasource.Row{}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// historyMessages converts stored session turns into upstream context. Only
// user and assistant text is forwarded.
func historyMessages(history []*models.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history))
	for _, msg := range history {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Role {
		case models.RoleUser:
			out = append(out, llm.ChatMessage{Role: llm.RoleUser, Content: msg.Content})
		case models.RoleAssistant:
			out = append(out, llm.ChatMessage{Role: llm.RoleAssistant, Content: msg.Content})
		}
	}
	return out
}
