package api

import (
	"dataassistant/internal/datasource"
	"dataassistant/internal/models"
	"dataassistant/internal/service/pipeline"
)

// transcript accumulates what a run produced so it can be stored as one
// assistant message.
type transcript struct {
	sql      *string
	data     []map[string]any
	chart    map[string]any
	answer   string
	errText  string
	terminal pipeline.EventType
}

func (t *transcript) observe(event pipeline.Event) {
	switch event.Type {
	case pipeline.EventSQL:
		if s, ok := event.Content.(string); ok {
			t.sql = &s
		}
	case pipeline.EventData:
		if payload, ok := event.Content.(*pipeline.DataPayload); ok {
			t.data = rowMaps(payload.Rows)
		}
	case pipeline.EventChart:
		if chart, ok := event.Content.(*pipeline.Chart); ok {
			t.chart = chart.Map()
		}
	case pipeline.EventAnswer:
		t.answer, _ = event.Content.(string)
	case pipeline.EventError:
		t.errText, _ = event.Content.(string)
		t.terminal = event.Type
	case pipeline.EventDone:
		t.terminal = event.Type
	}
}

// message returns the assistant reply, or false when no terminal event was seen.
func (t *transcript) message(sessionID string) (models.Message, bool) {
	msg := models.Message{SessionID: sessionID, Role: models.RoleAssistant, SQL: t.sql}
	switch t.terminal {
	case pipeline.EventDone:
		msg.Content = t.answer
		msg.Data = t.data
		msg.Chart = t.chart
	case pipeline.EventError:
		msg.Content = t.errText
	default:
		return models.Message{}, false
	}
	return msg, true
}

func rowMaps(rows []datasource.Row) []map[string]any {
	if rows == nil {
		return nil
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out
}
