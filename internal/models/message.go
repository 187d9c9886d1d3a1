package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a session. Assistant messages produced by a query
// run carry the generated SQL, the result rows and the chart, when present.
type Message struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	SQL       *string          `json:"sql"`
	Data      []map[string]any `json:"data"`
	Chart     map[string]any   `json:"chart"`
	CreatedAt time.Time        `json:"created_at"`
}
