package models

import "time"

// Session groups the questions asked in one conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultSessionTitle is used when a session is created without a title.
const DefaultSessionTitle = "新会话"
