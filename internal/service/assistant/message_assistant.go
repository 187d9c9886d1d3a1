package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dataassistant/internal/models"
)

const defaultMessageLimit = 100

const messageColumns = `id, session_id, role, content, sql_query, data, chart, created_at`

// AddMessage stores a message and bumps the session's updated_at.
// A missing session yields sql.ErrNoRows.
func (s *Service) AddMessage(ctx context.Context, msg models.Message) (_ *models.Message, err error) {
	switch msg.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		return nil, fmt.Errorf("invalid role %q", msg.Role)
	}
	data, err := encodeJSON(msg.Data)
	if err != nil {
		return nil, wrap("encode message data", err)
	}
	chart, err := encodeJSON(msg.Chart)
	if err != nil {
		return nil, wrap("encode message chart", err)
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("begin tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.SessionID)
	if err != nil {
		return nil, wrap("touch session", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, wrap("session rows affected", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, nullString(msg.SQL), data, chart, msg.CreatedAt,
	); err != nil {
		return nil, wrap("insert message", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, wrap("commit message", err)
	}
	return &msg, nil
}

// GetMessages returns up to limit messages of a session, oldest first.
func (s *Service) GetMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	return s.queryMessages(ctx, "list messages",
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`,
		sessionID, limit,
	)
}

// MessageHistory returns the most recent limit messages, oldest first.
func (s *Service) MessageHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return []*models.Message{}, nil
	}
	msgs, err := s.queryMessages(ctx, "message history",
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage returns one message of a session or sql.ErrNoRows.
func (s *Service) GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	msgs, err := s.queryMessages(ctx, "get message",
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND id = ?`,
		sessionID, messageID,
	)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, sql.ErrNoRows
	}
	return msgs[0], nil
}

func (s *Service) queryMessages(ctx context.Context, op, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		var (
			m                     models.Message
			role                  string
			sqlText, data, chart sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &sqlText, &data, &chart, &m.CreatedAt); err != nil {
			return nil, wrap("scan message", err)
		}
		m.Role = models.Role(role)
		if sqlText.Valid {
			m.SQL = &sqlText.String
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &m.Data); err != nil {
				return nil, wrap("decode message data", err)
			}
		}
		if chart.Valid && chart.String != "" {
			if err := json.Unmarshal([]byte(chart.String), &m.Chart); err != nil {
				return nil, wrap("decode message chart", err)
			}
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return messages, nil
}

func encodeJSON[T any](v T) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
