package assistant

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"dataassistant/internal/models"
)

const defaultSessionLimit = 50

// CreateSession inserts a new session and returns the record.
func (s *Service) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultSessionTitle
	}
	now := time.Now().UTC()
	session := &models.Session{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.Title, session.CreatedAt, session.UpdatedAt,
	); err != nil {
		return nil, wrap("create session", err)
	}
	return session, nil
}

// GetSession returns one session or sql.ErrNoRows.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&session.ID, &session.Title, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, wrap("get session", err)
	}
	return &session, nil
}

// ListSessions returns sessions ordered by last activity.
func (s *Service) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		var session models.Session
		if err := rows.Scan(&session.ID, &session.Title, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, wrap("scan session", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list sessions", err)
	}
	return sessions, nil
}

// UpdateSessionTitle renames a session and returns the updated record.
func (s *Service) UpdateSessionTitle(ctx context.Context, sessionID, title string) (*models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return nil, wrap("update session title", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, wrap("session rows affected", err)
	}
	if affected == 0 {
		return nil, sql.ErrNoRows
	}
	return s.GetSession(ctx, sessionID)
}

// DeleteSession removes a session and all of its messages.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return wrap("delete messages", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return wrap("delete session", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrap("session rows affected", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}
	if err = tx.Commit(); err != nil {
		return wrap("commit delete session", err)
	}
	return nil
}
