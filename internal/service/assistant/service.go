package assistant

import (
	"database/sql"
	"errors"
	"fmt"
)

// Service persists sessions and their messages.
type Service struct {
	db *sql.DB
}

// NewService builds a new assistant service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// PersistenceError reports a storage failure other than a missing record.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// wrap keeps sql.ErrNoRows bare so callers can map it to not found.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	return &PersistenceError{Op: op, Err: err}
}
