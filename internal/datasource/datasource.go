// Package datasource introspects and queries the database that questions are
// answered against. Every operation borrows its own connection from the pool
// and returns it before the call completes, so nothing is held open across
// slow model calls.
package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"

	"dataassistant/internal/config"
)

// Row maps column names to values of one result row.
type Row map[string]any

// Result is the outcome of one executed statement.
type Result struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// QueryError wraps an engine failure for the statement that caused it.
type QueryError struct {
	SQL string
	Err error
}

func (e *QueryError) Error() string {
	if e.Err == nil {
		return "query failed"
	}
	return e.Err.Error()
}

func (e *QueryError) Unwrap() error { return e.Err }

// Source is a handle on the analysis database.
type Source struct {
	db      *sql.DB
	dialect *dialect
	exclude map[string]struct{}
}

// New wraps an already opened database. driver selects the catalog dialect.
func New(db *sql.DB, driver string, excludeTables []string) (*Source, error) {
	if db == nil {
		return nil, errors.New("database handle required")
	}
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	exclude := make(map[string]struct{}, len(excludeTables))
	for _, name := range excludeTables {
		exclude[strings.ToLower(name)] = struct{}{}
	}
	return &Source{db: db, dialect: d, exclude: exclude}, nil
}

// Open connects to the configured target database and verifies it answers.
func Open(ctx context.Context, cfg config.TargetConfig) (*Source, error) {
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%s dsn must be provided", d.name)
	}
	if d.name == "sqlite3" || d.name == "duckdb" {
		if err := ensureParentDir(cfg.DSN); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d.name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", d.name, err)
	}
	return New(db, d.name, cfg.ExcludeTables)
}

func ensureParentDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// Driver reports the dialect name.
func (s *Source) Driver() string { return s.dialect.name }

// DB exposes the pool for callers that need raw access.
func (s *Source) DB() *sql.DB { return s.db }

func (s *Source) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Run executes one statement and returns every row it produced. A statement
// that produces no rows yields an empty, non-nil slice. Engine failures are
// reported as *QueryError.
func (s *Source) Run(ctx context.Context, query string) (*Result, error) {
	stmt := stripTrailingSemicolons(query)
	if stmt == "" {
		return nil, &QueryError{SQL: query, Err: errors.New("sql is required")}
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, &QueryError{SQL: query, Err: err}
	}
	defer rows.Close()

	columns, records, err := scanRows(rows)
	if err != nil {
		return nil, &QueryError{SQL: query, Err: err}
	}
	result := &Result{Columns: columns, Rows: make([]Row, 0, len(records))}
	for _, values := range records {
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

// scanRows drains rows into positional value slices.
func scanRows(rows *sql.Rows) ([]string, [][]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}
	records := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, records, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
