package datasource

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Column describes one table column.
type Column struct {
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	NotNull bool    `json:"notnull"`
	Default *string `json:"default"`
	PK      bool    `json:"pk"`
}

// TableSchema is the catalog entry of one table.
type TableSchema struct {
	TableName string   `json:"table_name"`
	Columns   []Column `json:"columns"`
	Indexes   []string `json:"indexes"`
}

const sampleRows = 2

// Tables lists user tables sorted by name, without excluded tables.
func (s *Source) Tables(ctx context.Context) ([]string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	return s.tables(ctx, conn)
}

func (s *Source) tables(ctx context.Context, conn *sql.Conn) ([]string, error) {
	rows, err := conn.QueryContext(ctx, s.dialect.tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if _, skip := s.exclude[strings.ToLower(name)]; skip {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// TableSchema returns columns and index names of one table. An unknown table
// is reported as sql.ErrNoRows.
func (s *Source) TableSchema(ctx context.Context, table string) (*TableSchema, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, skip := s.exclude[strings.ToLower(table)]; skip {
		return nil, sql.ErrNoRows
	}
	cols, err := s.columns(ctx, conn, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, sql.ErrNoRows
	}

	query, args := s.dialect.indexes(table)
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", table, err)
	}
	defer rows.Close()
	indexes := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan index name: %w", err)
		}
		indexes = append(indexes, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", table, err)
	}
	return &TableSchema{TableName: table, Columns: cols, Indexes: indexes}, nil
}

func (s *Source) columns(ctx context.Context, conn *sql.Conn, table string) ([]Column, error) {
	query, args := s.dialect.columns(table)
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("describe columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make([]Column, 0)
	for rows.Next() {
		var (
			col  Column
			dflt sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.Type, &col.NotNull, &dflt, &col.PK); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		if dflt.Valid {
			col.Default = &dflt.String
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe columns of %s: %w", table, err)
	}
	return cols, nil
}

// Describe renders every table as the text block used to ground prompts:
//
//	表: sales
//	  - id (INTEGER)
//	示例数据:
//	  [{"id":1}]
//
// Tables are separated by a blank line. Sample rows are best effort.
func (s *Source) Describe(ctx context.Context) (string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	names, err := s.tables(ctx, conn)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(names))
	for _, name := range names {
		cols, err := s.columns(ctx, conn, name)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		b.WriteString("表: ")
		b.WriteString(name)
		for _, col := range cols {
			fmt.Fprintf(&b, "\n  - %s (%s)", col.Name, col.Type)
		}
		if sample, ok := s.sample(ctx, conn, name); ok {
			b.WriteString("\n示例数据:\n  ")
			b.WriteString(sample)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n"), nil
}

func (s *Source) sample(ctx context.Context, conn *sql.Conn, table string) (string, bool) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", s.dialect.quote(table), sampleRows))
	if err != nil {
		return "", false
	}
	defer rows.Close()
	columns, records, err := scanRows(rows)
	if err != nil || len(records) == 0 {
		return "", false
	}
	encoded, err := encodeOrdered(columns, records)
	if err != nil {
		return "", false
	}
	return encoded, true
}

// encodeOrdered writes rows as a JSON array of objects whose keys keep the
// column order of the result set.
func encodeOrdered(columns []string, records [][]any) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, values := range records {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteByte('{')
		for j, col := range columns {
			if j > 0 {
				buf.WriteString(", ")
			}
			key, err := marshalNoEscape(col)
			if err != nil {
				return "", err
			}
			val, err := marshalNoEscape(values[j])
			if err != nil {
				return "", err
			}
			buf.Write(key)
			buf.WriteString(": ")
			buf.Write(val)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.String(), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
