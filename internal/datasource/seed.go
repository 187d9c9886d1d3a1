package datasource

import (
	"context"
	"fmt"
	"strings"
)

type sale struct {
	ProductName string
	Category    string
	Amount      float64
	Quantity    int
	SaleDate    string
	Region      string
}

var sampleSales = []sale{
	{"iPhone 15", "手机", 7999.0, 50, "2024-01-15", "华东"},
	{"MacBook Pro", "电脑", 14999.0, 20, "2024-01-16", "华北"},
	{"iPad Air", "平板", 4799.0, 80, "2024-01-17", "华南"},
	{"AirPods Pro", "配件", 1899.0, 150, "2024-01-18", "华东"},
	{"Apple Watch", "手表", 2999.0, 60, "2024-01-19", "西南"},
	{"iPhone 15", "手机", 7999.0, 45, "2024-02-01", "华北"},
	{"MacBook Pro", "电脑", 14999.0, 15, "2024-02-05", "华东"},
	{"iPad Air", "平板", 4799.0, 70, "2024-02-10", "华南"},
}

// SeedSample creates the demo sales table and fills it when it is empty.
// It returns the number of inserted rows.
func (s *Source) SeedSample(ctx context.Context) (int, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	for _, stmt := range s.dialect.salesDDL {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("create sales table: %w", err)
		}
	}

	rows, err := conn.QueryContext(ctx, "SELECT 1 FROM sales LIMIT 1")
	if err != nil {
		return 0, fmt.Errorf("probe sales table: %w", err)
	}
	hasRows := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("probe sales table: %w", err)
	}
	if hasRows {
		return 0, nil
	}

	ph := make([]string, 6)
	for i := range ph {
		ph[i] = s.dialect.placeholder(i + 1)
	}
	insert := "INSERT INTO sales (product_name, category, amount, quantity, sale_date, region) VALUES (" +
		strings.Join(ph, ", ") + ")"

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()
	for _, r := range sampleSales {
		if _, err := tx.ExecContext(ctx, insert, r.ProductName, r.Category, r.Amount, r.Quantity, r.SaleDate, r.Region); err != nil {
			return 0, fmt.Errorf("insert sample row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return len(sampleSales), nil
}
