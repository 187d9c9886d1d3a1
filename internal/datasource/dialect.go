package datasource

import (
	"fmt"
	"strings"
)

// dialect holds the catalog queries and quoting rules of one SQL engine.
type dialect struct {
	name        string
	driver      string
	tablesQuery string
	columns     func(table string) (string, []any)
	indexes     func(table string) (string, []any)
	quote       func(ident string) string
	placeholder func(n int) string
	salesDDL    []string
}

func doubleQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func backtick(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

// informationSchemaColumns works for engines that expose the SQL standard
// catalog. schemaExpr picks the current schema, arg is the bind placeholder.
func informationSchemaColumns(schemaExpr, arg string) string {
	return `SELECT c.column_name, c.data_type, c.is_nullable = 'NO', c.column_default,
	EXISTS (
		SELECT 1 FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage k
			ON tc.constraint_name = k.constraint_name
			AND tc.table_schema = k.table_schema
			AND tc.table_name = k.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = c.table_schema
			AND tc.table_name = c.table_name
			AND k.column_name = c.column_name
	)
FROM information_schema.columns c
WHERE c.table_schema = ` + schemaExpr + ` AND c.table_name = ` + arg + `
ORDER BY c.ordinal_position`
}

var dialects = map[string]*dialect{
	"sqlite3": {
		name:        "sqlite3",
		driver:      "sqlite3",
		tablesQuery: `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
		columns: func(table string) (string, []any) {
			return `SELECT name, type, "notnull" != 0, dflt_value, pk != 0 FROM pragma_table_info(?) ORDER BY cid`, []any{table}
		},
		indexes: func(table string) (string, []any) {
			return `SELECT name FROM pragma_index_list(?) ORDER BY name`, []any{table}
		},
		quote:       doubleQuote,
		placeholder: questionMark,
		salesDDL: []string{`CREATE TABLE IF NOT EXISTS sales (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			product_name TEXT NOT NULL,
			category TEXT,
			amount REAL NOT NULL,
			quantity INTEGER NOT NULL,
			sale_date TEXT NOT NULL,
			region TEXT NOT NULL
		)`},
	},
	"duckdb": {
		name:        "duckdb",
		driver:      "duckdb",
		tablesQuery: `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`,
		columns: func(table string) (string, []any) {
			return informationSchemaColumns("current_schema()", "?"), []any{table}
		},
		indexes: func(table string) (string, []any) {
			return `SELECT index_name FROM duckdb_indexes() WHERE table_name = ? ORDER BY index_name`, []any{table}
		},
		quote:       doubleQuote,
		placeholder: questionMark,
		salesDDL: []string{
			`CREATE SEQUENCE IF NOT EXISTS sales_id_seq START 1`,
			`CREATE TABLE IF NOT EXISTS sales (
				id INTEGER PRIMARY KEY DEFAULT nextval('sales_id_seq'),
				product_name VARCHAR NOT NULL,
				category VARCHAR,
				amount DOUBLE NOT NULL,
				quantity INTEGER NOT NULL,
				sale_date VARCHAR NOT NULL,
				region VARCHAR NOT NULL
			)`,
		},
	},
	"postgres": {
		name:        "postgres",
		driver:      "pgx",
		tablesQuery: `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`,
		columns: func(table string) (string, []any) {
			return informationSchemaColumns("current_schema()", "$1"), []any{table}
		},
		indexes: func(table string) (string, []any) {
			return `SELECT indexname FROM pg_indexes WHERE schemaname = current_schema() AND tablename = $1 ORDER BY indexname`, []any{table}
		},
		quote:       doubleQuote,
		placeholder: dollar,
		salesDDL: []string{`CREATE TABLE IF NOT EXISTS sales (
			id SERIAL PRIMARY KEY,
			product_name TEXT NOT NULL,
			category TEXT,
			amount DOUBLE PRECISION NOT NULL,
			quantity INTEGER NOT NULL,
			sale_date TEXT NOT NULL,
			region TEXT NOT NULL
		)`},
	},
	"mysql": {
		name:        "mysql",
		driver:      "mysql",
		tablesQuery: `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`,
		columns: func(table string) (string, []any) {
			return informationSchemaColumns("DATABASE()", "?"), []any{table}
		},
		indexes: func(table string) (string, []any) {
			return `SELECT DISTINCT index_name FROM information_schema.statistics WHERE table_schema = DATABASE() AND table_name = ? ORDER BY index_name`, []any{table}
		},
		quote:       backtick,
		placeholder: questionMark,
		salesDDL: []string{`CREATE TABLE IF NOT EXISTS sales (
			id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
			product_name VARCHAR(255) NOT NULL,
			category VARCHAR(255),
			amount DOUBLE NOT NULL,
			quantity INT NOT NULL,
			sale_date VARCHAR(32) NOT NULL,
			region VARCHAR(64) NOT NULL,
			PRIMARY KEY (id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`},
	},
}

func lookupDialect(driver string) (*dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return dialects["sqlite3"], nil
	case "duckdb":
		return dialects["duckdb"], nil
	case "postgres", "postgresql", "pgx":
		return dialects["postgres"], nil
	case "mysql":
		return dialects["mysql"], nil
	}
	return nil, fmt.Errorf("unsupported target driver: %s", driver)
}
