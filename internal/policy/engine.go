package policy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Engine evaluates generated SQL against a rego module before it runs.
type Engine struct {
	query rego.PreparedEvalQuery
}

// Violation lists every rule a statement broke.
type Violation struct {
	SQL     string
	Reasons []string
}

func (v *Violation) Error() string {
	return "policy violation: " + strings.Join(v.Reasons, "; ")
}

// NewEngine prepares the deny query of the given module. An empty module
// selects DefaultModule.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	if strings.TrimSpace(module) == "" {
		module = DefaultModule
	}
	r := rego.New(
		rego.Query("data.sql_guard.deny"),
		rego.Module("sql_guard.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// LoadEngine reads a module from path, or uses the default one when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultModule)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(data))
}

// Check returns nil when the statement passes, or a *Violation.
func (e *Engine) Check(ctx context.Context, sql string) error {
	if e == nil {
		return nil
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{"sql": sql}))
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil
	}

	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []any:
		for _, item := range v {
			reasons = append(reasons, fmt.Sprint(item))
		}
	case string:
		reasons = append(reasons, v)
	}
	if len(reasons) == 0 {
		return nil
	}
	sort.Strings(reasons)
	return &Violation{SQL: sql, Reasons: reasons}
}

// DefaultModule only lets a single read-only statement through.
const DefaultModule = `
package sql_guard

normalized := lower(trim_space(input.sql))

body := trim_right(normalized, "; \t\r\n")

deny contains "empty statement" if {
	body == ""
}

deny contains "only SELECT or WITH queries are allowed" if {
	body != ""
	not startswith(body, "select")
	not startswith(body, "with")
}

deny contains "multiple statements are not allowed" if {
	contains(body, ";")
}

forbidden := {
	"insert", "update", "delete", "drop", "alter", "create",
	"attach", "detach", "truncate", "grant", "revoke", "pragma",
}

deny contains sprintf("keyword %s is not allowed", [kw]) if {
	some kw in forbidden
	regex.match(sprintf("\\b%s\\b", [kw]), body)
}

deny contains "keyword replace into is not allowed" if {
	regex.match("\\breplace\\s+into\\b", body)
}
`
