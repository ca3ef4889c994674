// Package validator gates candidate queries: provider syntax checks,
// dangerous-operation heuristics, and optional bounded execution.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/provider"
)

// executionRowLimit bounds validation-time execution. Enough rows to
// judge the query, far short of a full result set.
const executionRowLimit = 100

// Outcome bundles the validation verdict with the execution result, when
// execution ran.
type Outcome struct {
	Validation *model.ValidationResult
	Execution  *model.ExecutionResult
}

// Validator checks drafts against one provider.
type Validator struct {
	provider provider.Provider
}

func New(p provider.Provider) *Validator {
	return &Validator{provider: p}
}

// Validate runs the gate. Syntax is always checked when the provider
// supports it. Execution runs only when the provider supports it, the
// caller enabled it, and the query carries no dangerous operation.
func (v *Validator) Validate(ctx context.Context, query string, enableExecution bool) (*Outcome, error) {
	info := v.provider.Describe()
	result := &model.ValidationResult{Status: model.ValidationPassed}

	if info.Capabilities.Has(provider.CapQueryValidation) {
		syntax, err := v.provider.ValidateSyntax(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("syntax validation failed: %w", err)
		}
		result = syntax
	} else {
		result.Warnings = append(result.Warnings,
			"provider does not support syntax validation")
	}

	dangers := DangerousOperations(query, info.QueryLanguage)
	for _, d := range dangers {
		result.Warnings = append(result.Warnings, d)
		if result.Status == model.ValidationPassed {
			result.Status = model.ValidationWarning
		}
	}

	outcome := &Outcome{Validation: result}
	if result.Failed() || !enableExecution ||
		!info.Capabilities.Has(provider.CapQueryExecution) {
		return outcome, nil
	}
	if len(dangers) > 0 {
		result.Warnings = append(result.Warnings,
			"execution refused: query contains a dangerous operation")
		return outcome, nil
	}

	exec, err := v.provider.ExecuteQuery(ctx, query, executionRowLimit)
	if err != nil {
		return nil, fmt.Errorf("bounded execution failed: %w", err)
	}
	outcome.Execution = exec
	if !exec.Success {
		result.Status = model.ValidationFailed
		result.Errors = append(result.Errors, exec.Error)
	}
	return outcome, nil
}

var (
	sqlDangerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bDROP\s+(TABLE|DATABASE|SCHEMA|INDEX|VIEW)\b`),
		regexp.MustCompile(`(?i)\bTRUNCATE\b`),
	}
	sqlDeletePattern = regexp.MustCompile(`(?i)\bDELETE\s+FROM\b`)
	sqlUpdatePattern = regexp.MustCompile(`(?i)\bUPDATE\s+[a-zA-Z_]`)
	sqlWherePattern  = regexp.MustCompile(`(?i)\bWHERE\b`)

	splDeletePattern = regexp.MustCompile(`(?i)\|\s*delete\b`)
)

// DangerousOperations reports destructive constructs in the candidate,
// translated per query language. An empty slice means the query looks
// safe to execute.
func DangerousOperations(query string, lang protocol.QueryLanguage) []string {
	switch lang {
	case protocol.QueryLanguageMongoDB:
		return mongoDangers(query)
	case protocol.QueryLanguageSPL:
		if splDeletePattern.MatchString(query) {
			return []string{"SPL delete command removes events permanently"}
		}
		return nil
	default:
		return sqlDangers(query)
	}
}

func sqlDangers(query string) []string {
	var dangers []string
	for _, p := range sqlDangerPatterns {
		if m := p.FindString(query); m != "" {
			dangers = append(dangers, fmt.Sprintf("destructive statement: %s", strings.ToUpper(m)))
		}
	}
	hasWhere := sqlWherePattern.MatchString(query)
	if sqlDeletePattern.MatchString(query) && !hasWhere {
		dangers = append(dangers, "DELETE without WHERE affects every row")
	}
	if sqlUpdatePattern.MatchString(query) && !hasWhere {
		dangers = append(dangers, "UPDATE without WHERE affects every row")
	}
	return dangers
}

// mongoDangers flags mass writes with an empty filter.
func mongoDangers(query string) []string {
	var q struct {
		Operation string         `json:"operation"`
		Filter    map[string]any `json:"filter"`
	}
	if err := json.Unmarshal([]byte(query), &q); err != nil {
		return nil
	}
	switch q.Operation {
	case "delete_many":
		if len(q.Filter) == 0 {
			return []string{"delete_many with an empty filter removes every document"}
		}
	case "update_many":
		if len(q.Filter) == 0 {
			return []string{"update_many with an empty filter rewrites every document"}
		}
	}
	return nil
}
