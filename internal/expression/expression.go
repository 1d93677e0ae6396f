// Package expression defines the expression evaluation contract consumed by
// the sentry evaluator and reactivation conditions, plus a small built-in
// resolver so the engine runs without an external language implementation.
package expression

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pitabwire/stagehand/model"
)

// Evaluator evaluates a condition expression against a variable scope. The
// full expression language is an external collaborator; the engine depends
// only on this contract.
type Evaluator interface {
	Evaluate(expr string, scope map[string]any) (any, error)
}

// EvaluateBool evaluates expr and requires a boolean result. A non-boolean
// result or an evaluator failure is an EVALUATION_ERROR; it is never treated
// as a silent false.
func EvaluateBool(eval Evaluator, expr string, scope map[string]any) (bool, error) {
	val, err := eval.Evaluate(expr, scope)
	if err != nil {
		return false, model.NewEvaluationError(
			fmt.Sprintf("evaluating %q: %v", expr, err),
		)
	}
	b, ok := val.(bool)
	if !ok {
		return false, model.NewEvaluationError(
			fmt.Sprintf("expression %q returned %T, expected boolean", expr, val),
		)
	}
	return b, nil
}

// Resolver is the built-in Evaluator.
//
// Supported expressions:
//   - true / false              — boolean literals
//   - 'literal'                 — single-quoted string literal
//   - 123 / 99.99               — numeric literals
//   - var.name / name           — value from the variable scope
//   - a == b / a != b           — equality over resolved operands
type Resolver struct{}

// NewResolver creates the built-in expression resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Evaluate resolves a single expression against the scope.
func (r *Resolver) Evaluate(expr string, scope map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	if parts, ok := splitOperator(expr, "!="); ok {
		left, right, err := r.operands(parts, scope)
		if err != nil {
			return nil, err
		}
		return fmt.Sprint(left) != fmt.Sprint(right), nil
	}
	if parts, ok := splitOperator(expr, "=="); ok {
		left, right, err := r.operands(parts, scope)
		if err != nil {
			return nil, err
		}
		return fmt.Sprint(left) == fmt.Sprint(right), nil
	}

	return r.resolveOperand(expr, scope)
}

func (r *Resolver) operands(parts [2]string, scope map[string]any) (any, any, error) {
	left, err := r.resolveOperand(strings.TrimSpace(parts[0]), scope)
	if err != nil {
		return nil, nil, err
	}
	right, err := r.resolveOperand(strings.TrimSpace(parts[1]), scope)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

// resolveOperand resolves a literal or a scope reference.
func (r *Resolver) resolveOperand(expr string, scope map[string]any) (any, error) {
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	// Single-quoted string literal.
	if len(expr) >= 2 && expr[0] == '\'' && expr[len(expr)-1] == '\'' {
		return expr[1 : len(expr)-1], nil
	}

	if isNumericLiteral(expr) {
		return parseNumeric(expr)
	}

	// Scope reference, with or without the var. prefix.
	name := strings.TrimPrefix(expr, "var.")
	if name == "" {
		return nil, fmt.Errorf("invalid expression %q: empty variable name", expr)
	}
	val, ok := scope[name]
	if !ok {
		return nil, fmt.Errorf("variable %q not found", name)
	}
	return val, nil
}

// splitOperator splits s at the first occurrence of op that is not part of a
// longer operator.
func splitOperator(s, op string) ([2]string, bool) {
	for i := 0; i <= len(s)-len(op); i++ {
		if s[i:i+len(op)] != op {
			continue
		}
		// "==" must not match inside "!=".
		if op == "==" && i > 0 && s[i-1] == '!' {
			continue
		}
		return [2]string{s[:i], s[i+len(op):]}, true
	}
	return [2]string{}, false
}

func isNumericLiteral(s string) bool {
	if len(s) == 0 {
		return false
	}
	start := 0
	if s[0] == '-' || s[0] == '+' {
		start = 1
		if start >= len(s) {
			return false
		}
	}
	hasDot := false
	for i := start; i < len(s); i++ {
		if s[i] == '.' {
			if hasDot {
				return false
			}
			hasDot = true
		} else if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func parseNumeric(s string) (any, error) {
	if strings.ContainsRune(s, '.') {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
		}
		return v, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
	}
	return v, nil
}
