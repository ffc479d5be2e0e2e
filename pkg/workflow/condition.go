package workflow

import (
	"strconv"
	"strings"

	"github.com/maestrohq/maestro/pkg/errors"
)

// EvaluateCondition evaluates a step condition against the variables map.
//
// The grammar is deliberately closed: `A == B`, `A != B`, `A || B`, and
// bare variable paths (truthy). Operands may be ${...} references,
// quoted strings, numbers, or true/false. Anything else is rejected as a
// validation error; there is no general expression language.
func EvaluateCondition(expr string, vars map[string]interface{}) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	for _, op := range []string{"&&", "<=", ">=", "<", ">", "(", ")"} {
		if strings.Contains(expr, op) {
			return false, &errors.ValidationError{
				Field:      "condition",
				Message:    "unsupported operator " + strconv.Quote(op) + " in " + strconv.Quote(expr),
				Suggestion: "conditions support ==, !=, || and truthy variable paths only",
			}
		}
	}

	// || is the only combinator; short-circuit on the first true branch.
	for _, clause := range strings.Split(expr, "||") {
		ok, err := evaluateClause(strings.TrimSpace(clause), vars)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func evaluateClause(clause string, vars map[string]interface{}) (bool, error) {
	if clause == "" {
		return false, &errors.ValidationError{Field: "condition", Message: "empty clause"}
	}

	if left, right, ok := splitComparison(clause, "=="); ok {
		lv, rv, err := operands(left, right, vars)
		if err != nil {
			return false, err
		}
		return looseEqual(lv, rv), nil
	}
	if left, right, ok := splitComparison(clause, "!="); ok {
		lv, rv, err := operands(left, right, vars)
		if err != nil {
			return false, err
		}
		return !looseEqual(lv, rv), nil
	}

	val, err := operand(clause, vars)
	if err != nil {
		return false, err
	}
	return truthy(val), nil
}

func splitComparison(clause, op string) (string, string, bool) {
	idx := strings.Index(clause, op)
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(clause[:idx]), strings.TrimSpace(clause[idx+len(op):]), true
}

func operands(left, right string, vars map[string]interface{}) (interface{}, interface{}, error) {
	lv, err := operand(left, vars)
	if err != nil {
		return nil, nil, err
	}
	rv, err := operand(right, vars)
	if err != nil {
		return nil, nil, err
	}
	return lv, rv, nil
}

// operand evaluates a single term: a ${...} reference, a quoted string,
// a number, a boolean, or a bare variable path.
func operand(term string, vars map[string]interface{}) (interface{}, error) {
	switch {
	case term == "":
		return nil, &errors.ValidationError{Field: "condition", Message: "empty operand"}

	case strings.HasPrefix(term, "${") && strings.HasSuffix(term, "}"):
		val, ok := LookupPath(vars, strings.TrimSpace(term[2:len(term)-1]))
		if !ok {
			return nil, nil
		}
		return val, nil

	case len(term) >= 2 && term[0] == '\'' && term[len(term)-1] == '\'':
		return term[1 : len(term)-1], nil

	case len(term) >= 2 && term[0] == '"' && term[len(term)-1] == '"':
		return term[1 : len(term)-1], nil

	case term == "true":
		return true, nil

	case term == "false":
		return false, nil
	}

	if n, err := strconv.ParseFloat(term, 64); err == nil {
		return n, nil
	}

	if isPath(term) {
		val, ok := LookupPath(vars, term)
		if !ok {
			return nil, nil
		}
		return val, nil
	}

	return nil, &errors.ValidationError{
		Field:      "condition",
		Message:    "cannot evaluate operand " + strconv.Quote(term),
		Suggestion: "use a ${...} reference, quoted string, number, or true/false",
	}
}

// isPath reports whether term looks like a dot-notation variable path.
func isPath(term string) bool {
	for _, r := range term {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}

// looseEqual compares two resolved values. Numbers compare numerically;
// everything else compares by string rendering so '3' == 3 and
// 'pass' == ${qa.status} behave as workflow authors expect.
func looseEqual(a, b interface{}) bool {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an == bn
	}
	return stringify(a) == stringify(b)
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// truthy implements the falsiness rules: nil, false, empty string, and
// numeric zero are falsy; everything else is truthy.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}
